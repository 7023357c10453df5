// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the client-side CoAP transport: a
// per-peer connection registry, message-ID issuance, keepalive
// liveness probing, and the inbound delivery router, sitting on top of
// pkg/message's wire codec.
package transport

import (
	"fmt"
	"net"
	"strings"
)

// Endpoint identifies one peer: a (host, port, network) triple, per
// spec.md's MessageTransportIdentifier pairing. Endpoint values are
// compared and keyed by Key(), grounded on absmach-mproxy's
// SessionManager keying sessions by clientAddr.String().
type Endpoint struct {
	Host    string
	Port    string
	Network string // "udp", "udp4", "udp6"
}

// NewEndpoint synthesizes an Endpoint from host and port on the "udp"
// network — the convenience form the DeliverByAddr helper needs.
func NewEndpoint(host, port string) Endpoint {
	return Endpoint{Host: host, Port: port, Network: "udp"}
}

// Key returns the canonical registry key for this endpoint.
func (e Endpoint) Key() string {
	if e.Network == "" {
		return net.JoinHostPort(e.Host, e.Port)
	}
	return e.Network + "|" + net.JoinHostPort(e.Host, e.Port)
}

// Addr returns the dial address in "host:port" form.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, e.Port)
}

func (e Endpoint) String() string { return e.Key() }

// parseEndpointKey inverts Key(), used by the socket pool's dial
// callback which only carries the string key, not the Endpoint value.
func parseEndpointKey(key string) (Endpoint, error) {
	network := "udp"
	rest := key
	if idx := strings.IndexByte(key, '|'); idx >= 0 {
		network = key[:idx]
		rest = key[idx+1:]
	}
	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		return Endpoint{}, fmt.Errorf("transport: malformed endpoint key %q: %w", key, err)
	}
	return Endpoint{Host: host, Port: port, Network: network}, nil
}
