// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/dtls/v2"
)

// SocketFactory dials a fresh socket to one peer endpoint. It is one of
// the three constructor inputs spec.md §6 names alongside a Clock and a
// Delegate — implementations never touch the registry, they only know
// how to produce a net.Conn.
type SocketFactory interface {
	Dial(ctx context.Context, endpoint Endpoint) (net.Conn, error)
}

// Params selects a SocketFactory: plain UDP, DTLS-PSK, or a caller's own
// SocketFactory (CustomParams) for custom verification.
type Params interface {
	socketFactory() SocketFactory
}

type paramsFunc func() SocketFactory

func (f paramsFunc) socketFactory() SocketFactory { return f() }

// udpFactory dials plain net.Conn UDP sockets.
type udpFactory struct {
	dialTimeout time.Duration
}

func (f *udpFactory) Dial(ctx context.Context, endpoint Endpoint) (net.Conn, error) {
	network := endpoint.Network
	if network == "" {
		network = "udp"
	}
	d := net.Dialer{Timeout: f.dialTimeout}
	conn, err := d.DialContext(ctx, network, endpoint.Addr())
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}
	return conn, nil
}

// DefaultUDPParams builds plain (non-DTLS) UDP connection parameters.
func DefaultUDPParams() Params {
	return paramsFunc(func() SocketFactory {
		return &udpFactory{dialTimeout: 10 * time.Second}
	})
}

// dtlsPSKFactory dials DTLS-PSK sessions over UDP, per spec.md §6's
// default cipher suite TLS_PSK_WITH_AES_128_GCM_SHA256.
type dtlsPSKFactory struct {
	key          []byte
	identity     string
	cipherSuites []dtls.CipherSuiteID
	dialTimeout  time.Duration
}

func (f *dtlsPSKFactory) Dial(ctx context.Context, endpoint Endpoint) (net.Conn, error) {
	network := endpoint.Network
	if network == "" {
		network = "udp"
	}
	addr, err := net.ResolveUDPAddr(network, endpoint.Addr())
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", endpoint, err)
	}

	config := &dtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			return f.key, nil
		},
		PSKIdentityHint: []byte(f.identity),
		CipherSuites:    f.cipherSuites,
	}

	dialCtx, cancel := context.WithTimeout(ctx, f.dialTimeout)
	defer cancel()

	conn, err := dtls.DialWithContext(dialCtx, network, addr, config)
	if err != nil {
		return nil, fmt.Errorf("transport: dtls dial %s: %w", endpoint, err)
	}
	return conn, nil
}

// DTLSPSKParams builds DTLS-PSK connection parameters. An empty identity
// is valid per spec.md §6 ("pre-shared key identity (empty hint)"). A
// nil cipherSuite list defaults to TLS_PSK_WITH_AES_128_GCM_SHA256.
func DTLSPSKParams(key []byte, identity string, cipherSuites ...dtls.CipherSuiteID) Params {
	if len(cipherSuites) == 0 {
		cipherSuites = []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_GCM_SHA256}
	}
	return paramsFunc(func() SocketFactory {
		return &dtlsPSKFactory{
			key:          key,
			identity:     identity,
			cipherSuites: cipherSuites,
			dialTimeout:  10 * time.Second,
		}
	})
}

// CustomParams wraps a caller-supplied SocketFactory, for custom
// verification or parameters spec.md §6 leaves to the host.
func CustomParams(factory SocketFactory) Params {
	return paramsFunc(func() SocketFactory { return factory })
}
