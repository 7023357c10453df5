// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

// Delegate is the callback interface any host of this transport must
// implement. Per DESIGN NOTES §9, the host-facing "forward host+port to
// endpoint" convenience is a stateless helper function below rather
// than a default interface method — there is no inheritance in Go, so
// callers that only have a host/port pair call DeliverByAddr instead of
// implementing a second method.
type Delegate interface {
	// DidReceiveData is called with one inbound datagram's raw bytes
	// and the peer endpoint it arrived from.
	DidReceiveData(data []byte, endpoint Endpoint)

	// DidFail is called when the transport cannot satisfy an operation
	// bound to this delegate's registration. err is always a
	// *transporterrors.TransportError.
	DidFail(err error)
}

// DeliverByAddr synthesizes an Endpoint from host and port and forwards
// to d.DidReceiveData — the convenience form spec.md §6 describes as
// "did_receive_data(raw_bytes, host, port)".
func DeliverByAddr(d Delegate, data []byte, host, port string) {
	d.DidReceiveData(data, NewEndpoint(host, port))
}
