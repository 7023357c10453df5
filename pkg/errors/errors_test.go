// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestNewReturnsNilForNilCause(t *testing.T) {
	if err := New(KindSend, "send", "udp|1.2.3.4:5683", nil); err != nil {
		t.Fatalf("New() with nil cause = %v, want nil", err)
	}
}

func TestNewWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := New(KindSetup, "dial", "udp|1.2.3.4:5683", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true")
	}

	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("errors.As into *TransportError failed")
	}
	if terr.Kind != KindSetup || terr.Op != "dial" || terr.Endpoint != "udp|1.2.3.4:5683" {
		t.Fatalf("TransportError fields = %+v, unexpected", terr)
	}
}

func TestErrorStringIncludesEndpoint(t *testing.T) {
	err := New(KindPingTimeout, "keepalive", "udp|peer:5683", ErrPingTimeout)
	msg := err.Error()
	if !strings.Contains(msg, "udp|peer:5683") || !strings.Contains(msg, "ping_timeout") {
		t.Fatalf("Error() = %q, want it to contain the endpoint and kind name", msg)
	}
}

func TestErrorStringOmitsEmptyEndpoint(t *testing.T) {
	err := New(KindEncode, "encode", "", ErrEncodeTooLong)
	msg := err.Error()
	if strings.Contains(msg, "[]") {
		t.Fatalf("Error() = %q, should not print an empty endpoint bracket", msg)
	}
}

func TestKindStringNames(t *testing.T) {
	cases := map[Kind]string{
		KindEncode:      "encode",
		KindSetup:       "setup",
		KindSend:        "send",
		KindPingTimeout: "ping_timeout",
		KindSocketIO:    "socket_io",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{ErrEncodeTooLong, ErrDecodeMalformed, ErrSetupTimeout, ErrPingTimeout, ErrCancelled}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && errors.Is(a, b) {
				t.Fatalf("sentinel %v should not match %v", a, b)
			}
		}
	}
}
