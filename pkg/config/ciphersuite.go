// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"

	"github.com/pion/dtls/v2"
)

var pskCipherSuites = map[string]dtls.CipherSuiteID{
	"TLS_PSK_WITH_AES_128_GCM_SHA256": dtls.TLS_PSK_WITH_AES_128_GCM_SHA256,
	"TLS_PSK_WITH_AES_128_CCM_8":      dtls.TLS_PSK_WITH_AES_128_CCM_8,
	"TLS_PSK_WITH_AES_128_CBC_SHA256": dtls.TLS_PSK_WITH_AES_128_CBC_SHA256,
}

// CipherSuiteID resolves a cipher suite name to its pion/dtls constant.
// An empty name resolves to (0, nil), leaving the choice to the
// transport package's own default.
func CipherSuiteID(name string) (dtls.CipherSuiteID, error) {
	if name == "" {
		return 0, nil
	}
	id, ok := pskCipherSuites[name]
	if !ok {
		return 0, fmt.Errorf("config: unknown DTLS-PSK cipher suite %q", name)
	}
	return id, nil
}
