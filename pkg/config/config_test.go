// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	opts, err := Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if opts.Host != "127.0.0.1" {
		t.Fatalf("Host = %q, want default 127.0.0.1", opts.Host)
	}
	if opts.Port != "5683" {
		t.Fatalf("Port = %q, want default 5683", opts.Port)
	}
	if opts.Network != "udp" {
		t.Fatalf("Network = %q, want default udp", opts.Network)
	}
	if opts.MetricsPort != 9090 {
		t.Fatalf("MetricsPort = %d, want default 9090", opts.MetricsPort)
	}
	if opts.HealthPort != 8080 {
		t.Fatalf("HealthPort = %d, want default 8080", opts.HealthPort)
	}
	if opts.PSKKey != "" {
		t.Fatalf("PSKKey = %q, want empty (plain UDP by default)", opts.PSKKey)
	}
}

func TestParseOverridesFromEnv(t *testing.T) {
	t.Setenv("COAP_HOST", "10.0.0.5")
	t.Setenv("COAP_PORT", "5684")
	t.Setenv("COAP_PSK_KEY", "deadbeef")

	opts, err := Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if opts.Host != "10.0.0.5" {
		t.Fatalf("Host = %q, want 10.0.0.5", opts.Host)
	}
	if opts.Port != "5684" {
		t.Fatalf("Port = %q, want 5684", opts.Port)
	}
	if opts.PSKKey != "deadbeef" {
		t.Fatalf("PSKKey = %q, want deadbeef", opts.PSKKey)
	}
}

func TestLoadDotEnvMissingFileIsNotFatal(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	dir := t.TempDir() // has no .env file
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer os.Chdir(wd)

	// A missing .env file is expected to produce an error here; the
	// caller (cmd/coap-ping) treats it as a warning, not a fatal Parse
	// failure.
	if err := LoadDotEnv(); err == nil {
		t.Skip("godotenv reported no error for a missing file in this environment")
	}
}
