// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads the environment-driven configuration for the
// cmd/coap-ping example binary, following the teacher's cmd/main.go
// convention of caarlos0/env struct tags plus an optional .env file.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Options is the client's construction-time configuration: which peer
// to dial, over which network, and (if PSKKey is set) the DTLS-PSK
// credentials to dial it with.
type Options struct {
	Host    string `env:"COAP_HOST"    envDefault:"127.0.0.1"`
	Port    string `env:"COAP_PORT"    envDefault:"5683"`
	Network string `env:"COAP_NETWORK" envDefault:"udp"`

	// PSKKey, hex-encoded, switches the client onto DTLS-PSK when
	// non-empty. An empty PSKKey means plain UDP.
	PSKKey      string `env:"COAP_PSK_KEY"`
	PSKIdentity string `env:"COAP_PSK_IDENTITY"`
	// CipherSuite names a pion/dtls cipher suite constant, e.g.
	// "TLS_PSK_WITH_AES_128_GCM_SHA256". Empty picks the transport
	// package's own default.
	CipherSuite string `env:"COAP_CIPHER_SUITE"`

	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
}

// LoadDotEnv loads a .env file into the process environment, if one is
// present. A missing file is reported back to the caller so it can log
// a warning, matching the teacher's cmd/main.go treatment — it is never
// fatal.
func LoadDotEnv() error {
	return godotenv.Load()
}

// Parse reads Options from the current environment.
func Parse() (Options, error) {
	var opts Options
	if err := env.Parse(&opts); err != nil {
		return Options{}, fmt.Errorf("config: parse environment: %w", err)
	}
	return opts, nil
}
