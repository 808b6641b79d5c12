// Copyright (c) LogRelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package netstream provides environment-based configuration for the
// netstream driver and the processes embedding it.
package netstream

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds driver and relay configuration parsed from the environment.
type Config struct {
	// Host is the local listen address.
	Host string `env:"HOST" envDefault:""`

	// Port is the local listen port. An empty port disables the listener.
	Port string `env:"PORT" envDefault:""`

	// TargetHost and TargetPort name the upstream the relay forwards to.
	TargetHost string `env:"TARGET_HOST" envDefault:""`
	TargetPort string `env:"TARGET_PORT" envDefault:""`

	// Mode selects the driver mode: "plain" or "tls".
	Mode string `env:"MODE" envDefault:"plain"`

	// AuthMode selects peer authentication for TLS mode: "x509/name",
	// "x509/fingerprint", or "anon". Empty defaults to name matching.
	AuthMode string `env:"AUTH_MODE" envDefault:""`

	// PermittedPeers is the comma-separated allow-list of peer identities.
	PermittedPeers []string `env:"PERMITTED_PEERS" envSeparator:","`

	// CertFile, KeyFile, and CAFile are the PEM credential paths handed to
	// the TLS context at init time.
	CertFile string `env:"CERT_FILE" envDefault:""`
	KeyFile  string `env:"KEY_FILE" envDefault:""`
	CAFile   string `env:"CA_FILE" envDefault:""`

	// MaxSessions caps concurrently accepted sessions. Zero means no limit.
	MaxSessions int `env:"MAX_SESSIONS" envDefault:"0"`

	// AcceptRate caps accepted connections per second per remote host.
	// Zero disables rate limiting. AcceptBurst is the extra headroom
	// allowed on top of the sustained rate.
	AcceptRate  float64 `env:"ACCEPT_RATE" envDefault:"0"`
	AcceptBurst float64 `env:"ACCEPT_BURST" envDefault:"10"`

	// TargetFailureThreshold is how many consecutive failed target dials
	// trip the outbound circuit breaker; TargetCooldown is how long it
	// stays tripped. Zero values pick the breaker's defaults.
	TargetFailureThreshold int           `env:"TARGET_FAILURE_THRESHOLD" envDefault:"0"`
	TargetCooldown         time.Duration `env:"TARGET_COOLDOWN" envDefault:"0s"`

	// MetricsAddress is where Prometheus metrics and health endpoints are
	// served. Empty disables the endpoint.
	MetricsAddress string `env:"METRICS_ADDRESS" envDefault:""`
}

// NewConfig parses configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
