// Copyright (c) LogRelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package driver implements the dual-mode netstream driver. A session
// configured for plain mode behaves exactly like the underlying TCP
// transport; a session configured for TLS mode layers an encrypted record
// channel with post-handshake peer authentication on top of it, behind the
// same call surface.
package driver

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	errs "github.com/logrelay/netstream/pkg/errors"
	"github.com/logrelay/netstream/pkg/metrics"
	"github.com/logrelay/netstream/pkg/tlsctx"
	"github.com/logrelay/netstream/pkg/tlsengine"
)

// Mode selects between the pass-through plain transport and the encrypted path.
type Mode int

const (
	// ModePlain passes bytes straight through to the TCP transport.
	ModePlain Mode = iota
	// ModeTLS encrypts the stream and authenticates the peer.
	ModeTLS
)

func (m Mode) String() string {
	switch m {
	case ModePlain:
		return "plain"
	case ModeTLS:
		return "tls"
	default:
		return "invalid"
	}
}

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "plain":
		return ModePlain, nil
	case "tls":
		return ModeTLS, nil
	default:
		return 0, fmt.Errorf("driver mode %q not supported: %w", s, errs.ErrConfiguration)
	}
}

// AuthMode selects how a TLS peer's identity is checked after the handshake.
type AuthMode int

const (
	// AuthCertName matches certificate name fields against the permitted
	// peer list. This is the default.
	AuthCertName AuthMode = iota
	// AuthCertFingerprint matches the leaf certificate's digest against
	// the permitted peer list.
	AuthCertFingerprint
	// AuthAnonymous skips peer identity checks entirely. Discouraged, but
	// supported.
	AuthAnonymous
)

func (a AuthMode) String() string {
	switch a {
	case AuthCertName:
		return "x509/name"
	case AuthCertFingerprint:
		return "x509/fingerprint"
	case AuthAnonymous:
		return "anon"
	default:
		return "invalid"
	}
}

// HandshakeState tracks a session's handshake progress. Complete and Failed
// are terminal.
type HandshakeState int32

const (
	HandshakeNotStarted HandshakeState = iota
	HandshakeInProgress
	HandshakeComplete
	HandshakeFailed
)

func (h HandshakeState) String() string {
	switch h {
	case HandshakeNotStarted:
		return "not_started"
	case HandshakeInProgress:
		return "in_progress"
	case HandshakeComplete:
		return "complete"
	case HandshakeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config holds the driver configuration.
type Config struct {
	// TLSContext is the process-wide credential and trust store. Required
	// for TLS mode sessions.
	TLSContext *tlsctx.Context

	// Engine creates TLS protocol sessions. Defaults to the crypto/tls
	// backed engine over TLSContext.
	Engine tlsengine.Engine

	// Metrics is optional Prometheus instrumentation.
	Metrics *metrics.Metrics

	// Logger for driver events
	Logger *slog.Logger
}

// Driver creates and operates netstream sessions.
type Driver struct {
	tctx    *tlsctx.Context
	engine  tlsengine.Engine
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a driver with the given configuration.
func New(cfg Config) *Driver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Engine == nil && cfg.TLSContext != nil {
		cfg.Engine = tlsengine.NewStd(cfg.TLSContext)
	}
	return &Driver{
		tctx:    cfg.TLSContext,
		engine:  cfg.Engine,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// NewSession constructs an unconnected session in plain mode with the
// default authentication mode.
func (d *Driver) NewSession() *Session {
	return &Session{
		ID:       uuid.New().String(),
		d:        d,
		mode:     ModePlain,
		authMode: AuthCertName,
	}
}
