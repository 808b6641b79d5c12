// Copyright (c) LogRelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package tlsengine abstracts the TLS protocol engine behind a small
// session interface so the driver's handshake state machine can be driven
// one non-blocking step at a time and exercised against fakes in tests.
package tlsengine

import (
	"crypto/x509"
	"net"
)

// Role is the side of the handshake a session plays.
type Role int

const (
	// Initiator is the actively connecting side.
	Initiator Role = iota
	// Responder is the passively accepting side.
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// SessionConfig carries per-session negotiation parameters.
type SessionConfig struct {
	// ServerName is the peer host name an initiator presents for SNI.
	ServerName string

	// VerifyChain enables the engine's own X.509 chain validation. When
	// disabled, trust is established after the handshake by the peer
	// authenticator instead.
	VerifyChain bool
}

// Session is one TLS protocol session bound to an underlying byte stream.
type Session interface {
	// Handshake makes exactly one attempt to advance the handshake. It
	// returns nil once the handshake is complete, errors.ErrWouldBlock when
	// it cannot make progress without blocking, and any other error on a
	// non-transient failure.
	Handshake() error

	// Read performs one non-blocking read attempt through the record layer.
	// A (0, nil) result means no application data is available yet.
	Read(p []byte) (int, error)

	// Write sends application data through the record layer. It may return
	// errors.ErrWouldBlock as a transient signal.
	Write(p []byte) (int, error)

	// PeerCertificates returns the certificate chain the peer presented,
	// leaf first. Valid only after the handshake completed.
	PeerCertificates() []*x509.Certificate

	// Close ends the TLS session. Initiators send a close notification
	// before the underlying stream is released.
	Close() error
}

// Engine creates TLS sessions bound to existing connections.
type Engine interface {
	NewSession(conn net.Conn, role Role, cfg SessionConfig) (Session, error)
}
