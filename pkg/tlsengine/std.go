// Copyright (c) LogRelay Authors
// SPDX-License-Identifier: Apache-2.0

package tlsengine

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"time"

	errs "github.com/logrelay/netstream/pkg/errors"
	"github.com/logrelay/netstream/pkg/tlsctx"
)

// Std is the production Engine backed by crypto/tls, drawing its
// credentials and trust anchors from the process-wide TLS context.
type Std struct {
	ctx *tlsctx.Context
}

var _ Engine = (*Std)(nil)

// NewStd creates a crypto/tls backed engine.
func NewStd(ctx *tlsctx.Context) *Std {
	return &Std{ctx: ctx}
}

// NewSession binds a TLS session to an already-connected socket.
func (e *Std) NewSession(conn net.Conn, role Role, cfg SessionConfig) (Session, error) {
	var tlsConn *tls.Conn
	switch role {
	case Initiator:
		tcfg, err := e.ctx.ClientConfig(cfg.ServerName, cfg.VerifyChain)
		if err != nil {
			return nil, err
		}
		tlsConn = tls.Client(conn, tcfg)
	case Responder:
		tcfg, err := e.ctx.ServerConfig()
		if err != nil {
			return nil, err
		}
		tlsConn = tls.Server(conn, tcfg)
	default:
		return nil, errs.ErrConfiguration
	}
	return &stdSession{conn: tlsConn, role: role}, nil
}

// stdSession adapts crypto/tls to the engine's step-at-a-time contract.
//
// crypto/tls exposes a blocking handshake only, so the responder side runs
// it in a background goroutine started on the first Handshake call; each
// subsequent call polls for completion without blocking. The initiator side
// blocks, which matches the driver's blocking Connect contract.
type stdSession struct {
	conn *tls.Conn
	role Role

	started  bool
	done     chan error
	complete bool
	hsErr    error
}

func (s *stdSession) Handshake() error {
	if s.complete {
		return nil
	}
	if s.hsErr != nil {
		return s.hsErr
	}

	if s.role == Initiator {
		if err := s.conn.Handshake(); err != nil {
			s.hsErr = err
			return err
		}
		s.complete = true
		return nil
	}

	if !s.started {
		s.started = true
		s.done = make(chan error, 1)
		conn := s.conn
		go func() {
			s.done <- conn.Handshake()
		}()
	}

	select {
	case err := <-s.done:
		if err != nil {
			s.hsErr = err
			return err
		}
		s.complete = true
		return nil
	default:
		return errs.ErrWouldBlock
	}
}

func (s *stdSession) Read(p []byte) (int, error) {
	// A short future deadline turns the blocking record-layer read into a
	// single bounded attempt: pending data is returned immediately, an idle
	// stream times out within a millisecond. The deadline must lie in the
	// future; an already-expired one fails the read before any I/O happens.
	// Timed-out reads are safe to resume later.
	if err := s.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return 0, err
	}
	n, err := s.conn.Read(p)
	_ = s.conn.SetReadDeadline(time.Time{})
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

func (s *stdSession) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

func (s *stdSession) PeerCertificates() []*x509.Certificate {
	return s.conn.ConnectionState().PeerCertificates
}

func (s *stdSession) Close() error {
	if s.role == Initiator && s.complete {
		// Send close notification; the responder side just closes.
		_ = s.conn.CloseWrite()
	}
	return s.conn.Close()
}
