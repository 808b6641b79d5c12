// Copyright (c) LogRelay Authors
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	errs "github.com/logrelay/netstream/pkg/errors"
	"github.com/logrelay/netstream/pkg/peerauth"
	"github.com/logrelay/netstream/pkg/ptcp"
	"github.com/logrelay/netstream/pkg/tlsengine"
)

// Connect opens an outbound connection to host:port. In plain mode the
// session is usable as soon as the transport connects. In TLS mode the
// handshake is driven to completion in a blocking retry loop and the peer
// is authenticated before the session is handed back; on any failure the
// partially built TLS handle is torn down first.
func (s *Session) Connect(ctx context.Context, family ptcp.Family, port, host string) error {
	conn, err := ptcp.Dial(ctx, family, host, port)
	if err != nil {
		return errs.New("connect", s.ID, host+":"+port, err)
	}
	s.tcp = conn

	if s.mode == ModePlain {
		s.markOpened("initiator")
		return nil
	}

	if s.d.engine == nil {
		s.tcp.Abort()
		s.tcp = nil
		return fmt.Errorf("TLS mode requires a TLS engine: %w", errs.ErrConfiguration)
	}

	tlsSess, err := s.d.engine.NewSession(conn.NetConn(), tlsengine.Initiator, tlsengine.SessionConfig{
		ServerName: host,
		// Fingerprint and anonymous modes establish trust without the
		// engine's chain validation.
		VerifyChain: s.authMode == AuthCertName,
	})
	if err != nil {
		s.tcp.Abort()
		s.tcp = nil
		return errs.New("connect", s.ID, host+":"+port, fmt.Errorf("%w: %w", errs.ErrLibrary, err))
	}
	s.tls = tlsSess
	s.role = tlsengine.Initiator

	if err := s.runInitiatorHandshake(); err != nil {
		s.teardownTLS()
		return err
	}
	if err := s.authenticate(); err != nil {
		s.setState(HandshakeFailed)
		s.teardownTLS()
		return err
	}

	s.markOpened("initiator")
	s.d.logger.Debug("session connected",
		slog.String("session", s.ID),
		slog.String("remote", s.RemoteAddress()),
		slog.String("mode", s.mode.String()))
	return nil
}

// ListenInit binds the session as a listener on bindAddr:port. maxSessions
// caps concurrently accepted connections (zero means unlimited). In TLS
// mode the one-time listener parameter generation is ensured first.
func (s *Session) ListenInit(port, bindAddr string, maxSessions int) error {
	if s.mode == ModeTLS {
		if s.d.engine == nil {
			return fmt.Errorf("TLS mode requires a TLS engine: %w", errs.ErrConfiguration)
		}
		if s.d.tctx != nil {
			if err := s.d.tctx.EnsureListenerParams(); err != nil {
				return err
			}
		}
	}

	ln, err := ptcp.Listen(port, bindAddr, maxSessions, s.d.logger)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Accept waits for an inbound connection and returns a new session for it.
// Plain-mode children are immediately usable. TLS-mode children inherit the
// parent's auth mode and permitted peers and get a single non-blocking
// handshake attempt: if it completes, the peer is authenticated right away;
// if it would block, the child is returned in the InProgress state and must
// be driven with DriveHandshake before it carries application data.
func (s *Session) Accept(ctx context.Context) (*Session, error) {
	conn, err := s.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	ns := s.d.NewSession()
	ns.mode = s.mode
	ns.tcp = conn
	ns.markOpened("responder")

	if s.mode == ModePlain {
		return ns, nil
	}

	ns.authMode = s.authMode
	ns.permitted = s.permitted
	ns.role = tlsengine.Responder

	tlsSess, err := s.d.engine.NewSession(conn.NetConn(), tlsengine.Responder, tlsengine.SessionConfig{})
	if err != nil {
		remote := ns.RemoteAddress()
		conn.Abort()
		return nil, errs.New("accept", ns.ID, remote, fmt.Errorf("%w: %w", errs.ErrLibrary, err))
	}
	ns.tls = tlsSess
	ns.hsStart = time.Now()
	ns.setState(HandshakeInProgress)

	if err := ns.driveOnce(); err != nil {
		_ = ns.Close()
		return nil, err
	}
	if ns.HandshakeState() == HandshakeInProgress {
		s.d.logger.Debug("handshake would block, deferring to readiness loop",
			slog.String("session", ns.ID),
			slog.String("remote", ns.RemoteAddress()))
	}
	return ns, nil
}

// DriveHandshake makes one handshake attempt on a session whose accept-time
// attempt could not complete. It is meant to be invoked by an external I/O
// readiness notifier whenever the socket becomes ready. It returns nil once
// the handshake is complete and the peer authenticated, ErrWouldBlock while
// more readiness events are needed, and a terminal error when the session
// must be discarded.
func (s *Session) DriveHandshake() error {
	switch s.HandshakeState() {
	case HandshakeComplete:
		return nil
	case HandshakeFailed:
		return errs.New("handshake", s.ID, s.RemoteAddress(), errs.ErrHandshake)
	case HandshakeNotStarted:
		return errs.New("handshake", s.ID, s.RemoteAddress(), fmt.Errorf("no handshake in progress: %w", errs.ErrHandshake))
	}

	if err := s.driveOnce(); err != nil {
		return err
	}
	if s.HandshakeState() != HandshakeComplete {
		return errs.ErrWouldBlock
	}
	return nil
}

// runInitiatorHandshake drives the handshake to a terminal state, retrying
// transient signals immediately. Busy-retry is acceptable here because
// Connect is a blocking operation by contract.
func (s *Session) runInitiatorHandshake() error {
	s.hsStart = time.Now()
	s.setState(HandshakeInProgress)
	for {
		err := s.tls.Handshake()
		if err == nil {
			s.setState(HandshakeComplete)
			s.observeHandshake(nil)
			return nil
		}
		if errors.Is(err, errs.ErrWouldBlock) {
			continue
		}
		s.setState(HandshakeFailed)
		s.observeHandshake(err)
		return errs.New("handshake", s.ID, s.RemoteAddress(), fmt.Errorf("%w: %w", errs.ErrHandshake, err))
	}
}

// driveOnce makes exactly one responder handshake attempt. A transient
// signal leaves the session InProgress; completion runs peer
// authentication immediately and tears the session's TLS handle down if
// the peer is rejected.
func (s *Session) driveOnce() error {
	err := s.tls.Handshake()
	switch {
	case err == nil:
		s.setState(HandshakeComplete)
		s.observeHandshake(nil)
		if aerr := s.authenticate(); aerr != nil {
			s.setState(HandshakeFailed)
			s.teardownTLS()
			return aerr
		}
		return nil
	case errors.Is(err, errs.ErrWouldBlock):
		return nil
	default:
		s.setState(HandshakeFailed)
		s.observeHandshake(err)
		s.teardownTLS()
		return errs.New("handshake", s.ID, s.RemoteAddress(), fmt.Errorf("%w: %w", errs.ErrHandshake, err))
	}
}

// authenticate runs the post-handshake peer identity check. It is a no-op
// in anonymous mode. Failures are logged at most once per session.
func (s *Session) authenticate() error {
	if s.authMode == AuthAnonymous {
		return nil
	}

	method := peerauth.MethodName
	if s.authMode == AuthCertFingerprint {
		method = peerauth.MethodFingerprint
	}
	auth := &peerauth.Authenticator{Method: method, Permitted: s.permitted}

	err := auth.Verify(s.tls.PeerCertificates())
	if s.d.metrics != nil {
		reason := ""
		switch {
		case errors.Is(err, errs.ErrNoCertificate):
			reason = "no_certificate"
		case err != nil:
			reason = "identity_not_permitted"
		}
		s.d.metrics.ObserveAuth(s.authMode.String(), reason)
	}
	if err != nil {
		if !s.authErrReported {
			s.authErrReported = true
			s.d.logger.Error("peer not permitted",
				slog.String("session", s.ID),
				slog.String("remote", s.RemoteAddress()),
				slog.String("auth_mode", s.authMode.String()),
				slog.String("error", err.Error()))
		}
		return errs.New("authenticate", s.ID, s.RemoteAddress(), err)
	}
	return nil
}

// teardownTLS releases a partially built TLS handle so a failed
// construction never hands a half-alive session to the caller.
func (s *Session) teardownTLS() {
	if s.tls != nil {
		_ = s.tls.Close()
		s.tls = nil
	}
}

func (s *Session) observeHandshake(err error) {
	if s.d.metrics != nil {
		s.d.metrics.ObserveHandshake(s.role.String(), time.Since(s.hsStart).Seconds(), err)
	}
}
