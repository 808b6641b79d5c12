// Copyright (c) LogRelay Authors
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	errs "github.com/logrelay/netstream/pkg/errors"
	"github.com/logrelay/netstream/pkg/ptcp"
	"github.com/logrelay/netstream/pkg/tlsengine"
)

// Session is one netstream connection (or listener). It is created per
// accepted or outbound connection and discarded when the connection ends.
// Sessions are independent of each other; a session's operations are meant
// to be driven from a single I/O loop.
type Session struct {
	// ID is a unique identifier for this session
	ID string

	d *Driver

	mode      Mode
	authMode  AuthMode
	permitted []string
	role      tlsengine.Role

	tcp      *ptcp.Conn
	listener *ptcp.Listener
	tls      tlsengine.Session

	state   atomic.Int32 // HandshakeState
	aborted atomic.Bool
	counted bool

	hsStart time.Time

	// authErrReported suppresses repeated identical auth-failure log noise.
	authErrReported bool
}

// SetMode selects plain or TLS operation. It must be called before the
// session is connected or bound; the mode is immutable afterwards.
func (s *Session) SetMode(mode Mode) error {
	if mode != ModePlain && mode != ModeTLS {
		return fmt.Errorf("driver mode %d not supported: %w", mode, errs.ErrConfiguration)
	}
	if s.tcp != nil || s.listener != nil {
		return fmt.Errorf("mode cannot change on an established session: %w", errs.ErrConfiguration)
	}
	s.mode = mode
	return nil
}

// Mode returns the session's configured mode.
func (s *Session) Mode() Mode {
	return s.mode
}

// SetAuthMode selects the peer authentication mode from its configuration
// string. An empty string and "x509/name" select name matching,
// "x509/fingerprint" selects fingerprint matching, and "anon" disables
// peer authentication. Matching is case-insensitive.
func (s *Session) SetAuthMode(mode string) error {
	switch {
	case mode == "" || strings.EqualFold(mode, "x509/name"):
		s.authMode = AuthCertName
	case strings.EqualFold(mode, "x509/fingerprint"):
		s.authMode = AuthCertFingerprint
	case strings.EqualFold(mode, "anon"):
		s.authMode = AuthAnonymous
	default:
		return fmt.Errorf("authentication mode %q not supported: %w", mode, errs.ErrConfiguration)
	}
	return nil
}

// AuthMode returns the session's configured authentication mode.
func (s *Session) AuthMode() AuthMode {
	return s.authMode
}

// SetPermittedPeers attaches the allow-list of trusted peer identities. The
// list is held by reference and shared read-only with sessions accepted
// from this one. A nil or empty list means no restriction is configured yet
// and is a no-op.
func (s *Session) SetPermittedPeers(peers []string) error {
	if len(peers) == 0 {
		return nil
	}
	if s.authMode != AuthCertName && s.authMode != AuthCertFingerprint {
		return fmt.Errorf("permitted peers not supported in %s mode: %w", s.authMode, errs.ErrModeMismatch)
	}
	s.permitted = peers
	return nil
}

// SetConn adopts an already-connected socket as the session's transport.
func (s *Session) SetConn(conn net.Conn) {
	s.tcp = ptcp.Wrap(conn)
}

// HandshakeState returns the session's current handshake state.
func (s *Session) HandshakeState() HandshakeState {
	return HandshakeState(s.state.Load())
}

func (s *Session) setState(st HandshakeState) {
	s.state.Store(int32(st))
}

// Send writes application data. In plain mode the buffer is handed to the
// transport verbatim and a short count means a partial write. In TLS mode
// the record layer is retried transparently on transient signals, so the
// call may block until forward progress or a hard error.
func (s *Session) Send(p []byte) (int, error) {
	if s.aborted.Load() {
		return 0, errs.New("send", s.ID, s.RemoteAddress(), errs.ErrConnectionAborted)
	}

	if s.tcp == nil {
		return 0, errs.New("send", s.ID, "", fmt.Errorf("session not connected: %w", errs.ErrIO))
	}

	if s.mode == ModePlain {
		n, err := s.tcp.Send(p)
		if err != nil {
			return n, errs.New("send", s.ID, s.RemoteAddress(), fmt.Errorf("%w: %w", errs.ErrIO, err))
		}
		s.countSent(n)
		return n, nil
	}

	if s.HandshakeState() != HandshakeComplete {
		return 0, errs.New("send", s.ID, s.RemoteAddress(), fmt.Errorf("session not ready: %w", errs.ErrHandshake))
	}

	for {
		n, err := s.tls.Write(p)
		if err == nil {
			s.countSent(n)
			return n, nil
		}
		if errors.Is(err, errs.ErrWouldBlock) {
			continue
		}
		return 0, errs.New("send", s.ID, s.RemoteAddress(), fmt.Errorf("%w: %w", errs.ErrLibrary, err))
	}
}

// Receive reads application data. In plain mode it delegates a single read
// to the transport. In TLS mode it performs exactly one non-blocking read
// attempt through the record layer; a (0, nil) result means no data is
// available yet and the caller's readiness loop should re-invoke later.
func (s *Session) Receive(p []byte) (int, error) {
	if s.aborted.Load() {
		return 0, errs.New("receive", s.ID, s.RemoteAddress(), errs.ErrConnectionAborted)
	}

	if s.tcp == nil {
		return 0, errs.New("receive", s.ID, "", fmt.Errorf("session not connected: %w", errs.ErrIO))
	}

	if s.mode == ModePlain {
		n, err := s.tcp.Receive(p)
		if err != nil {
			return n, errs.New("receive", s.ID, s.RemoteAddress(), fmt.Errorf("%w: %w", errs.ErrIO, err))
		}
		s.countReceived(n)
		return n, nil
	}

	if s.HandshakeState() != HandshakeComplete {
		return 0, errs.New("receive", s.ID, s.RemoteAddress(), fmt.Errorf("session not ready: %w", errs.ErrHandshake))
	}

	n, err := s.tls.Read(p)
	if err != nil {
		return n, errs.New("receive", s.ID, s.RemoteAddress(), fmt.Errorf("%w: %w", errs.ErrLibrary, err))
	}
	s.countReceived(n)
	return n, nil
}

// Abort marks the session as aborted so subsequent Send and Receive calls
// fail, and in plain mode closes the transport hard. Idempotent.
func (s *Session) Abort() {
	if !s.aborted.CompareAndSwap(false, true) {
		return
	}
	if s.mode == ModePlain && s.tcp != nil {
		s.tcp.Abort()
	}
	if s.d.metrics != nil {
		s.d.metrics.AbortedSessions.WithLabelValues(s.mode.String()).Inc()
	}
}

// Close ends the session, releasing the TLS handle and the transport. Safe
// to call on partially constructed sessions.
func (s *Session) Close() error {
	var first error
	if s.tls != nil {
		// Closing the TLS session also releases the underlying socket.
		first = s.tls.Close()
		s.tls = nil
		if s.tcp != nil {
			_ = s.tcp.Close()
			s.tcp = nil
		}
	} else if s.tcp != nil {
		first = s.tcp.Close()
		s.tcp = nil
	}
	if s.listener != nil {
		if err := s.listener.Close(); first == nil {
			first = err
		}
		s.listener = nil
	}
	if s.counted {
		s.counted = false
		s.d.metrics.ActiveSessions.WithLabelValues(s.mode.String()).Dec()
	}
	return first
}

// LocalAddress returns the listener's bound address for listener sessions,
// or "" otherwise. Useful when the listen port was chosen by the kernel.
func (s *Session) LocalAddress() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// RemoteAddress returns the peer's network address, or "" when the session
// is not connected.
func (s *Session) RemoteAddress() string {
	if s.tcp == nil {
		return ""
	}
	return s.tcp.RemoteAddress()
}

// RemoteHostname returns the peer's DNS name, or "" when the session is not
// connected.
func (s *Session) RemoteHostname() string {
	if s.tcp == nil {
		return ""
	}
	return s.tcp.RemoteHostname()
}

// markOpened records the session in the lifecycle metrics. Close reverses
// the active-session gauge.
func (s *Session) markOpened(role string) {
	if s.d.metrics == nil || s.counted {
		return
	}
	s.counted = true
	s.d.metrics.SessionsTotal.WithLabelValues(s.mode.String(), role).Inc()
	s.d.metrics.ActiveSessions.WithLabelValues(s.mode.String()).Inc()
}

func (s *Session) countSent(n int) {
	if s.d.metrics != nil && n > 0 {
		s.d.metrics.BytesSent.WithLabelValues(s.mode.String()).Add(float64(n))
	}
}

func (s *Session) countReceived(n int) {
	if s.d.metrics != nil && n > 0 {
		s.d.metrics.BytesReceived.WithLabelValues(s.mode.String()).Add(float64(n))
	}
}
