// Copyright (c) LogRelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package ptcp implements the plain-TCP transport the netstream driver
// delegates to. It carries raw bytes only; encryption, if any, is layered
// on top by the driver.
package ptcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/semaphore"

	errs "github.com/logrelay/netstream/pkg/errors"
)

// Family selects the address family used when connecting or listening.
type Family int

const (
	// FamilyUnspec lets the resolver pick IPv4 or IPv6.
	FamilyUnspec Family = iota
	// FamilyIPv4 restricts the connection to IPv4.
	FamilyIPv4
	// FamilyIPv6 restricts the connection to IPv6.
	FamilyIPv6
)

// network maps the family onto a net package network name.
func (f Family) network() string {
	switch f {
	case FamilyIPv4:
		return "tcp4"
	case FamilyIPv6:
		return "tcp6"
	default:
		return "tcp"
	}
}

// Conn is a single plain TCP connection with driver semantics: single-shot
// send/receive, hard abort, and remote identity queries.
type Conn struct {
	conn    net.Conn
	release func()
}

// Dial opens an outbound connection to host:port using the given family.
func Dial(ctx context.Context, family Family, host, port string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, family.network(), net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("dial %s:%s: %w: %w", host, port, errs.ErrIO, err)
	}
	return &Conn{conn: conn}, nil
}

// Wrap adopts an already-connected socket. Used when the caller hands the
// driver an existing file descriptor.
func Wrap(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// Send writes the buffer once and returns the number of bytes actually
// written. A short count means a partial write; the caller decides whether
// to resend the remainder.
func (c *Conn) Send(p []byte) (int, error) {
	n, err := c.conn.Write(p)
	if err != nil {
		return n, errs.Wrap(err, "send")
	}
	return n, nil
}

// Receive performs exactly one read attempt and returns the number of bytes
// received. It never retries internally.
func (c *Conn) Receive(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	if err != nil {
		return n, err
	}
	return n, nil
}

// Abort closes the connection immediately, discarding any unsent data.
func (c *Conn) Abort() {
	if tc, ok := c.conn.(*net.TCPConn); ok {
		// Discard the send buffer so close does not linger.
		_ = tc.SetLinger(0)
	}
	_ = c.conn.Close()
	if c.release != nil {
		c.release()
		c.release = nil
	}
}

// Close shuts the connection down in an orderly fashion.
func (c *Conn) Close() error {
	err := c.conn.Close()
	if c.release != nil {
		c.release()
		c.release = nil
	}
	return err
}

// NetConn exposes the underlying socket so an encryption layer can bind to it.
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// RemoteAddress returns the peer's network address in host:port form.
func (c *Conn) RemoteAddress() string {
	return c.conn.RemoteAddr().String()
}

// RemoteHostname returns the peer's DNS name via reverse lookup, falling
// back to the bare address when no PTR record resolves.
func (c *Conn) RemoteHostname() string {
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return c.conn.RemoteAddr().String()
	}
	names, err := net.LookupAddr(host)
	if err != nil || len(names) == 0 {
		return host
	}
	// Reverse lookups return a trailing dot.
	name := names[0]
	if len(name) > 0 && name[len(name)-1] == '.' {
		name = name[:len(name)-1]
	}
	return name
}

// Listener accepts inbound plain TCP connections, capping the number of
// concurrently open sessions.
type Listener struct {
	ln     net.Listener
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// Listen binds a TCP listener on bindAddr:port. maxSessions limits the
// number of concurrently accepted connections; zero means no limit.
func Listen(port, bindAddr string, maxSessions int, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(bindAddr, port))
	if err != nil {
		return nil, fmt.Errorf("listen on %s:%s: %w", bindAddr, port, err)
	}

	l := &Listener{ln: ln, logger: logger}
	if maxSessions > 0 {
		l.sem = semaphore.NewWeighted(int64(maxSessions))
	}

	logger.Info("listener started", slog.String("address", ln.Addr().String()))
	return l, nil
}

// Accept blocks until an inbound connection arrives. When the session cap
// is reached it waits for a slot before accepting.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}

	conn, err := l.ln.Accept()
	if err != nil {
		if l.sem != nil {
			l.sem.Release(1)
		}
		return nil, err
	}

	c := &Conn{conn: conn}
	if l.sem != nil {
		c.release = func() { l.sem.Release(1) }
	}
	return c, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops the listener. Connections already accepted stay open.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// SetDeadline applies an accept deadline when the listener supports one.
func (l *Listener) SetDeadline(t time.Time) error {
	if tl, ok := l.ln.(*net.TCPListener); ok {
		return tl.SetDeadline(t)
	}
	return nil
}
