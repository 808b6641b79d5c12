// Copyright (c) LogRelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the netstream driver.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrConfiguration indicates an invalid driver mode or auth mode value.
	ErrConfiguration = errors.New("invalid driver configuration")

	// ErrModeMismatch indicates an operation that is not legal in the
	// session's configured authentication mode.
	ErrModeMismatch = errors.New("operation not supported in this mode")

	// ErrLibrary indicates an opaque failure inside the underlying TLS engine.
	ErrLibrary = errors.New("TLS library error")

	// ErrHandshake indicates a non-transient TLS handshake failure, or an
	// attempt to move application data before the handshake completed.
	ErrHandshake = errors.New("TLS handshake failed")

	// ErrNoCertificate indicates the peer presented no certificate.
	ErrNoCertificate = errors.New("peer presented no certificate")

	// ErrInvalidPeerIdentity indicates the peer's certificate identity is
	// not on the permitted peer list.
	ErrInvalidPeerIdentity = errors.New("peer identity not permitted")

	// ErrConnectionAborted indicates the session was aborted locally.
	ErrConnectionAborted = errors.New("connection aborted")

	// ErrIO indicates a transport-level failure.
	ErrIO = errors.New("transport I/O error")

	// ErrWouldBlock is the transient signal reported by the TLS engine when
	// an operation cannot make progress without blocking. It is consumed by
	// the driver's retry loops and only escapes through DriveHandshake.
	ErrWouldBlock = errors.New("operation would block")

	// ErrContextClosed indicates the global TLS context was torn down and
	// no further TLS sessions may be created.
	ErrContextClosed = errors.New("TLS context torn down")
)

// DriverError wraps an error with session context.
type DriverError struct {
	Op         string // Operation that failed
	SessionID  string // Session identifier
	RemoteAddr string // Peer address, if known
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *DriverError) Error() string {
	if e.RemoteAddr != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.SessionID, e.Err)
}

// Unwrap returns the underlying error.
func (e *DriverError) Unwrap() error {
	return e.Err
}

// New creates a new DriverError.
func New(op, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &DriverError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
