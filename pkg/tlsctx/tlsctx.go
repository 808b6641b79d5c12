// Copyright (c) LogRelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package tlsctx holds the process-wide TLS state shared by every encrypted
// session: local certificate and key, CA trust anchors, and the ephemeral
// listener key material that is expensive to generate and therefore produced
// exactly once.
package tlsctx

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	errs "github.com/logrelay/netstream/pkg/errors"
)

// Config carries the credential file paths supplied by the configuration
// collaborator.
type Config struct {
	// CertFile is the path to the local PEM certificate.
	CertFile string

	// KeyFile is the path to the local PEM private key.
	KeyFile string

	// CAFile is the path to the PEM bundle of trusted CA certificates.
	CAFile string

	// Logger for context events
	Logger *slog.Logger
}

// Context is the process-wide TLS singleton. It must be initialized exactly
// once before any TLS session is created and torn down exactly once, after
// which no further TLS session may be created.
type Context struct {
	logger *slog.Logger
	cfg    Config

	mu          sync.RWMutex
	initialized bool
	closed      bool
	cert        *tls.Certificate
	certErr     error
	roots       *x509.CertPool

	lstnOnce sync.Once
	lstnErr  error

	// ticketKeys is the ephemeral listener key material, the forward-secrecy
	// analogue of one-time DH parameter generation. Not refreshed; a known
	// limitation, not a correctness issue.
	ticketKeys [][32]byte

	// paramGens counts how many times the expensive generation actually ran.
	paramGens int
}

// New creates an uninitialized Context.
func New(cfg Config) *Context {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{logger: logger, cfg: cfg}
}

// Init loads the local certificate, private key, and CA trust anchors.
// It must run exactly once; a second call is an error.
//
// A failure to load the local certificate is recorded but not fatal here:
// an initiator-only process may proceed without local credentials, while
// any later listener setup fails with the recorded error.
func (c *Context) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errs.ErrContextClosed
	}
	if c.initialized {
		return errors.New("TLS context already initialized")
	}

	if c.cfg.CertFile != "" || c.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.cfg.CertFile, c.cfg.KeyFile)
		if err != nil {
			c.certErr = fmt.Errorf("load certificate %s: %w", c.cfg.CertFile, err)
			c.logger.Warn("local certificate not loaded, listener operation disabled",
				slog.String("cert_file", c.cfg.CertFile),
				slog.String("error", err.Error()))
		} else {
			c.cert = &cert
			c.logger.Debug("local certificate loaded",
				slog.String("cert_file", c.cfg.CertFile))
		}
	} else {
		c.certErr = errors.New("no local certificate configured")
	}

	if c.cfg.CAFile != "" {
		pem, err := os.ReadFile(c.cfg.CAFile)
		if err != nil {
			return fmt.Errorf("load CA trust anchors %s: %w", c.cfg.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return fmt.Errorf("no usable certificates in %s", c.cfg.CAFile)
		}
		c.roots = pool
		c.logger.Debug("CA trust anchors loaded", slog.String("ca_file", c.cfg.CAFile))
	}

	c.initialized = true
	return nil
}

// EnsureListenerParams generates the ephemeral listener key material. It is
// idempotent: calls after the first are no-ops.
func (c *Context) EnsureListenerParams() error {
	c.lstnOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.closed {
			c.lstnErr = errs.ErrContextClosed
			return
		}

		var key [32]byte
		if _, err := rand.Read(key[:]); err != nil {
			c.lstnErr = fmt.Errorf("generate listener parameters: %w", err)
			return
		}
		c.ticketKeys = append(c.ticketKeys, key)
		c.paramGens++

		c.logger.Debug("listener parameters generated")
	})
	return c.lstnErr
}

// ClientConfig builds a TLS configuration for an initiator session.
// serverName is used for SNI. When verifyChain is false, chain-of-trust
// validation is disabled and peer identity is established afterwards by
// fingerprint matching.
func (c *Context) ClientConfig(serverName string, verifyChain bool) (*tls.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.usable(); err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         serverName,
		RootCAs:            c.roots,
		InsecureSkipVerify: !verifyChain,
	}
	// Present our certificate for mutual auth when we have one. A missing
	// local certificate is tolerated on the initiator side.
	if c.cert != nil {
		cfg.Certificates = []tls.Certificate{*c.cert}
	}
	return cfg, nil
}

// ServerConfig builds a TLS configuration for a responder session. The
// local certificate is mandatory; a client certificate is requested but not
// required, since identity checks happen after the handshake.
func (c *Context) ServerConfig() (*tls.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.usable(); err != nil {
		return nil, err
	}
	if c.cert == nil {
		return nil, fmt.Errorf("listener credentials unavailable: %w", c.certErr)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{*c.cert},
		ClientAuth:   tls.RequestClientCert,
		ClientCAs:    c.roots,
	}
	if len(c.ticketKeys) > 0 {
		cfg.SetSessionTicketKeys(c.ticketKeys)
	}
	return cfg, nil
}

// Teardown releases all held credential, trust, and parameter state. It is
// idempotent; after teardown no further TLS session may be created.
func (c *Context) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.cert = nil
	c.roots = nil
	for i := range c.ticketKeys {
		c.ticketKeys[i] = [32]byte{}
	}
	c.ticketKeys = nil
	c.logger.Debug("TLS context torn down")
}

// usable reports whether the context can hand out session configurations.
// Callers must hold at least a read lock.
func (c *Context) usable() error {
	if c.closed {
		return errs.ErrContextClosed
	}
	if !c.initialized {
		return errors.New("TLS context not initialized")
	}
	return nil
}
