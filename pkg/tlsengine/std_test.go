// Copyright (c) LogRelay Authors
// SPDX-License-Identifier: Apache-2.0

package tlsengine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	errs "github.com/logrelay/netstream/pkg/errors"
	"github.com/logrelay/netstream/pkg/tlsctx"
)

func newTestEngine(t *testing.T) *Std {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	caFile := filepath.Join(dir, "ca.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	for _, f := range []struct {
		path string
		data []byte
	}{
		{certFile, certPEM},
		{keyFile, keyPEM},
		{caFile, certPEM},
	} {
		if err := os.WriteFile(f.path, f.data, 0o600); err != nil {
			t.Fatalf("write %s: %v", f.path, err)
		}
	}

	ctx := tlsctx.New(tlsctx.Config{CertFile: certFile, KeyFile: keyFile, CAFile: caFile})
	if err := ctx.Init(); err != nil {
		t.Fatalf("init TLS context: %v", err)
	}
	t.Cleanup(ctx.Teardown)

	return NewStd(ctx)
}

// handshakePair connects an initiator and responder session over loopback
// and drives both handshakes to completion.
func handshakePair(t *testing.T, e *Std) (initiator, responder Session) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	type result struct {
		s   Session
		err error
	}
	res := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			res <- result{nil, err}
			return
		}
		s, err := e.NewSession(conn, Responder, SessionConfig{})
		res <- result{s, err}
	}()

	cc, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	initiator, err = e.NewSession(cc, Initiator, SessionConfig{ServerName: "127.0.0.1", VerifyChain: false})
	if err != nil {
		t.Fatalf("initiator session: %v", err)
	}
	t.Cleanup(func() { _ = initiator.Close() })

	hsDone := make(chan error, 1)
	go func() { hsDone <- initiator.Handshake() }()

	r := <-res
	if r.err != nil {
		t.Fatalf("responder session: %v", r.err)
	}
	responder = r.s
	t.Cleanup(func() { _ = responder.Close() })

	deadline := time.Now().Add(5 * time.Second)
	for {
		err := responder.Handshake()
		if err == nil {
			break
		}
		if !errors.Is(err, errs.ErrWouldBlock) {
			t.Fatalf("responder handshake: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("responder handshake made no progress")
		}
		time.Sleep(time.Millisecond)
	}
	if err := <-hsDone; err != nil {
		t.Fatalf("initiator handshake: %v", err)
	}
	return initiator, responder
}

// readWithin polls the single-attempt read until want arrives.
func readWithin(t *testing.T, s Session, want string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	buf := make([]byte, 256)
	got := ""
	for got != want {
		n, err := s.Read(buf)
		if err != nil {
			t.Fatalf("Read() = %v", err)
		}
		got += string(buf[:n])
		if time.Now().After(deadline) {
			t.Fatalf("no data within the deadline, got %q", got)
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

func TestReadDeliversPendingData(t *testing.T) {
	e := newTestEngine(t)
	initiator, responder := handshakePair(t, e)

	if _, err := initiator.Write([]byte("pending record")); err != nil {
		t.Fatalf("Write() = %v", err)
	}
	readWithin(t, responder, "pending record")
}

func TestReadResumesAfterIdleAttempts(t *testing.T) {
	e := newTestEngine(t)
	initiator, responder := handshakePair(t, e)

	// Several attempts on an idle stream must come back empty and quickly,
	// without poisoning later reads.
	for i := 0; i < 3; i++ {
		start := time.Now()
		n, err := responder.Read(make([]byte, 64))
		if err != nil {
			t.Fatalf("idle Read() = %v", err)
		}
		if n != 0 {
			t.Fatalf("idle Read() = %d bytes, want 0", n)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Fatalf("idle Read() blocked for %v", elapsed)
		}
	}

	if _, err := initiator.Write([]byte("late arrival")); err != nil {
		t.Fatalf("Write() = %v", err)
	}
	readWithin(t, responder, "late arrival")
}
