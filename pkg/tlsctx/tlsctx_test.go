// Copyright (c) LogRelay Authors
// SPDX-License-Identifier: Apache-2.0

package tlsctx

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
	"sync"
	"testing"
	"time"

	errs "github.com/logrelay/netstream/pkg/errors"
)

// writeTestCredentials generates a self-signed certificate and writes the
// PEM files a context loads at init time.
func writeTestCredentials(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:         true,
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
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	caFile = filepath.Join(dir, "ca.pem")

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
	return certFile, keyFile, caFile
}

func TestInitLoadsCredentials(t *testing.T) {
	certFile, keyFile, caFile := writeTestCredentials(t)

	c := New(Config{CertFile: certFile, KeyFile: keyFile, CAFile: caFile})
	if err := c.Init(); err != nil {
		t.Fatalf("Init() = %v", err)
	}

	if _, err := c.ServerConfig(); err != nil {
		t.Errorf("ServerConfig() = %v, want nil", err)
	}
	if _, err := c.ClientConfig("localhost", true); err != nil {
		t.Errorf("ClientConfig() = %v, want nil", err)
	}
}

func TestInitExactlyOnce(t *testing.T) {
	certFile, keyFile, caFile := writeTestCredentials(t)

	c := New(Config{CertFile: certFile, KeyFile: keyFile, CAFile: caFile})
	if err := c.Init(); err != nil {
		t.Fatalf("Init() = %v", err)
	}
	if err := c.Init(); err == nil {
		t.Fatal("second Init() = nil, want error")
	}
}

func TestInitWithoutLocalCertificate(t *testing.T) {
	// An initiator-only process may run without local credentials, but
	// listener operation must fail.
	_, _, caFile := writeTestCredentials(t)

	c := New(Config{CAFile: caFile})
	if err := c.Init(); err != nil {
		t.Fatalf("Init() = %v", err)
	}

	if _, err := c.ClientConfig("localhost", true); err != nil {
		t.Errorf("ClientConfig() = %v, want nil", err)
	}
	if _, err := c.ServerConfig(); err == nil {
		t.Error("ServerConfig() = nil, want error without listener credentials")
	}
}

func TestInitBadCAFileIsFatal(t *testing.T) {
	certFile, keyFile, _ := writeTestCredentials(t)

	c := New(Config{CertFile: certFile, KeyFile: keyFile, CAFile: filepath.Join(t.TempDir(), "missing.pem")})
	if err := c.Init(); err == nil {
		t.Fatal("Init() = nil, want error for unreadable CA file")
	}
}

func TestEnsureListenerParamsRunsOnce(t *testing.T) {
	certFile, keyFile, caFile := writeTestCredentials(t)

	c := New(Config{CertFile: certFile, KeyFile: keyFile, CAFile: caFile})
	if err := c.Init(); err != nil {
		t.Fatalf("Init() = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.EnsureListenerParams(); err != nil {
				t.Errorf("EnsureListenerParams() = %v", err)
			}
		}()
	}
	wg.Wait()

	c.mu.RLock()
	gens := c.paramGens
	c.mu.RUnlock()
	if gens != 1 {
		t.Fatalf("parameter generation ran %d times, want 1", gens)
	}
}

func TestTeardown(t *testing.T) {
	certFile, keyFile, caFile := writeTestCredentials(t)

	c := New(Config{CertFile: certFile, KeyFile: keyFile, CAFile: caFile})
	if err := c.Init(); err != nil {
		t.Fatalf("Init() = %v", err)
	}

	c.Teardown()
	c.Teardown() // idempotent

	if _, err := c.ClientConfig("localhost", true); !errors.Is(err, errs.ErrContextClosed) {
		t.Errorf("ClientConfig() after teardown = %v, want %v", err, errs.ErrContextClosed)
	}
	if _, err := c.ServerConfig(); !errors.Is(err, errs.ErrContextClosed) {
		t.Errorf("ServerConfig() after teardown = %v, want %v", err, errs.ErrContextClosed)
	}
	if err := c.EnsureListenerParams(); !errors.Is(err, errs.ErrContextClosed) {
		t.Errorf("EnsureListenerParams() after teardown = %v, want %v", err, errs.ErrContextClosed)
	}
}
