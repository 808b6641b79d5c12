// Copyright (c) LogRelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package peerauth checks a TLS peer's identity against a configured
// allow-list once the handshake has completed.
//
// Only the leaf certificate is inspected. Chain-of-trust validation is
// deliberately left to the TLS engine's own X.509 verification, when that
// is enabled; this package decides identity, not validity.
package peerauth

import (
	"crypto/sha1"
	"crypto/x509"
	"fmt"
	"strings"

	errs "github.com/logrelay/netstream/pkg/errors"
)

// Method selects how permitted-peer entries are interpreted.
type Method int

const (
	// MethodName matches certificate name fields against permitted entries.
	MethodName Method = iota
	// MethodFingerprint matches the leaf certificate's digest against
	// permitted entries.
	MethodFingerprint
)

// Authenticator verifies peer identity after a completed handshake.
type Authenticator struct {
	// Method selects fingerprint or name matching.
	Method Method

	// Permitted is the ordered allow-list of identities. Entries are hex
	// fingerprint strings in fingerprint mode and host name patterns in
	// name mode.
	Permitted []string
}

// Verify checks the peer's certificate chain, leaf first. An empty chain
// fails with ErrNoCertificate; a leaf matching no permitted entry fails
// with ErrInvalidPeerIdentity. The first matching entry wins.
func (a *Authenticator) Verify(chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return errs.ErrNoCertificate
	}

	// The first certificate is always the remote peer's own; the rest are
	// issuer certificates up the chain and are never matched against.
	leaf := chain[0]

	switch a.Method {
	case MethodFingerprint:
		return a.verifyFingerprint(leaf)
	default:
		return a.verifyName(leaf)
	}
}

func (a *Authenticator) verifyFingerprint(leaf *x509.Certificate) error {
	fp := Fingerprint(leaf)
	for _, permitted := range a.Permitted {
		if permitted == fp {
			return nil
		}
	}
	return fmt.Errorf("peer fingerprint %s unknown: %w", fp, errs.ErrInvalidPeerIdentity)
}

func (a *Authenticator) verifyName(leaf *x509.Certificate) error {
	// Copy before appending the CN; appending to the certificate's own
	// slice could write into its backing array.
	names := append(make([]string, 0, len(leaf.DNSNames)+1), leaf.DNSNames...)
	if leaf.Subject.CommonName != "" {
		names = append(names, leaf.Subject.CommonName)
	}

	for _, permitted := range a.Permitted {
		for _, name := range names {
			if matchName(permitted, name) {
				return nil
			}
		}
	}
	return fmt.Errorf("peer names %v unknown: %w", names, errs.ErrInvalidPeerIdentity)
}

// Fingerprint computes the SHA-1 digest of the certificate's DER encoding
// and renders it in the transport-tls fingerprint notation.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return FormatDigest(sum[:])
}

// FormatDigest renders a digest as uppercase hexadecimal octet pairs joined
// by colons, e.g. a 20-byte digest becomes 40 hex characters and 19 colons.
func FormatDigest(digest []byte) string {
	if len(digest) == 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(len(digest)*3 - 1)
	for i, octet := range digest {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", octet)
	}
	return b.String()
}

// matchName compares a permitted entry against a certificate name,
// case-insensitively. A leading "*." in the entry matches exactly one
// additional leftmost label.
func matchName(pattern, name string) bool {
	pattern = strings.ToLower(pattern)
	name = strings.ToLower(name)

	if rest, ok := strings.CutPrefix(pattern, "*."); ok {
		_, domain, found := strings.Cut(name, ".")
		return found && domain == rest
	}
	return pattern == name
}
