// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package certstore is a read-only view of the user's identity certificates
// and the private keys bound to them. Certificates come from ordered
// providers; private keys are only reachable through scoped Handles.
package certstore

import (
	"crypto/sha1"
	"crypto/x509"
	"encoding/asn1"
	"time"

	"github.com/dotandev/tokensign/internal/errors"
	"github.com/dotandev/tokensign/internal/hexcodec"
)

var oidKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 15}

// Thumbprint is the SHA-1 digest of a certificate's DER encoding.
type Thumbprint [sha1.Size]byte

func (t Thumbprint) String() string {
	return hexcodec.Encode(t[:])
}

// ThumbprintOf computes the thumbprint of der.
func ThumbprintOf(der []byte) Thumbprint {
	return Thumbprint(sha1.Sum(der))
}

// KeyAlgorithm is resolved once when a certificate is loaded.
type KeyAlgorithm int

const (
	KeyRSA KeyAlgorithm = iota
	KeyEC
)

func (a KeyAlgorithm) String() string {
	if a == KeyEC {
		return "EC"
	}
	return "RSA"
}

func keyAlgorithmOf(cert *x509.Certificate) KeyAlgorithm {
	if cert.PublicKeyAlgorithm == x509.ECDSA {
		return KeyEC
	}
	return KeyRSA
}

// locator points at one provider's copy of a certificate's private key.
type locator struct {
	provider Provider
	ref      string
}

// Certificate is a read-only identity record.
type Certificate struct {
	X509       *x509.Certificate
	Thumbprint Thumbprint
	Algorithm  KeyAlgorithm
	Label      string

	locators []locator
}

// ParseCertificate parses DER into a Certificate with no key locators.
func ParseCertificate(der []byte) (*Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.InvalidArgument("Failed to parse certificate", err)
	}
	return &Certificate{
		X509:       cert,
		Thumbprint: ThumbprintOf(cert.Raw),
		Algorithm:  keyAlgorithmOf(cert),
	}, nil
}

// DER returns the certificate encoding.
func (c *Certificate) DER() []byte {
	return c.X509.Raw
}

// HasPrivateKey reports whether any provider holds a key for c.
func (c *Certificate) HasPrivateKey() bool {
	return len(c.locators) > 0
}

// HasKeyUsage reports whether the key usage extension is present at all.
func (c *Certificate) HasKeyUsage() bool {
	for _, ext := range c.X509.Extensions {
		if ext.Id.Equal(oidKeyUsage) {
			return true
		}
	}
	return false
}

// NonRepudiation reports the non-repudiation (content commitment) bit.
func (c *Certificate) NonRepudiation() bool {
	return c.X509.KeyUsage&x509.KeyUsageContentCommitment != 0
}

// ValidAt reports whether t lies inside the validity window.
func (c *Certificate) ValidAt(t time.Time) bool {
	return !t.Before(c.X509.NotBefore) && !t.After(c.X509.NotAfter)
}

// DisplayName is the subject common name, or the full subject when the
// common name is empty.
func (c *Certificate) DisplayName() string {
	if cn := c.X509.Subject.CommonName; cn != "" {
		return cn
	}
	return c.X509.Subject.String()
}
