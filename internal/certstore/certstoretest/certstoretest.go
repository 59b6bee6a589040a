// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package certstoretest builds throwaway identities for tests.
package certstoretest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Options shapes a generated certificate.
type Options struct {
	CommonName string
	RSA        bool
	KeyUsage   x509.KeyUsage
	NotBefore  time.Time
	NotAfter   time.Time
}

// Identity is a self-signed certificate and its key.
type Identity struct {
	DER    []byte
	Cert   *x509.Certificate
	Signer crypto.Signer
}

// SignUsage is digital signature plus non-repudiation.
const SignUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment

// AuthUsage is digital signature only.
const AuthUsage = x509.KeyUsageDigitalSignature

// New generates an identity. A zero KeyUsage omits the extension.
func New(t testing.TB, opts Options) *Identity {
	t.Helper()

	var signer crypto.Signer
	var err error
	if opts.RSA {
		signer, err = rsa.GenerateKey(rand.Reader, 2048)
	} else {
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	require.NoError(t, err)

	if opts.CommonName == "" {
		opts.CommonName = "Test Identity"
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = time.Now().Add(24 * time.Hour)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: opts.CommonName},
		NotBefore:    opts.NotBefore,
		NotAfter:     opts.NotAfter,
		KeyUsage:     opts.KeyUsage,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &Identity{DER: der, Cert: cert, Signer: signer}
}

// WriteDir stores id in dir as name.crt and, when withKey is set, name.key.
func (id *Identity) WriteDir(t testing.TB, dir, name string, withKey bool) {
	t.Helper()

	crt := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.DER})
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".crt"), crt, 0o600))
	if !withKey {
		return
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(id.Signer)
	require.NoError(t, err)
	key := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".key"), key, 0o600))
}
