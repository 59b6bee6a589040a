// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package certstore

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	stderrors "errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotandev/tokensign/internal/certstore/certstoretest"
	"github.com/dotandev/tokensign/internal/errors"
)

func TestThumbprintIsSHA1OfDER(t *testing.T) {
	id := certstoretest.New(t, certstoretest.Options{KeyUsage: certstoretest.SignUsage})
	c, err := ParseCertificate(id.DER)
	require.NoError(t, err)

	assert.Len(t, c.Thumbprint.String(), 40)
	assert.Equal(t, ThumbprintOf(id.DER), c.Thumbprint)
	assert.Equal(t, KeyEC, c.Algorithm)
	assert.True(t, c.HasKeyUsage())
	assert.True(t, c.NonRepudiation())
	assert.False(t, c.HasPrivateKey())
}

func TestParseCertificateRejectsGarbage(t *testing.T) {
	_, err := ParseCertificate([]byte{0x30, 0x01, 0x00})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestCertificateWithoutKeyUsage(t *testing.T) {
	id := certstoretest.New(t, certstoretest.Options{RSA: true})
	c, err := ParseCertificate(id.DER)
	require.NoError(t, err)

	assert.False(t, c.HasKeyUsage())
	assert.Equal(t, KeyRSA, c.Algorithm)
}

func TestStoreMergesByThumbprint(t *testing.T) {
	id := certstoretest.New(t, certstoretest.Options{KeyUsage: certstoretest.SignUsage})
	other := certstoretest.New(t, certstoretest.Options{KeyUsage: certstoretest.AuthUsage})

	legacy := NewMemoryProvider("legacy", FamilyLegacy)
	legacy.Add(id.DER, "soft", id.Signer, ImplSoftware)
	modern := NewMemoryProvider("modern", FamilyModern)
	modern.Add(id.DER, "card", id.Signer, ImplHardware)
	modern.Add(other.DER, "card", nil, 0)

	store := New(legacy, modern)
	certs, err := store.Certificates(context.Background())
	require.NoError(t, err)
	require.Len(t, certs, 2)

	assert.Equal(t, "soft", certs[0].Label)
	assert.Len(t, certs[0].locators, 2)
	assert.False(t, certs[1].HasPrivateKey())
}

func TestStoreAllProvidersFailing(t *testing.T) {
	store := New(failingProvider{})
	_, err := store.Certificates(context.Background())
	assert.ErrorIs(t, err, errors.ErrTechnical)
}

func TestStoreSkipsFailingProvider(t *testing.T) {
	id := certstoretest.New(t, certstoretest.Options{KeyUsage: certstoretest.SignUsage})
	mem := NewMemoryProvider("mem", FamilyLegacy)
	mem.Add(id.DER, "", id.Signer, ImplSoftware)

	certs, err := New(failingProvider{}, mem).Certificates(context.Background())
	require.NoError(t, err)
	assert.Len(t, certs, 1)
}

func TestFindByThumbprint(t *testing.T) {
	id := certstoretest.New(t, certstoretest.Options{KeyUsage: certstoretest.SignUsage})
	mem := NewMemoryProvider("mem", FamilyLegacy)
	mem.Add(id.DER, "", id.Signer, ImplSoftware)
	store := New(mem)

	c, err := store.FindByThumbprint(context.Background(), ThumbprintOf(id.DER))
	require.NoError(t, err)
	assert.True(t, c.HasPrivateKey())

	_, err = store.FindByThumbprint(context.Background(), Thumbprint{})
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestAcquirePrefersModernAndReleasesThroughIssuer(t *testing.T) {
	id := certstoretest.New(t, certstoretest.Options{KeyUsage: certstoretest.SignUsage})
	legacy := NewMemoryProvider("legacy", FamilyLegacy)
	legacy.Add(id.DER, "", id.Signer, ImplSoftware)
	modern := NewMemoryProvider("modern", FamilyModern)
	modern.Add(id.DER, "", id.Signer, ImplHardware)
	store := New(legacy, modern)
	ctx := context.Background()

	cert, err := store.FindByThumbprint(ctx, ThumbprintOf(id.DER))
	require.NoError(t, err)

	h, err := store.AcquireKey(ctx, cert, AcquireOptions{Silent: true, PreferModern: true, CompareKey: true})
	require.NoError(t, err)
	assert.Equal(t, FamilyModern, h.Family())

	require.NoError(t, h.Release())
	require.NoError(t, h.Release())

	opened, released := modern.Stats()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, released)
	opened, released = legacy.Stats()
	assert.Zero(t, opened)
	assert.Zero(t, released)
	assert.Zero(t, store.OpenKeys())
}

func TestAcquireWithoutPreferenceUsesProviderOrder(t *testing.T) {
	id := certstoretest.New(t, certstoretest.Options{KeyUsage: certstoretest.SignUsage})
	legacy := NewMemoryProvider("legacy", FamilyLegacy)
	legacy.Add(id.DER, "", id.Signer, ImplSoftware)
	modern := NewMemoryProvider("modern", FamilyModern)
	modern.Add(id.DER, "", id.Signer, ImplHardware)
	store := New(legacy, modern)
	ctx := context.Background()

	cert, err := store.FindByThumbprint(ctx, ThumbprintOf(id.DER))
	require.NoError(t, err)
	h, err := store.AcquireKey(ctx, cert, AcquireOptions{})
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, FamilyLegacy, h.Family())
}

func TestAcquireReusesOpenKey(t *testing.T) {
	id := certstoretest.New(t, certstoretest.Options{KeyUsage: certstoretest.SignUsage})
	mem := NewMemoryProvider("mem", FamilyModern)
	mem.Add(id.DER, "", id.Signer, ImplHardware)
	store := New(mem)
	ctx := context.Background()

	cert, err := store.FindByThumbprint(ctx, ThumbprintOf(id.DER))
	require.NoError(t, err)

	first, err := store.AcquireKey(ctx, cert, AcquireOptions{})
	require.NoError(t, err)
	second, err := store.AcquireKey(ctx, cert, AcquireOptions{})
	require.NoError(t, err)

	assert.False(t, first.Reused())
	assert.True(t, second.Reused())
	assert.Equal(t, 1, store.OpenKeys())

	require.NoError(t, first.Release())
	_, released := mem.Stats()
	assert.Zero(t, released)

	require.NoError(t, second.Release())
	opened, released := mem.Stats()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, released)
}

func TestAcquireConcurrentHandlesBalance(t *testing.T) {
	id := certstoretest.New(t, certstoretest.Options{KeyUsage: certstoretest.SignUsage})
	mem := NewMemoryProvider("mem", FamilyModern)
	mem.Add(id.DER, "", id.Signer, ImplHardware)
	store := New(mem)
	ctx := context.Background()
	cert, err := store.FindByThumbprint(ctx, ThumbprintOf(id.DER))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := store.AcquireKey(ctx, cert, AcquireOptions{})
			if assert.NoError(t, err) {
				assert.NoError(t, h.Release())
			}
		}()
	}
	wg.Wait()

	opened, released := mem.Stats()
	assert.Equal(t, opened, released)
	assert.Zero(t, store.OpenKeys())
}

func TestAcquireCompareKeyRejectsMismatch(t *testing.T) {
	id := certstoretest.New(t, certstoretest.Options{KeyUsage: certstoretest.SignUsage})
	wrong := certstoretest.New(t, certstoretest.Options{})
	mem := NewMemoryProvider("mem", FamilyLegacy)
	mem.Add(id.DER, "", wrong.Signer, ImplSoftware)
	store := New(mem)
	ctx := context.Background()

	cert, err := store.FindByThumbprint(ctx, ThumbprintOf(id.DER))
	require.NoError(t, err)

	_, err = store.AcquireKey(ctx, cert, AcquireOptions{CompareKey: true})
	assert.ErrorIs(t, err, ErrKeyMismatch)
	opened, released := mem.Stats()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, released)
}

func TestAcquireNoKey(t *testing.T) {
	id := certstoretest.New(t, certstoretest.Options{KeyUsage: certstoretest.SignUsage})
	c, err := ParseCertificate(id.DER)
	require.NoError(t, err)

	_, err = New().AcquireKey(context.Background(), c, AcquireOptions{})
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestAcquireFallsBackWhenFirstProviderFails(t *testing.T) {
	id := certstoretest.New(t, certstoretest.Options{KeyUsage: certstoretest.SignUsage})
	broken := NewMemoryProvider("broken", FamilyModern)
	broken.Add(id.DER, "", id.Signer, ImplHardware)
	broken.FailOpen(stderrors.New("card removed"))
	soft := NewMemoryProvider("soft", FamilyLegacy)
	soft.Add(id.DER, "", id.Signer, ImplSoftware)
	store := New(broken, soft)
	ctx := context.Background()

	cert, err := store.FindByThumbprint(ctx, ThumbprintOf(id.DER))
	require.NoError(t, err)
	h, err := store.AcquireKey(ctx, cert, AcquireOptions{PreferModern: true})
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, FamilyLegacy, h.Family())
}

func TestSignECDSAProducesRawSignature(t *testing.T) {
	id := certstoretest.New(t, certstoretest.Options{KeyUsage: certstoretest.SignUsage})
	digest := sha256.Sum256([]byte("hello"))

	sig, err := signWithSigner(id.Signer, digest[:], ECDSA{})
	require.NoError(t, err)
	require.Len(t, sig, 64)

	pub := id.Signer.Public().(*ecdsa.PublicKey)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	assert.True(t, ecdsa.Verify(pub, digest[:], r, s))
}

func TestSignRSAPKCS1v15(t *testing.T) {
	id := certstoretest.New(t, certstoretest.Options{RSA: true, KeyUsage: certstoretest.SignUsage})
	digest := sha256.Sum256([]byte("hello"))

	sig, err := signWithSigner(id.Signer, digest[:], RSAPKCS1v15{Hash: crypto.SHA256})
	require.NoError(t, err)
	assert.NoError(t, rsa.VerifyPKCS1v15(id.Signer.Public().(*rsa.PublicKey), crypto.SHA256, digest[:], sig))

	_, err = signWithSigner(id.Signer, digest[:20], RSAPKCS1v15{Hash: crypto.SHA256})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestSignSchemeKeyMismatch(t *testing.T) {
	id := certstoretest.New(t, certstoretest.Options{RSA: true})
	_, err := signWithSigner(id.Signer, make([]byte, 32), ECDSA{})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestECDSARawFromASN1RejectsMalformed(t *testing.T) {
	_, err := ECDSARawFromASN1([]byte{0x30, 0x00}, 32)
	assert.Error(t, err)
	_, err = ECDSARawFromASN1([]byte{0x01, 0x02}, 32)
	assert.Error(t, err)
}

func TestDigestInfo(t *testing.T) {
	digest := make([]byte, 32)
	di, err := DigestInfo(crypto.SHA256, digest)
	require.NoError(t, err)
	assert.Len(t, di, 19+32)

	_, err = DigestInfo(crypto.MD5, make([]byte, 16))
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestValidAt(t *testing.T) {
	id := certstoretest.New(t, certstoretest.Options{})
	c, err := ParseCertificate(id.DER)
	require.NoError(t, err)

	assert.True(t, c.ValidAt(id.Cert.NotBefore))
	assert.False(t, c.ValidAt(id.Cert.NotAfter.Add(1)))
	assert.Equal(t, "Test Identity", c.DisplayName())
}

func TestNoKeyUsageCertificateKeepsUsageZero(t *testing.T) {
	id := certstoretest.New(t, certstoretest.Options{})
	assert.Equal(t, x509.KeyUsage(0), id.Cert.KeyUsage)
}

type failingProvider struct{}

func (failingProvider) Name() string   { return "failing" }
func (failingProvider) Family() Family { return FamilyModern }
func (failingProvider) Certificates(context.Context) ([]Entry, error) {
	return nil, stderrors.New("module crashed")
}
func (failingProvider) OpenKey(context.Context, string, bool) (PrivateKey, error) {
	return nil, stderrors.New("module crashed")
}
func (failingProvider) ReleaseKey(PrivateKey) error { return nil }
