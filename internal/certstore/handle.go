// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package certstore

import (
	"context"
	"crypto"
	"sync"
)

// Family identifies the key-storage API that issued a key.
type Family int

const (
	// FamilyLegacy is the software key directory.
	FamilyLegacy Family = iota
	// FamilyModern is the PKCS#11 token interface.
	FamilyModern
)

func (f Family) String() string {
	if f == FamilyModern {
		return "modern"
	}
	return "legacy"
}

// ImplFlags mirrors the key-storage implementation type property.
type ImplFlags uint32

const (
	ImplHardware  ImplFlags = 0x01
	ImplSoftware  ImplFlags = 0x02
	ImplRemovable ImplFlags = 0x08
)

// Scheme selects the signature operation. It is a closed set: ECDSA or
// RSAPKCS1v15.
type Scheme interface {
	scheme()
}

// ECDSA signs the digest as-is and returns r||s.
type ECDSA struct{}

// RSAPKCS1v15 wraps the digest in a DigestInfo for Hash.
type RSAPKCS1v15 struct {
	Hash crypto.Hash
}

func (ECDSA) scheme()       {}
func (RSAPKCS1v15) scheme() {}

// PrivateKey is a provider-owned key. Implementations must not outlive
// their provider's release routine.
type PrivateKey interface {
	Public() crypto.PublicKey
	ImplFlags() (ImplFlags, error)
	SignDigest(ctx context.Context, digest []byte, scheme Scheme) ([]byte, error)
}

// openKey is a shared, refcounted key opened by one provider.
type openKey struct {
	provider Provider
	key      PrivateKey
	refs     int
}

// Handle is a scoped reference to a private key. Release must be called
// exactly once; later calls are no-ops.
type Handle struct {
	store  *Store
	id     string
	open   *openKey
	reused bool

	once sync.Once
	err  error
}

// Family reports which API family issued the key.
func (h *Handle) Family() Family {
	return h.open.provider.Family()
}

// Reused reports whether acquisition attached to an already-open key.
func (h *Handle) Reused() bool {
	return h.reused
}

func (h *Handle) Public() crypto.PublicKey {
	return h.open.key.Public()
}

func (h *Handle) ImplFlags() (ImplFlags, error) {
	return h.open.key.ImplFlags()
}

func (h *Handle) SignDigest(ctx context.Context, digest []byte, scheme Scheme) ([]byte, error) {
	return h.open.key.SignDigest(ctx, digest, scheme)
}

// Release drops this reference. The key itself is released through its
// provider's routine when the last reference goes.
func (h *Handle) Release() error {
	h.once.Do(func() {
		h.err = h.store.release(h.id, h.open)
	})
	return h.err
}
