// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"context"
	"crypto"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/dotandev/tokensign/internal/certstore"
	"github.com/dotandev/tokensign/internal/errors"
	"github.com/dotandev/tokensign/internal/logger"
)

// KeyStore is the part of the certificate store the engine signs through.
type KeyStore interface {
	FindByThumbprint(ctx context.Context, t certstore.Thumbprint) (*certstore.Certificate, error)
	AcquireKey(ctx context.Context, cert *certstore.Certificate, opts certstore.AcquireOptions) (*certstore.Handle, error)
}

// Engine signs caller-supplied digests with keys from the store. The key
// is always located by thumbprint; a submitted certificate is never used
// as a key locator.
type Engine struct {
	store KeyStore
}

func NewEngine(store KeyStore) *Engine {
	return &Engine{store: store}
}

// SignerError represents an error originating from a signing operation.
type SignerError struct {
	Op  string
	Msg string
	Err error
}

func (e *SignerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *SignerError) Unwrap() error {
	return e.Err
}

var hashes = map[string]crypto.Hash{
	"SHA1":   crypto.SHA1,
	"SHA224": crypto.SHA224,
	"SHA256": crypto.SHA256,
	"SHA384": crypto.SHA384,
	"SHA512": crypto.SHA512,
}

// ParseHashType maps names such as "SHA-256" or "sha384".
func ParseHashType(name string) (crypto.Hash, error) {
	h, ok := hashes[strings.ToUpper(strings.ReplaceAll(name, "-", ""))]
	if !ok {
		return 0, errors.InvalidArgument("Unsupported hash type: "+name, nil)
	}
	return h, nil
}

// SchemeFor picks the signature scheme for a key algorithm. EC keys sign the
// digest as-is and ignore hashtype.
func SchemeFor(alg certstore.KeyAlgorithm, hashtype string, digest []byte) (certstore.Scheme, error) {
	if len(digest) == 0 {
		return nil, errors.InvalidArgument("Hash is empty", nil)
	}
	switch alg {
	case certstore.KeyEC:
		return certstore.ECDSA{}, nil
	default:
		h, err := ParseHashType(hashtype)
		if err != nil {
			return nil, err
		}
		if len(digest) != h.Size() {
			return nil, errors.InvalidArgument(
				fmt.Sprintf("Hash length %d does not match %s", len(digest), hashtype), nil)
		}
		return certstore.RSAPKCS1v15{Hash: h}, nil
	}
}

// Sign resolves the certificate by thumbprint and signs digest with its key.
func (e *Engine) Sign(ctx context.Context, thumbprint certstore.Thumbprint, digest []byte, hashtype string) ([]byte, error) {
	cert, err := e.store.FindByThumbprint(ctx, thumbprint)
	if err != nil {
		if stderrors.Is(err, errors.ErrNotFound) {
			return nil, errors.InvalidArgument("Failed to find certificate", err)
		}
		return nil, err
	}

	scheme, err := SchemeFor(cert.Algorithm, hashtype, digest)
	if err != nil {
		return nil, err
	}

	h, err := e.store.AcquireKey(ctx, cert, certstore.AcquireOptions{PreferModern: true, CompareKey: true})
	if err != nil {
		return nil, errors.InvalidArgument("Failed to acquire private key", err)
	}
	defer func() {
		if rerr := h.Release(); rerr != nil {
			logger.Logger.Warn("Failed to release signing key", "family", h.Family().String(), "error", rerr)
		}
	}()

	sig, err := h.SignDigest(ctx, digest, scheme)
	if err != nil {
		return nil, &SignerError{Op: "sign", Msg: "signature failed for " + thumbprint.String(), Err: err}
	}
	logger.Logger.Debug("Signed digest",
		"thumbprint", thumbprint.String(), "algorithm", cert.Algorithm.String(), "family", h.Family().String())
	return sig, nil
}
