// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package certstore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/dotandev/tokensign/internal/errors"
)

// DigestInfo prefixes for PKCS#1 v1.5, RFC 8017 section 9.2.
var digestInfoPrefix = map[crypto.Hash][]byte{
	crypto.SHA1:   {0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14},
	crypto.SHA224: {0x30, 0x2d, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x04, 0x05, 0x00, 0x04, 0x1c},
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

// DigestInfo returns the DER DigestInfo for digest under h.
func DigestInfo(h crypto.Hash, digest []byte) ([]byte, error) {
	prefix, ok := digestInfoPrefix[h]
	if !ok {
		return nil, errors.InvalidArgument(fmt.Sprintf("Unsupported hash algorithm %v", h), nil)
	}
	if len(digest) != h.Size() {
		return nil, errors.InvalidArgument(
			fmt.Sprintf("Digest length %d does not match %v", len(digest), h), nil)
	}
	out := make([]byte, 0, len(prefix)+len(digest))
	out = append(out, prefix...)
	return append(out, digest...), nil
}

// ECDSARawFromASN1 converts an ASN.1 ECDSA-Sig-Value into fixed-width r||s,
// each half size bytes long.
func ECDSARawFromASN1(sig []byte, size int) ([]byte, error) {
	var (
		inner cryptobyte.String
		r, s  = new(big.Int), new(big.Int)
	)
	input := cryptobyte.String(sig)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
		return nil, errors.Technical("Malformed ECDSA signature", nil)
	}
	if r.Sign() <= 0 || s.Sign() <= 0 || r.BitLen() > size*8 || s.BitLen() > size*8 {
		return nil, errors.Technical("ECDSA signature out of range", nil)
	}
	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	s.FillBytes(out[size:])
	return out, nil
}

// curveSize is the byte length of one signature half for pub.
func curveSize(pub *ecdsa.PublicKey) int {
	return (pub.Curve.Params().BitSize + 7) / 8
}

// signWithSigner implements both schemes on top of a crypto.Signer.
func signWithSigner(signer crypto.Signer, digest []byte, scheme Scheme) ([]byte, error) {
	switch sc := scheme.(type) {
	case ECDSA:
		pub, ok := signer.Public().(*ecdsa.PublicKey)
		if !ok {
			return nil, errors.InvalidArgument("Key is not an EC key", nil)
		}
		der, err := signer.Sign(rand.Reader, digest, crypto.Hash(0))
		if err != nil {
			return nil, errors.Technical("Failed to sign", err)
		}
		return ECDSARawFromASN1(der, curveSize(pub))
	case RSAPKCS1v15:
		if _, ok := signer.Public().(*rsa.PublicKey); !ok {
			return nil, errors.InvalidArgument("Key is not an RSA key", nil)
		}
		if _, ok := digestInfoPrefix[sc.Hash]; !ok {
			return nil, errors.InvalidArgument(fmt.Sprintf("Unsupported hash algorithm %v", sc.Hash), nil)
		}
		if len(digest) != sc.Hash.Size() {
			return nil, errors.InvalidArgument(
				fmt.Sprintf("Digest length %d does not match %v", len(digest), sc.Hash), nil)
		}
		sig, err := signer.Sign(rand.Reader, digest, sc.Hash)
		if err != nil {
			return nil, errors.Technical("Failed to sign", err)
		}
		return sig, nil
	default:
		return nil, errors.InvalidArgument("Unsupported signature scheme", nil)
	}
}
