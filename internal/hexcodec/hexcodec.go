// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package hexcodec converts between bytes and the lowercase hex strings used
// on the wire.
package hexcodec

import (
	"encoding/hex"

	"github.com/dotandev/tokensign/internal/errors"
)

// Encode returns the lowercase hex form of b.
func Encode(b []byte) string {
	return hex.EncodeToString(b)
}

// Decode parses s, accepting either letter case. Odd-length input and
// non-hex characters fail with an invalid_argument error.
func Decode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, errors.InvalidArgument("hex string has odd length", nil)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.InvalidArgument("hex string contains invalid characters", err)
	}
	return b, nil
}
