// Copyright (c) 2026 dotandev
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelErrors(t *testing.T) {
	assert.NotNil(t, ErrInvalidArgument)
	assert.NotNil(t, ErrUserCancel)
	assert.NotNil(t, ErrNoCertificates)
	assert.NotNil(t, ErrTechnical)
	assert.NotNil(t, ErrUnknownCommand)
	assert.NotNil(t, ErrLaunchFailed)
}

func TestRequestErrorMatchesSentinel(t *testing.T) {
	err := InvalidArgument("Failed to find certificate", nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.False(t, errors.Is(err, ErrTechnical))

	wrapped := fmt.Errorf("sign: %w", err)
	assert.True(t, errors.Is(wrapped, ErrInvalidArgument))
}

func TestRequestErrorUnwrap(t *testing.T) {
	base := fmt.Errorf("base error")
	err := Technical("store unavailable", base)
	assert.True(t, errors.Is(err, base))
	assert.Contains(t, err.Error(), "store unavailable")
	assert.Contains(t, err.Error(), "base error")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ResultCode
		msg  string
	}{
		{"nil", nil, ResultOK, ""},
		{"invalid argument", InvalidArgument("bad cert", nil), ResultInvalidArgument, "bad cert"},
		{"wrapped request error", fmt.Errorf("ctx: %w", UserCancel("User cancelled")), ResultUserCancel, "User cancelled"},
		{"no certificates", NoCertificates("no_certificates"), ResultNoCertificates, "no_certificates"},
		{"bare sentinel", fmt.Errorf("%w: odd length", ErrInvalidArgument), ResultInvalidArgument, "invalid argument: odd length"},
		{"unclassified", fmt.Errorf("disk on fire"), ResultTechnicalError, "disk on fire"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := Classify(tt.err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.msg, msg)
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	baseErr := fmt.Errorf("base error")

	wrappedErr := WrapLaunchFailed(baseErr)
	assert.True(t, errors.Is(wrappedErr, ErrLaunchFailed))
	assert.True(t, errors.Is(wrappedErr, baseErr))

	wrappedErr = WrapChannelClosed(baseErr)
	assert.True(t, errors.Is(wrappedErr, ErrChannelClosed))

	wrappedErr = WrapSessionNotFound(42)
	assert.True(t, errors.Is(wrappedErr, ErrSessionNotFound))
	assert.Contains(t, wrappedErr.Error(), "42")

	wrappedErr = WrapConfigError("failed to read config file", baseErr)
	assert.True(t, errors.Is(wrappedErr, ErrConfig))
	assert.True(t, errors.Is(wrappedErr, baseErr))

	wrappedErr = WrapMessageTooLarge(10, 5)
	assert.True(t, errors.Is(wrappedErr, ErrMessageTooLarge))
	assert.Contains(t, wrappedErr.Error(), "10 bytes")

	wrappedErr = WrapUnknownCommand("PING")
	assert.True(t, errors.Is(wrappedErr, ErrUnknownCommand))
	assert.Contains(t, wrappedErr.Error(), "PING")
}
