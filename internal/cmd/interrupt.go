// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	stderrors "errors"

	"github.com/dotandev/tokensign/internal/errors"
)

const (
	InterruptExitCode = 130
	// UnknownCommandExitCode is used when a front-end sent a command type
	// the backend does not recognize.
	UnknownCommandExitCode = 3
)

var ErrInterrupted = stderrors.New("interrupt received")

func IsInterrupted(err error) bool {
	return stderrors.Is(err, ErrInterrupted)
}

func IsCancellation(err error) bool {
	return stderrors.Is(err, context.Canceled)
}

// ExitCode maps a command error onto the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case stderrors.Is(err, errors.ErrUnknownCommand):
		return UnknownCommandExitCode
	case IsInterrupted(err):
		return InterruptExitCode
	default:
		return 1
	}
}
