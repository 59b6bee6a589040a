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
)

// ResultCode is the wire-level outcome of a command.
type ResultCode string

const (
	ResultOK              ResultCode = "ok"
	ResultUserCancel      ResultCode = "user_cancel"
	ResultNoCertificates  ResultCode = "no_certificates"
	ResultInvalidArgument ResultCode = "invalid_argument"
	ResultTechnicalError  ResultCode = "technical_error"
)

// Sentinel errors for comparison with errors.Is
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUserCancel      = errors.New("user cancelled")
	ErrNoCertificates  = errors.New("no certificates")
	ErrTechnical       = errors.New("technical error")

	ErrNotFound          = errors.New("not found")
	ErrUnknownCommand    = errors.New("unknown command type")
	ErrChannelClosed     = errors.New("channel closed")
	ErrLaunchFailed      = errors.New("backend launch failed")
	ErrSessionNotFound   = errors.New("session not found")
	ErrInteraction       = errors.New("user interaction required")
	ErrConfig            = errors.New("configuration error")
	ErrValidation        = errors.New("validation failed")
	ErrMessageTooLarge   = errors.New("message too large")
	ErrAlreadyAttached   = errors.New("session already attached")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrUnsupportedDialog = errors.New("unsupported dialog backend")
)

// RequestError carries a result code and the human-readable message that is
// returned to the caller. It matches the sentinel of its code with errors.Is.
type RequestError struct {
	Code ResultCode
	Msg  string
	Err  error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func (e *RequestError) Is(target error) bool {
	return target == sentinelFor(e.Code)
}

func sentinelFor(code ResultCode) error {
	switch code {
	case ResultInvalidArgument:
		return ErrInvalidArgument
	case ResultUserCancel:
		return ErrUserCancel
	case ResultNoCertificates:
		return ErrNoCertificates
	case ResultTechnicalError:
		return ErrTechnical
	default:
		return nil
	}
}

// InvalidArgument reports caller input that is malformed or out of policy.
func InvalidArgument(msg string, err error) error {
	return &RequestError{Code: ResultInvalidArgument, Msg: msg, Err: err}
}

// UserCancel reports a dismissed or declined dialog.
func UserCancel(msg string) error {
	return &RequestError{Code: ResultUserCancel, Msg: msg}
}

// NoCertificates reports an empty candidate set.
func NoCertificates(msg string) error {
	return &RequestError{Code: ResultNoCertificates, Msg: msg}
}

// Technical reports any other fault.
func Technical(msg string, err error) error {
	return &RequestError{Code: ResultTechnicalError, Msg: msg, Err: err}
}

// Classify maps an error onto the result taxonomy. Errors that carry no
// classification become technical_error with their own text as message.
func Classify(err error) (ResultCode, string) {
	if err == nil {
		return ResultOK, ""
	}

	var re *RequestError
	if errors.As(err, &re) {
		return re.Code, re.Msg
	}

	switch {
	case errors.Is(err, ErrInvalidArgument):
		return ResultInvalidArgument, err.Error()
	case errors.Is(err, ErrUserCancel):
		return ResultUserCancel, err.Error()
	case errors.Is(err, ErrNoCertificates):
		return ResultNoCertificates, err.Error()
	default:
		return ResultTechnicalError, err.Error()
	}
}

// Wrap functions for consistent error wrapping
func WrapNotFound(what string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}

func WrapChannelClosed(err error) error {
	return fmt.Errorf("%w: %w", ErrChannelClosed, err)
}

func WrapLaunchFailed(err error) error {
	return fmt.Errorf("%w: %w", ErrLaunchFailed, err)
}

func WrapSessionNotFound(id uint64) error {
	return fmt.Errorf("%w: %d", ErrSessionNotFound, id)
}

func WrapInteraction(msg string) error {
	return fmt.Errorf("%w: %s", ErrInteraction, msg)
}

func WrapConfigError(msg string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConfig, msg, err)
}

func WrapValidationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

func WrapMessageTooLarge(size, limit int) error {
	return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrMessageTooLarge, size, limit)
}

func WrapUnknownCommand(typ string) error {
	return fmt.Errorf("%w: %q", ErrUnknownCommand, typ)
}
