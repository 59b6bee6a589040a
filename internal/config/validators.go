// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"net"
	"strings"

	"github.com/dotandev/tokensign/internal/errors"
)

// Validator validates a specific aspect of the configuration.
type Validator interface {
	Validate(cfg *Config) error
}

// LogLevelValidator checks that the log level and format are known values.
type LogLevelValidator struct{}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func (v LogLevelValidator) Validate(cfg *Config) error {
	if cfg.LogLevel != "" && !validLogLevels[strings.ToLower(cfg.LogLevel)] {
		return errors.WrapValidationError("log_level must be one of: debug, info, warn, error")
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "", "text", "json":
	default:
		return errors.WrapValidationError("log_format must be one of: text, json")
	}
	return nil
}

// DialogValidator checks the dialog backend selection.
type DialogValidator struct{}

func (v DialogValidator) Validate(cfg *Config) error {
	switch cfg.Dialog {
	case DialogZenity:
		if cfg.ZenityPath == "" {
			return errors.WrapValidationError("zenity_path cannot be empty")
		}
	case DialogUnattended:
	default:
		return errors.WrapValidationError("dialog must be one of: zenity, unattended")
	}
	return nil
}

// RelayValidator keeps the relay on a loopback address.
type RelayValidator struct{}

func (v RelayValidator) Validate(cfg *Config) error {
	host, _, err := net.SplitHostPort(cfg.RelayListen)
	if err != nil {
		return errors.WrapValidationError("relay_listen must be host:port")
	}
	if host != "localhost" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return errors.WrapValidationError("relay_listen must be a loopback address")
		}
	}
	if cfg.SessionRate <= 0 || cfg.SessionBurst <= 0 {
		return errors.WrapValidationError("session_rate and session_burst must be positive")
	}
	return nil
}

// JournalValidator checks journal settings when the journal is enabled.
type JournalValidator struct{}

func (v JournalValidator) Validate(cfg *Config) error {
	if !cfg.Journal {
		return nil
	}
	if cfg.JournalPath == "" {
		return errors.WrapValidationError("journal_path cannot be empty when journal is enabled")
	}
	if cfg.JournalTTL < 0 || cfg.JournalMaxEntries < 0 {
		return errors.WrapValidationError("journal_ttl and journal_max_entries cannot be negative")
	}
	return nil
}

// DefaultValidators returns the standard set of validators.
func DefaultValidators() []Validator {
	return []Validator{
		LogLevelValidator{},
		DialogValidator{},
		RelayValidator{},
		JournalValidator{},
	}
}

// RunValidators executes each validator against the config, returning the
// first error encountered.
func RunValidators(cfg *Config, validators []Validator) error {
	for _, v := range validators {
		if err := v.Validate(cfg); err != nil {
			return err
		}
	}
	return nil
}
