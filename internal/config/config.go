// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/dotandev/tokensign/internal/errors"
)

// Dialog backends.
const (
	DialogZenity     = "zenity"
	DialogUnattended = "unattended"
)

// Config represents the general configuration for tokensign
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	// LogFile receives log output when set. stdout is reserved for
	// native messaging frames.
	LogFile string `mapstructure:"log_file"`

	// PKCS11Modules lists token modules in preference order. Missing
	// files are skipped.
	PKCS11Modules []string `mapstructure:"pkcs11_modules"`
	// CertDir holds software identities as <name>.crt / <name>.key PEM pairs.
	CertDir string `mapstructure:"cert_dir"`
	// RequireHardware restricts selection to hardware or removable keys.
	RequireHardware bool `mapstructure:"require_hardware"`

	Dialog     string `mapstructure:"dialog"`
	ZenityPath string `mapstructure:"zenity_path"`

	RelayListen    string  `mapstructure:"relay_listen"`
	RelayAuthToken string  `mapstructure:"relay_auth_token"`
	SessionRate    float64 `mapstructure:"session_rate"`
	SessionBurst   int     `mapstructure:"session_burst"`

	Tracing bool   `mapstructure:"tracing"`
	OTLPURL string `mapstructure:"otlp_url"`

	Journal           bool          `mapstructure:"journal"`
	JournalPath       string        `mapstructure:"journal_path"`
	JournalTTL        time.Duration `mapstructure:"journal_ttl"`
	JournalMaxEntries int           `mapstructure:"journal_max_entries"`
}

var defaultConfig = &Config{
	LogLevel:  "info",
	LogFormat: "text",
	PKCS11Modules: []string{
		"/usr/lib/x86_64-linux-gnu/opensc-pkcs11.so",
		"/usr/lib/opensc-pkcs11.so",
		"/usr/local/lib/opensc-pkcs11.so",
	},
	CertDir:           filepath.Join(os.ExpandEnv("$HOME"), ".tokensign", "certs"),
	Dialog:            DialogZenity,
	ZenityPath:        "zenity",
	RelayListen:       "127.0.0.1:0",
	SessionRate:       5,
	SessionBurst:      10,
	OTLPURL:           "localhost:4318",
	Journal:           true,
	JournalPath:       filepath.Join(os.ExpandEnv("$HOME"), ".tokensign", "journal.db"),
	JournalTTL:        90 * 24 * time.Hour,
	JournalMaxEntries: 10000,
}

// GetConfigDir returns the directory searched for config.{yaml,json,toml}.
func GetConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.WrapConfigError("failed to get home directory", err)
	}
	return filepath.Join(home, ".tokensign"), nil
}

// Load reads configuration from path (or the default search locations when
// path is empty) and TOKENSIGN_* environment variables, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TOKENSIGN")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		if dir, err := GetConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath("/etc/tokensign")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !stderrors.As(err, &notFound) {
			return nil, errors.WrapConfigError("failed to read config file", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapConfigError("failed to parse config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("pkcs11_modules", d.PKCS11Modules)
	v.SetDefault("cert_dir", d.CertDir)
	v.SetDefault("require_hardware", d.RequireHardware)
	v.SetDefault("dialog", d.Dialog)
	v.SetDefault("zenity_path", d.ZenityPath)
	v.SetDefault("relay_listen", d.RelayListen)
	v.SetDefault("relay_auth_token", d.RelayAuthToken)
	v.SetDefault("session_rate", d.SessionRate)
	v.SetDefault("session_burst", d.SessionBurst)
	v.SetDefault("tracing", d.Tracing)
	v.SetDefault("otlp_url", d.OTLPURL)
	v.SetDefault("journal", d.Journal)
	v.SetDefault("journal_path", d.JournalPath)
	v.SetDefault("journal_ttl", d.JournalTTL)
	v.SetDefault("journal_max_entries", d.JournalMaxEntries)
}

func (c *Config) Validate() error {
	return RunValidators(c, DefaultValidators())
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{LogLevel: %s, Dialog: %s, RequireHardware: %t, Modules: %d, Relay: %s}",
		c.LogLevel, c.Dialog, c.RequireHardware, len(c.PKCS11Modules), c.RelayListen,
	)
}

func DefaultConfig() *Config {
	cfg := *defaultConfig
	cfg.PKCS11Modules = append([]string(nil), defaultConfig.PKCS11Modules...)
	return &cfg
}

func (c *Config) WithLogLevel(level string) *Config {
	c.LogLevel = level
	return c
}

func (c *Config) WithCertDir(dir string) *Config {
	c.CertDir = dir
	return c
}

func (c *Config) WithJournalPath(path string) *Config {
	c.JournalPath = path
	return c
}
