// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dotandev/tokensign/internal/config"
	"github.com/dotandev/tokensign/internal/logger"
	"github.com/dotandev/tokensign/internal/shutdown"
)

// Global flag variables
var (
	ConfigFlag   string
	LogLevelFlag string
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// appConfig is loaded once per invocation by the root pre-run hook.
var (
	appConfig *config.Config
	logCloser io.Closer
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tokensign",
	Short: "Browser signing bridge for PKCS#11 tokens and certificate stores",
	Long: `tokensign lets web pages sign documents and authenticate with keys held on
smart cards, USB tokens and local certificate stores.

A browser extension talks to 'tokensign host' over native messaging. Other
front-ends can reach the same backend through the websocket relay started by
'tokensign relay'.

Examples:
  tokensign host                       Serve a browser extension on stdin/stdout
  tokensign relay --listen 127.0.0.1:7440
  tokensign certs list --filter AUTH   Show authentication certificates
  tokensign journal list               Show recent signing activity`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(ConfigFlag)
		if err != nil {
			return err
		}
		if LogLevelFlag != "" {
			cfg.WithLogLevel(LogLevelFlag)
		}
		if err := setupLogging(cfg); err != nil {
			return err
		}
		appConfig = cfg
		logger.Logger.Debug("Configuration loaded", "config", cfg.String())
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	registerFlagCompletions()
	return rootCmd.Execute()
}

// runWithSignals runs fn under a fresh shutdown coordinator. SIGINT and
// SIGTERM cancel fn's context; the hooks run once fn is done either way.
func runWithSignals(cmd *cobra.Command, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	coordinator := shutdown.NewCoordinator()
	setShutdownCoordinator(coordinator)
	defer clearShutdownCoordinator()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	err := executeWithSignals(ctx, cancel, sigCh, coordinator, fn)
	runShutdownHooksWithTimeout(coordinator, shutdownTimeout)
	return err
}

// executeWithSignals returns fn's error, or ErrInterrupted when a signal
// arrives first. On a signal the context is canceled and the shutdown hooks
// run before fn is given shutdownTimeout to return.
func executeWithSignals(ctx context.Context, cancel context.CancelFunc, sigCh <-chan os.Signal, coordinator *shutdown.Coordinator, fn func(context.Context) error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- fn(ctx) }()

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
		runShutdownHooksWithTimeout(coordinator, shutdownTimeout)
		select {
		case <-errCh:
		case <-time.After(shutdownTimeout):
			logger.Logger.Warn("Command did not stop after interrupt")
		}
		return ErrInterrupted
	}
}

// setupLogging applies the configured level, format and destination. Logs
// go to stderr unless a file is configured; stdout carries protocol frames.
func setupLogging(cfg *config.Config) error {
	lvl, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	useJSON := cfg.LogFormat == "json"

	if cfg.LogFile != "" {
		closer, err := logger.OpenFile(cfg.LogFile, useJSON)
		if err != nil {
			return err
		}
		logCloser = closer
	} else {
		logger.SetOutput(os.Stderr, useJSON)
	}
	logger.SetLevel(lvl)
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&ConfigFlag,
		"config",
		"",
		"Path to a config file (default searches ~/.tokensign and /etc/tokensign)",
	)

	rootCmd.PersistentFlags().StringVar(
		&LogLevelFlag,
		"log-level",
		"",
		"Override the configured log level (debug, info, warn, error)",
	)
}
