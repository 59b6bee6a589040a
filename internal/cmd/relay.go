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

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dotandev/tokensign/internal/daemon"
	"github.com/dotandev/tokensign/internal/dispatch"
	"github.com/dotandev/tokensign/internal/eventbus"
	"github.com/dotandev/tokensign/internal/metrics"
	"github.com/dotandev/tokensign/internal/relay"
)

var (
	relayListen    string
	relayAuthToken string
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Start the websocket relay for non-browser front-ends",
	Long: `Start a loopback HTTP server that relays front-end websocket sessions to
backend processes. Each connection to /frontend starts 'tokensign backend',
which dials back to /backend with the session's secret token.

Endpoints:
  - /frontend  Front-end websocket
  - /backend   Backend websocket (?session=<id>&token=<token>)
  - /rpc       JSON-RPC 2.0 status API (Relay.Sessions, Relay.Version)
  - /metrics   Prometheus metrics
  - /health    Liveness check

Example:
  tokensign relay --listen 127.0.0.1:7440
  tokensign relay --auth-token secret123`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := appConfig
		if relayListen != "" {
			cfg.RelayListen = relayListen
		}
		if relayAuthToken != "" {
			cfg.RelayAuthToken = relayAuthToken
			// Backends load their own configuration.
			if err := os.Setenv("TOKENSIGN_RELAY_AUTH_TOKEN", relayAuthToken); err != nil {
				return err
			}
		}

		return runWithSignals(cmd, func(ctx context.Context) error {
			if err := initTracing(ctx, cfg, "tokensign-relay"); err != nil {
				return err
			}

			bus := eventbus.New()
			m := metrics.New()
			m.Subscribe(bus)

			r := relay.New(relay.Config{Bus: bus})
			server := daemon.NewServer(daemon.Config{
				Listen:       cfg.RelayListen,
				AuthToken:    cfg.RelayAuthToken,
				SessionRate:  cfg.SessionRate,
				SessionBurst: cfg.SessionBurst,
				Version:      dispatch.RenderVersion(Version),
			}, r, m)
			if err := server.Listen(cfg.RelayListen); err != nil {
				return err
			}
			launcher := &relay.ExecLauncher{RelayURL: server.BackendURL()}
			if ConfigFlag != "" {
				launcher.Args = []string{"--config", ConfigFlag}
			}
			r.SetLauncher(launcher)

			registerSessionDrainHook(r)
			registerShutdownHook("http-server", server.Shutdown)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s Relay listening on %s\n", green("✓"), bold(server.Addr().String()))
			if cfg.RelayAuthToken != "" {
				fmt.Fprintln(out, "Authentication: enabled")
			} else {
				fmt.Fprintf(out, "%s Authentication disabled\n", yellow("!"))
			}

			return server.Serve(ctx)
		})
	},
}

func init() {
	relayCmd.Flags().StringVar(&relayListen, "listen", "", "Address to listen on (overrides relay_listen)")
	relayCmd.Flags().StringVar(&relayAuthToken, "auth-token", "", "Authentication token for every endpoint")

	rootCmd.AddCommand(relayCmd)
}
