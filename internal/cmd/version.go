// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dotandev/tokensign/internal/dispatch"
)

var (
	// Version will be set by the main package
	Version = "dev"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of tokensign",
	Long:  `Display the version reported to front-ends in VERSION responses.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tokensign version %s\n", dispatch.RenderVersion(Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
