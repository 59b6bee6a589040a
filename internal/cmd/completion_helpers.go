// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/spf13/cobra"
)

var filterValues = []string{"SIGN\tNon-repudiation certificates", "AUTH\tAuthentication certificates"}
var logLevels = []string{"debug\tVerbose diagnostics", "info\tDefault", "warn\tWarnings only", "error\tErrors only"}

func completeFilterFlag(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
	return filterValues, cobra.ShellCompDirectiveNoFileComp
}

func completeLogLevelFlag(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
	return logLevels, cobra.ShellCompDirectiveNoFileComp
}

func completeNoOp(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
	return nil, cobra.ShellCompDirectiveNoFileComp
}

func registerFlagCompletions() {
	_ = rootCmd.RegisterFlagCompletionFunc("log-level", completeLogLevelFlag)
	_ = certsListCmd.RegisterFlagCompletionFunc("filter", completeFilterFlag)
	_ = relayCmd.RegisterFlagCompletionFunc("auth-token", completeNoOp)
}
