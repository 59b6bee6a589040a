// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dotandev/tokensign/internal/errors"
	"github.com/dotandev/tokensign/internal/journal"
)

var journalLimitFlag int

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the local record of handled requests",
	Long: `The journal records one entry per request a backend handled: the command
type, its result code and, for signatures, the certificate thumbprint and hash
algorithm. Hashes, certificates and confirmation text are never stored.

Available subcommands:
  list     - Show recent entries
  cleanup  - Drop entries past the configured age or count`,
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show recent journal entries",
	Example: `  tokensign journal list
  tokensign journal list --limit 200`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openJournal()
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.List(cmd.Context(), journalLimitFlag)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(out, "No journal entries found.")
			return nil
		}
		printJournal(out, entries)
		return nil
	},
}

var journalCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired journal entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openJournal()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Cleanup(cmd.Context(), appConfig.JournalTTL, appConfig.JournalMaxEntries); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Journal cleaned up\n", green("✓"))
		return nil
	},
}

func openJournal() (*journal.Store, error) {
	if !appConfig.Journal {
		return nil, errors.WrapValidationError("journal is disabled")
	}
	return journal.Open(appConfig.JournalPath)
}

func printJournal(out io.Writer, entries []journal.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSESSION\tTYPE\tTHUMBPRINT\tHASH\tRESULT")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			e.SessionID, e.Type, dash(e.Thumbprint), dash(e.HashType), colorResult(e.Result))
	}
	_ = w.Flush()
}

func colorResult(result string) string {
	switch errors.ResultCode(result) {
	case errors.ResultOK:
		return green(result)
	case errors.ResultUserCancel, errors.ResultNoCertificates:
		return yellow(result)
	default:
		return red(result)
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	journalListCmd.Flags().IntVar(&journalLimitFlag, "limit", 50, "Maximum number of entries to show")

	journalCmd.AddCommand(journalListCmd)
	journalCmd.AddCommand(journalCleanupCmd)
	rootCmd.AddCommand(journalCmd)
}
