// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotandev/tokensign/internal/certstore"
	"github.com/dotandev/tokensign/internal/keyprobe"
	"github.com/dotandev/tokensign/internal/selector"
)

var (
	certsFilterFlag string
	certsAllFlag    bool
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Inspect the certificates available for signing",
	Long: `Inspect the merged certificate store built from the configured PKCS#11
modules and the software certificate directory.`,
}

var certsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List certificates a CERT request would offer",
	Long: `List the certificates a CERT request with the given filter would offer:
currently valid, holding a private key and matching the purpose. Use --all to
list every certificate in the store instead.`,
	Example: `  # Signing certificates
  tokensign certs list

  # Authentication certificates
  tokensign certs list --filter AUTH

  # Everything in the store
  tokensign certs list --all`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		purpose, err := selector.ParsePurpose(strings.ToUpper(certsFilterFlag))
		if err != nil {
			return err
		}
		return runWithSignals(cmd, func(ctx context.Context) error {
			return listCertificates(ctx, cmd.OutOrStdout(), purpose, certsAllFlag)
		})
	},
}

func listCertificates(ctx context.Context, out io.Writer, purpose selector.Purpose, all bool) error {
	stack, err := newBackendStack(ctx, appConfig, false)
	if err != nil {
		return err
	}

	var certs []*certstore.Certificate
	if all {
		certs, err = stack.store.Certificates(ctx)
	} else {
		certs, err = stack.selector.List(ctx, purpose, time.Now())
	}
	if err != nil {
		return err
	}

	if len(certs) == 0 {
		fmt.Fprintln(out, yellow("No certificates found"))
		return nil
	}

	kinds := make([]keyprobe.Classification, len(certs))
	for i, c := range certs {
		kinds[i] = keyprobe.Software
		if c.HasPrivateKey() {
			kinds[i] = stack.probe.Classify(ctx, c)
		}
	}
	printCertificates(out, certs, kinds, time.Now())
	return nil
}

func printCertificates(out io.Writer, certs []*certstore.Certificate, kinds []keyprobe.Classification, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "THUMBPRINT\tSUBJECT\tKEY\tSTORAGE\tEXPIRES")
	for i, c := range certs {
		storage := yellow(kinds[i].String())
		if kinds[i] == keyprobe.HardwareOrRemovable {
			storage = green(kinds[i].String())
		}
		expires := c.X509.NotAfter.Format("2006-01-02")
		if !c.ValidAt(now) {
			expires = red(expires)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			c.Thumbprint.String(), c.X509.Subject.CommonName, c.Algorithm.String(), storage, expires)
	}
	_ = w.Flush()
}

func init() {
	certsListCmd.Flags().StringVar(&certsFilterFlag, "filter", "SIGN", "Certificate purpose: SIGN or AUTH")
	certsListCmd.Flags().BoolVar(&certsAllFlag, "all", false, "List every certificate in the store")

	certsCmd.AddCommand(certsListCmd)
	rootCmd.AddCommand(certsCmd)
}
