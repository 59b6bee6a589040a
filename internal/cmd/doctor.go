// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotandev/tokensign/internal/config"
)

type DependencyStatus struct {
	Name      string
	Installed bool
	Version   string
	Path      string
	FixHint   string
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose the signing environment",
	Long: `Check the status of everything a backend relies on.

This command verifies:
  - Configured PKCS#11 modules
  - The zenity dialog helper
  - The software certificate directory
  - The journal location

Use this to troubleshoot a browser extension that finds no certificates.`,
	Example: `  # Check environment status
  tokensign doctor

  # View detailed diagnostics
  tokensign doctor --verbose`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, bold("tokensign Environment Diagnostics"))
	fmt.Fprintln(out, "=================================")
	fmt.Fprintln(out)

	dependencies := doctorChecks(appConfig)
	allOK := printDependencies(out, dependencies, verbose)
	fmt.Fprintln(out)

	if allOK {
		fmt.Fprintln(out, green("[OK] Environment is ready"))
		return nil
	}
	fmt.Fprintln(out, yellow("⚠ Some checks failed. Follow the hints above to fix."))
	return nil
}

func doctorChecks(cfg *config.Config) []DependencyStatus {
	deps := checkPKCS11Modules(cfg)
	if cfg.Dialog == config.DialogZenity {
		deps = append(deps, checkZenity(cfg.ZenityPath))
	}
	deps = append(deps, checkCertDir(cfg.CertDir), checkJournal(cfg))
	return deps
}

func printDependencies(out io.Writer, deps []DependencyStatus, verbose bool) bool {
	allOK := true
	for _, dep := range deps {
		status := green("[OK]")
		if !dep.Installed {
			status = red("[FAIL]")
			allOK = false
		}

		fmt.Fprintf(out, "%s %s", status, dep.Name)
		if dep.Installed && dep.Version != "" {
			fmt.Fprintf(out, " (%s)", dep.Version)
		}
		fmt.Fprintln(out)

		if verbose && dep.Path != "" {
			fmt.Fprintf(out, "  Path: %s\n", dep.Path)
		}
		if !dep.Installed && dep.FixHint != "" {
			fmt.Fprintf(out, "  %s\n", yellow("→ "+dep.FixHint))
		}
	}
	return allOK
}

// checkPKCS11Modules reports each configured module. Missing modules are
// skipped at runtime, so at least one present module is enough.
func checkPKCS11Modules(cfg *config.Config) []DependencyStatus {
	var deps []DependencyStatus
	for _, path := range cfg.PKCS11Modules {
		dep := DependencyStatus{
			Name:    "PKCS#11 module " + filepath.Base(path),
			Path:    path,
			FixHint: "Install the token vendor's middleware or OpenSC, or remove it from pkcs11_modules",
		}
		if _, err := os.Stat(path); err == nil {
			dep.Installed = true
		}
		deps = append(deps, dep)
	}
	return deps
}

func checkZenity(path string) DependencyStatus {
	dep := DependencyStatus{
		Name:    "Dialog helper (zenity)",
		FixHint: "Install zenity, or set dialog: unattended for headless use",
	}

	zenityPath, err := exec.LookPath(path)
	if err != nil {
		return dep
	}

	dep.Installed = true
	dep.Path = zenityPath

	output, err := exec.Command(zenityPath, "--version").Output()
	if err == nil {
		dep.Version = strings.TrimSpace(string(output))
	}
	return dep
}

func checkCertDir(dir string) DependencyStatus {
	dep := DependencyStatus{
		Name:    "Software certificate directory",
		Path:    dir,
		FixHint: "Create " + dir + " and add <name>.crt / <name>.key PEM pairs, or leave cert_dir empty",
	}
	if dir == "" {
		dep.Installed = true
		dep.Version = "disabled"
		return dep
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.crt"))
	if _, statErr := os.Stat(dir); statErr != nil || err != nil {
		return dep
	}
	dep.Installed = true
	dep.Version = fmt.Sprintf("%d certificates", len(matches))
	return dep
}

func checkJournal(cfg *config.Config) DependencyStatus {
	dep := DependencyStatus{
		Name:    "Journal",
		Path:    cfg.JournalPath,
		FixHint: "Make the journal directory writable, or set journal: false",
	}
	if !cfg.Journal {
		dep.Installed = true
		dep.Version = "disabled"
		return dep
	}

	dir := filepath.Dir(cfg.JournalPath)
	info, err := os.Stat(dir)
	switch {
	case err == nil && info.IsDir():
		dep.Installed = true
	case os.IsNotExist(err):
		// Created on first use.
		dep.Installed = true
		dep.Version = "not created yet"
	}
	return dep
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolP("verbose", "v", false, "Show detailed diagnostic information")
}
