// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dotandev/tokensign/internal/cmd"
)

// Build-time variables injected via -ldflags.
var (
	version = "dev"
)

func main() {
	cmd.Version = version
	os.Exit(run(cmd.Execute, os.Stderr))
}

// run executes the CLI and maps its error onto an exit status.
func run(execute func() error, stderr io.Writer) int {
	err := execute()
	code := cmd.ExitCode(err)
	switch {
	case err == nil:
	case cmd.IsInterrupted(err):
		fmt.Fprintln(stderr, "Interrupted. Shutting down...")
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return code
}
