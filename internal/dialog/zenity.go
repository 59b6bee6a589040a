// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package dialog

import (
	"bytes"
	"context"
	stderrors "errors"
	"os/exec"
	"strconv"
	"strings"

	"github.com/dotandev/tokensign/internal/errors"
	"github.com/dotandev/tokensign/internal/localization"
	"github.com/dotandev/tokensign/internal/logger"
)

// runner executes the dialog helper and returns its stdout and exit code.
type runner func(ctx context.Context, path string, args ...string) ([]byte, int, error)

// Zenity shows GTK dialogs through the zenity helper.
type Zenity struct {
	path string
	loc  *localization.Localizer
	run  runner
}

func NewZenity(path string, loc *localization.Localizer) *Zenity {
	return &Zenity{path: path, loc: loc, run: execRun}
}

func execRun(ctx context.Context, path string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			return stdout.Bytes(), exitErr.ExitCode(), nil
		}
		return nil, -1, err
	}
	return stdout.Bytes(), 0, nil
}

func (z *Zenity) invoke(ctx context.Context, args ...string) ([]byte, bool, error) {
	out, code, err := z.run(ctx, z.path, args...)
	if err != nil {
		return nil, false, errors.Technical("Failed to show dialog", err)
	}
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	switch code {
	case 0:
		return out, true, nil
	case 1:
		return nil, false, nil
	default:
		logger.Logger.Warn("Dialog helper failed", "path", z.path, "exit_code", code)
		return nil, false, errors.Technical("Dialog helper exited with code "+strconv.Itoa(code), nil)
	}
}

func (z *Zenity) Confirm(ctx context.Context, title, text string) (bool, error) {
	_, ok, err := z.invoke(ctx, "--question", "--no-markup", "--title", title, "--text", text)
	return ok, err
}

func (z *Zenity) Choose(ctx context.Context, title, text string, items []Item) (int, bool, error) {
	args := []string{
		"--list", "--no-markup", "--title", title, "--text", text,
		"--column", "#", "--column", "Name", "--column", "Issuer", "--column", "Valid to",
		"--hide-column", "1", "--print-column", "1",
		"--width", "640", "--height", "320",
	}
	for i, it := range items {
		args = append(args, strconv.Itoa(i), it.Name, it.Issuer, it.ValidTo)
	}

	out, ok, err := z.invoke(ctx, args...)
	if err != nil || !ok {
		return 0, false, err
	}
	picked := strings.TrimSpace(string(out))
	if picked == "" {
		return 0, false, nil
	}
	// zenity separates multiple rows with '|'; only the first counts.
	picked, _, _ = strings.Cut(picked, "|")
	idx, err := strconv.Atoi(picked)
	if err != nil || idx < 0 || idx >= len(items) {
		return 0, false, errors.Technical("Dialog returned an unknown row", err)
	}
	return idx, true, nil
}

// PIN titles the prompt in the request language carried by ctx, falling
// back to the process language.
func (z *Zenity) PIN(ctx context.Context, tokenLabel string) (string, error) {
	title := z.loc.Translate(localization.KeyPINPrompt, tokenLabel)
	if lang, ok := localization.LanguageFromContext(ctx); ok {
		title = z.loc.TranslateForLang(lang, localization.KeyPINPrompt, tokenLabel)
	}
	out, ok, err := z.invoke(ctx, "--password", "--title", title)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.UserCancel("PIN entry cancelled")
	}
	return strings.TrimRight(string(out), "\r\n"), nil
}
