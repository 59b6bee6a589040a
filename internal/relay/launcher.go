// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/dotandev/tokensign/internal/logger"
	"github.com/dotandev/tokensign/internal/transport"
)

// TokenEnv carries the session token to an executed backend.
const TokenEnv = "TOKENSIGN_SESSION_TOKEN"

// ExecLauncher runs the backend as a child process:
//
//	<Path> <Args...> backend --relay <RelayURL> --session <id>
//
// The token is passed in the environment.
type ExecLauncher struct {
	Path     string
	Args     []string
	RelayURL string
}

func (l *ExecLauncher) Launch(ctx context.Context, id uint64, token string) (Process, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
		path = exe
	}

	args := append([]string{}, l.Args...)
	args = append(args, "backend", "--relay", l.RelayURL, "--session", strconv.FormatUint(id, 10))
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = append(os.Environ(), TokenEnv+"="+token)
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start backend: %w", err)
	}
	logger.Logger.Debug("Backend started", "session", id, "pid", cmd.Process.Pid)

	p := &execProcess{done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		if p.err != nil {
			logger.Logger.Debug("Backend exited", "session", id, "error", p.err)
		}
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	done chan struct{}
	err  error
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

// Err is the exit status, valid once Done is closed.
func (p *execProcess) Err() error { return p.err }

// ServeFunc runs a backend over ch until it closes.
type ServeFunc func(ctx context.Context, id uint64, ch transport.Channel) error

// InProcessLauncher serves sessions from the relay's own process over an
// in-memory pipe.
type InProcessLauncher struct {
	Relay *Relay
	Serve ServeFunc
}

func (l *InProcessLauncher) Launch(ctx context.Context, id uint64, token string) (Process, error) {
	relayEnd, backendEnd := transport.Pipe()
	if _, err := l.Relay.attach(id, token, relayEnd); err != nil {
		relayEnd.Close()
		return nil, err
	}

	p := &execProcess{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer backendEnd.Close()
		p.err = l.Serve(ctx, id, backendEnd)
	}()
	return p, nil
}
