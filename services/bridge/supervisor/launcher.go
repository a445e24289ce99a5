// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/AleutianAI/sqlbridge/services/bridge/transport"
)

// ExecLauncher spawns the backend as a child process and frames its stdio.
type ExecLauncher struct{}

// Launch implements Launcher.
func (ExecLauncher) Launch(ctx context.Context, cfg LaunchConfig) (Process, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("empty backend command")
	}
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("backend not installed: %s: %w", cfg.Command, err)
	}

	cmd := exec.CommandContext(ctx, path, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	// Backend diagnostics go to our stderr, which the extension host
	// captures into its output channel.
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	return &execProcess{
		cmd: cmd,
		ch:  transport.New(stdout, stdin, stdin, stdout),
	}, nil
}

type execProcess struct {
	cmd *exec.Cmd
	ch  *transport.Channel
}

func (p *execProcess) Channel() *transport.Channel { return p.ch }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
