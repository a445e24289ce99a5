// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package commands

import (
	"context"
	"encoding/json"

	"github.com/AleutianAI/sqlbridge/services/bridge/supervisor"
)

// SupervisorBackend adapts the supervisor registry to the Backend surface
// for one workspace root.
type SupervisorBackend struct {
	Supervisor *supervisor.Supervisor
	Root       string
	Launch     supervisor.LaunchConfig
}

// Start implements Backend.
func (b *SupervisorBackend) Start(ctx context.Context) error {
	_, err := b.Supervisor.Start(ctx, b.Root, b.Launch)
	return err
}

// Restart implements Backend.
func (b *SupervisorBackend) Restart(ctx context.Context) error {
	_, err := b.Supervisor.Restart(ctx, b.Root)
	return err
}

// Stop implements Backend.
func (b *SupervisorBackend) Stop(ctx context.Context) error {
	return b.Supervisor.Stop(ctx, b.Root)
}

// Call implements Backend.
func (b *SupervisorBackend) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s, err := b.Supervisor.Session(b.Root)
	if err != nil {
		return nil, err
	}
	return s.Call(ctx, method, params)
}

// CallAuthed implements Backend.
func (b *SupervisorBackend) CallAuthed(ctx context.Context, ts supervisor.TokenSource, method string, params map[string]any) (json.RawMessage, error) {
	s, err := b.Supervisor.Session(b.Root)
	if err != nil {
		return nil, err
	}
	return s.CallAuthed(ctx, ts, method, params)
}

// State implements Backend. An unknown root reports stopped.
func (b *SupervisorBackend) State() supervisor.State {
	s, err := b.Supervisor.Session(b.Root)
	if err != nil {
		return supervisor.StateStopped
	}
	return s.State()
}
