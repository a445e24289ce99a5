// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package supervisor owns the backend process lifecycle.
//
// A Supervisor keeps an explicit registry of sessions keyed by workspace
// root: exactly one live Session per root, replaced atomically on restart
// so that teardown races stay auditable. Callers that captured the old
// session fail naturally with a restarted/closed condition rather than
// being redirected to the new process.
//
// Session state machine:
//
//	starting ──► ready ──► degraded ──► ready      (recovery ping)
//	                │           │
//	                │           └──► crashed ──► starting   (backoff restart)
//	                │
//	   any state ───┴──► stopped                   (explicit stop, terminal)
//
// Crash recovery is bounded: after MaxRestarts automatic attempts the
// session stays crashed and a persistent failure is surfaced, requiring a
// manual restart command.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
)

// Supervisor is the session registry for all open workspaces.
//
// Thread Safety: safe for concurrent use.
type Supervisor struct {
	opts     Options
	launcher Launcher
	events   Events
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a Supervisor. A nil launcher uses ExecLauncher; a nil
// events sink discards lifecycle events.
func New(opts Options, launcher Launcher, events Events, logger *slog.Logger) *Supervisor {
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	if events == nil {
		events = NopEvents{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		opts:     opts.withDefaults(),
		launcher: launcher,
		events:   events,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Start creates and starts a session for the workspace root, first
// tearing down any existing session for that root. On handshake failure
// the new session is left crashed and the startup error is returned.
func (sv *Supervisor) Start(ctx context.Context, root string, launch LaunchConfig) (*Session, error) {
	// Install the replacement under the lock, but tear the prior session
	// down outside it: stop can block for the full shutdown grace on a
	// stubborn backend, and lookups for other roots must not stall on it.
	sv.mu.Lock()
	prior := sv.sessions[root]
	s := newSession(root, launch, sv.opts, sv.launcher, sv.events, sv.logger)
	sv.sessions[root] = s
	sv.mu.Unlock()

	if prior != nil {
		prior.stop(ctx, ErrSessionReplaced)
	}

	if err := s.start(ctx); err != nil {
		sv.events.PersistentFailure(root, err)
		return s, err
	}
	return s, nil
}

// Restart stops and restarts the backend for the root. All pending
// requests on the old process fail with a restarted condition before new
// requests are accepted.
func (sv *Supervisor) Restart(ctx context.Context, root string) (*Session, error) {
	s, err := sv.Session(root)
	if err != nil {
		return nil, err
	}
	if err := s.restart(ctx); err != nil {
		sv.events.PersistentFailure(root, err)
		return s, err
	}
	return s, nil
}

// Stop gracefully stops the session for the root. The session always
// reaches stopped, forcing process termination if the grace period
// elapses. Stopping an unknown root is an error; stopping a stopped
// session is a no-op.
func (sv *Supervisor) Stop(ctx context.Context, root string) error {
	s, err := sv.Session(root)
	if err != nil {
		return err
	}
	if s.State() == StateStopped {
		return nil
	}
	s.stop(ctx, ErrSessionStopped)
	return nil
}

// Session returns the session for the root, live or not.
func (sv *Supervisor) Session(root string) (*Session, error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	s, ok := sv.sessions[root]
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

// Shutdown stops every session. Used on extension deactivation.
func (sv *Supervisor) Shutdown(ctx context.Context) {
	sv.mu.Lock()
	all := make([]*Session, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		all = append(all, s)
	}
	sv.mu.Unlock()

	for _, s := range all {
		if s.State() != StateStopped {
			s.stop(ctx, ErrSessionStopped)
		}
	}
}
