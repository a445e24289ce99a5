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
	"errors"
	"time"

	"github.com/AleutianAI/sqlbridge/services/bridge/transport"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNoSession is returned when no session exists for a workspace root.
	ErrNoSession = errors.New("no session for workspace root")

	// ErrSessionNotReady is returned for calls against a session that is
	// not in a state that can serve requests.
	ErrSessionNotReady = errors.New("session not ready")

	// ErrHandshakeFailed indicates the initialization handshake with a
	// freshly spawned backend failed or timed out.
	ErrHandshakeFailed = errors.New("backend handshake failed")

	// ErrRestartsExhausted indicates automatic restarts hit the retry cap
	// and the session requires a manual restart.
	ErrRestartsExhausted = errors.New("automatic restarts exhausted")

	// ErrSessionStopped is the reason pending requests fail when their
	// session is explicitly stopped.
	ErrSessionStopped = errors.New("session stopped")

	// ErrSessionReplaced is the reason pending requests fail when a new
	// session is started for the same workspace root.
	ErrSessionReplaced = errors.New("session replaced")

	// ErrAuth marks a call aborted before the transport because no valid
	// credential was available.
	ErrAuth = errors.New("authentication required")
)

// -----------------------------------------------------------------------------
// Session state
// -----------------------------------------------------------------------------

// State is the lifecycle state of a backend session.
type State int

const (
	// StateStarting means the backend process is spawning or handshaking.
	StateStarting State = iota

	// StateReady means the handshake succeeded and requests are served.
	StateReady

	// StateDegraded means health checks are failing but the transport is
	// still up; a recovery ping returns the session to ready.
	StateDegraded

	// StateCrashed means the transport closed unexpectedly. Automatic
	// restarts run from here; once exhausted the session stays crashed.
	StateCrashed

	// StateStopped is the terminal state after an explicit stop.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateCrashed:
		return "crashed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Launching
// -----------------------------------------------------------------------------

// LaunchConfig describes how to spawn the backend process.
type LaunchConfig struct {
	// Command is the backend executable path or name.
	Command string

	// Args are the command arguments.
	Args []string

	// Env is extra environment in KEY=VALUE form, appended to the
	// inherited environment.
	Env []string

	// Dir is the working directory, normally the workspace root.
	Dir string
}

// Process is a running backend process bound to a framed channel.
type Process interface {
	// Channel returns the framed stdio channel of the process.
	Channel() *transport.Channel

	// Wait blocks until the process exits.
	Wait() error

	// Kill forcibly terminates the process.
	Kill() error
}

// Launcher spawns backend processes. Production code uses ExecLauncher;
// tests inject scripted in-memory processes.
type Launcher interface {
	Launch(ctx context.Context, cfg LaunchConfig) (Process, error)
}

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

// Events receives user-relevant lifecycle signals. Implementations must
// not block; the command layer translates these into editor notifications.
type Events interface {
	// StateChanged fires on every session state transition.
	StateChanged(root string, from, to State)

	// PersistentFailure fires when a session is out of automatic
	// remedies (startup failure or exhausted restarts) and needs user
	// action.
	PersistentFailure(root string, err error)
}

// NopEvents discards all events.
type NopEvents struct{}

// StateChanged implements Events.
func (NopEvents) StateChanged(string, State, State) {}

// PersistentFailure implements Events.
func (NopEvents) PersistentFailure(string, error) {}

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// Options holds supervisor timing knobs. Zero values take the documented
// defaults; the config package populates this from user configuration.
type Options struct {
	// HandshakeTimeout bounds the initialize exchange. Default 15s.
	HandshakeTimeout time.Duration

	// ShutdownGrace bounds the graceful-shutdown wait before the process
	// is killed. Default 5s.
	ShutdownGrace time.Duration

	// HealthInterval is the ping period. Default 10s.
	HealthInterval time.Duration

	// HealthMisses is the consecutive-miss count that degrades a ready
	// session. Default 2.
	HealthMisses int

	// RestartBackoff is the first automatic-restart delay; it doubles per
	// attempt up to RestartBackoffCap. Defaults 500ms and 30s.
	RestartBackoff    time.Duration
	RestartBackoffCap time.Duration

	// MaxRestarts caps automatic restart attempts per crash. Default 5.
	MaxRestarts int

	// CallTimeout is the default deadline applied to calls without one.
	// Default 30s.
	CallTimeout time.Duration
}

// withDefaults returns o with zero fields replaced by defaults.
func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 15 * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 5 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 10 * time.Second
	}
	if o.HealthMisses <= 0 {
		o.HealthMisses = 2
	}
	if o.RestartBackoff <= 0 {
		o.RestartBackoff = 500 * time.Millisecond
	}
	if o.RestartBackoffCap <= 0 {
		o.RestartBackoffCap = 30 * time.Second
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = 5
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	return o
}
