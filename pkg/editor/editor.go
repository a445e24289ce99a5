// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package editor defines the capability contract between SQL Bridge and the
// host editor.
//
// The editor platform (command registration, configuration storage,
// notifications) is an external collaborator: SQL Bridge consumes these
// capabilities but never implements them. Host adapters implement the
// interfaces below; tests use the fakes in editortest.
package editor

import "context"

// NotifyKind classifies a user-visible notification.
type NotifyKind int

const (
	// NotifyInfo is an informational message.
	NotifyInfo NotifyKind = iota

	// NotifyWarn is a warning the user can dismiss.
	NotifyWarn

	// NotifyError is an error message. Persistent errors (for example a
	// crashed backend that exhausted restart attempts) stay visible until
	// dismissed by the user.
	NotifyError
)

// String returns the notification kind name.
func (k NotifyKind) String() string {
	switch k {
	case NotifyInfo:
		return "info"
	case NotifyWarn:
		return "warn"
	case NotifyError:
		return "error"
	default:
		return "unknown"
	}
}

// CommandHandler handles one user-invoked editor command. The context is
// cancelled when the editor discards the invocation.
type CommandHandler func(ctx context.Context) error

// Host is the capability surface the editor exposes to the bridge.
//
// Implementations wrap the concrete extension-host API. All methods must be
// safe for concurrent use.
type Host interface {
	// Config returns the editor-stored value for a configuration key, or
	// "" when unset. The single recognized bridge option is
	// "projectPath": a project root override where "" means auto-detect.
	Config(key string) string

	// RegisterCommand binds a palette command name to a handler.
	RegisterCommand(name string, handler CommandHandler)

	// Notify surfaces a one-line user-visible message.
	Notify(kind NotifyKind, text string)

	// ShowDocument displays read-only text output (render results,
	// environment listings) when no richer surface is available.
	ShowDocument(title, body string)

	// WorkspaceRoot returns the open workspace root path, or "" when no
	// workspace is open.
	WorkspaceRoot() string
}
