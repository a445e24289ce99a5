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
	"errors"
	"log/slog"
	"sync"

	"github.com/AleutianAI/sqlbridge/pkg/editor"
	"github.com/AleutianAI/sqlbridge/services/bridge/supervisor"
)

// Notifier translates supervisor lifecycle events into editor
// notifications. It implements supervisor.Events.
type Notifier struct {
	Host   editor.Host
	Logger *slog.Logger

	mu      sync.Mutex
	crashed map[string]bool
}

// StateChanged implements supervisor.Events. Only transitions the user can
// act on become notifications; the rest are logged. A crash is remembered
// per workspace so the eventual return to ready (via a fresh start) can be
// announced as a recovery.
func (n *Notifier) StateChanged(root string, from, to supervisor.State) {
	if n.Logger != nil {
		n.Logger.Info("backend state changed",
			"workspace", root, "from", from.String(), "to", to.String())
	}

	n.mu.Lock()
	if n.crashed == nil {
		n.crashed = make(map[string]bool)
	}
	wasCrashed := n.crashed[root]
	switch to {
	case supervisor.StateCrashed:
		n.crashed[root] = true
	case supervisor.StateReady, supervisor.StateStopped:
		delete(n.crashed, root)
	}
	n.mu.Unlock()

	switch {
	case to == supervisor.StateCrashed && !wasCrashed:
		n.Host.Notify(editor.NotifyWarn, "SQLMesh backend lost; attempting automatic restart.")
	case to == supervisor.StateReady && wasCrashed:
		n.Host.Notify(editor.NotifyInfo, "SQLMesh backend recovered.")
	}
}

// PersistentFailure implements supervisor.Events. Surfaced as an error
// notification that stays until the user dismisses it.
func (n *Notifier) PersistentFailure(root string, err error) {
	if n.Logger != nil {
		n.Logger.Error("backend persistent failure", "workspace", root, "error", err)
	}
	if errors.Is(err, supervisor.ErrRestartsExhausted) {
		n.Host.Notify(editor.NotifyError,
			"SQLMesh backend crashed repeatedly and automatic restarts are exhausted. "+
				"Fix the project or backend installation, then run the Restart command.")
		return
	}
	n.Host.Notify(editor.NotifyError, "SQLMesh backend failed: "+summarize(err))
}
