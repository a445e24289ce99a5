// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/sqlbridge/pkg/editor"
	"github.com/AleutianAI/sqlbridge/pkg/ux"
	"github.com/AleutianAI/sqlbridge/services/bridge/config"
)

// cliHost implements editor.Host for terminal use: notifications render as
// styled output and documents print to stdout. When sqlbridge runs embedded
// in an editor extension, the extension supplies its own Host instead.
type cliHost struct {
	cfg  *config.Config
	root string

	mu       sync.Mutex
	commands map[string]editor.CommandHandler
}

func newCLIHost(cfg *config.Config, root string) *cliHost {
	return &cliHost{
		cfg:      cfg,
		root:     root,
		commands: make(map[string]editor.CommandHandler),
	}
}

// Config implements editor.Host.
func (h *cliHost) Config(key string) string {
	switch key {
	case "projectPath":
		return h.cfg.ProjectPath
	default:
		return ""
	}
}

// RegisterCommand implements editor.Host.
func (h *cliHost) RegisterCommand(name string, handler editor.CommandHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands[name] = handler
}

// Notify implements editor.Host.
func (h *cliHost) Notify(kind editor.NotifyKind, text string) {
	switch kind {
	case editor.NotifyError:
		ux.Error(text)
	case editor.NotifyWarn:
		ux.Warning(text)
	default:
		ux.Info(text)
	}
}

// ShowDocument implements editor.Host.
func (h *cliHost) ShowDocument(title, body string) {
	ux.Title(title)
	fmt.Println(body)
}

// WorkspaceRoot implements editor.Host.
func (h *cliHost) WorkspaceRoot() string {
	return h.root
}

// Invoke runs a registered palette command by name.
func (h *cliHost) Invoke(ctx context.Context, name string) error {
	h.mu.Lock()
	handler, ok := h.commands[name]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown command %q (available: %v)", name, h.CommandNames())
	}
	return handler(ctx)
}

// CommandNames returns the registered command names, sorted.
func (h *cliHost) CommandNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.commands))
	for name := range h.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
