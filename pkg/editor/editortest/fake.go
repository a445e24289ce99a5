// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package editortest provides an in-memory editor.Host for tests.
package editortest

import (
	"sync"

	"github.com/AleutianAI/sqlbridge/pkg/editor"
)

// Notification is one captured Notify call.
type Notification struct {
	Kind editor.NotifyKind
	Text string
}

// Document is one captured ShowDocument call.
type Document struct {
	Title string
	Body  string
}

// Fake is an in-memory editor.Host recording every interaction.
//
// Thread Safety: safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	ConfigValues map[string]string
	Root         string

	commands      map[string]editor.CommandHandler
	notifications []Notification
	documents     []Document
}

// NewFake returns an empty fake host.
func NewFake() *Fake {
	return &Fake{
		ConfigValues: make(map[string]string),
		commands:     make(map[string]editor.CommandHandler),
	}
}

// Config implements editor.Host.
func (f *Fake) Config(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ConfigValues[key]
}

// RegisterCommand implements editor.Host.
func (f *Fake) RegisterCommand(name string, handler editor.CommandHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands[name] = handler
}

// Notify implements editor.Host.
func (f *Fake) Notify(kind editor.NotifyKind, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, Notification{Kind: kind, Text: text})
}

// ShowDocument implements editor.Host.
func (f *Fake) ShowDocument(title, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documents = append(f.documents, Document{Title: title, Body: body})
}

// WorkspaceRoot implements editor.Host.
func (f *Fake) WorkspaceRoot() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Root
}

// Command returns the registered handler for name, or nil.
func (f *Fake) Command(name string) editor.CommandHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commands[name]
}

// Notifications returns a copy of all captured notifications.
func (f *Fake) Notifications() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Notification, len(f.notifications))
	copy(out, f.notifications)
	return out
}

// Documents returns a copy of all captured documents.
func (f *Fake) Documents() []Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Document, len(f.documents))
	copy(out, f.documents)
	return out
}
