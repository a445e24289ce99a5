// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package view bridges lineage panels to the backend.
//
// A Bridge owns any number of panel Channels. Panel-originated action
// requests are forwarded as RPC calls against the live session; the
// response comes back to the originating panel as exactly one envelope
// carrying that panel's id. Backend lineage notifications are broadcast to
// every open panel as versioned pushes, with stale snapshot versions
// dropped.
//
// Closing a panel cancels only that panel's in-flight requests, and only
// client-side: backend work already started completes and its result is
// discarded.
package view

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/sqlbridge/services/bridge/rpc"
)

// DefaultPanelTimeout bounds each forwarded panel request.
const DefaultPanelTimeout = 30 * time.Second

// MethodLineageUpdate is the backend notification method carrying lineage
// snapshot deltas. Subscribe NotificationHandler under this method.
const MethodLineageUpdate = "sqlmesh/lineage_update"

// Caller issues RPC calls against the backend. The supervisor session
// implements it.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Panel is the concrete surface a Channel talks to: a websocket in
// production, a recorder in tests. Send must be safe for concurrent use.
type Panel interface {
	Send(env Envelope) error
	Close() error
}

// PanelFactory builds the panel surface for a new channel. The factory
// receives the assigned panel id and the function the panel must invoke for
// every message it receives from its client side.
type PanelFactory func(id string, inbound func(Envelope)) (Panel, error)

// DefaultActions maps panel actions onto backend RPC methods.
func DefaultActions() map[string]string {
	return map[string]string{
		"render_model": "sqlmesh/render_model",
		"get_lineage":  "sqlmesh/get_lineage",
		"get_models":   "sqlmesh/get_models",
		"get_columns":  "sqlmesh/get_column_lineage",
	}
}

// Config assembles a Bridge.
type Config struct {
	// Caller is the backend call surface. Required.
	Caller Caller

	// Actions maps panel actions to RPC methods. Nil takes
	// DefaultActions.
	Actions map[string]string

	// RequestTimeout bounds each forwarded request. Zero takes
	// DefaultPanelTimeout.
	RequestTimeout time.Duration

	// Logger receives bridge events.
	Logger *slog.Logger
}

// Bridge routes between panels and the backend.
//
// Thread Safety: safe for concurrent use.
type Bridge struct {
	caller  Caller
	actions map[string]string
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewBridge creates a Bridge.
func NewBridge(cfg Config) *Bridge {
	if cfg.Actions == nil {
		cfg.Actions = DefaultActions()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultPanelTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		caller:   cfg.Caller,
		actions:  cfg.Actions,
		timeout:  cfg.RequestTimeout,
		logger:   cfg.Logger.With(slog.String("component", "view")),
		channels: make(map[string]*Channel),
	}
}

// Open creates a channel with a fresh panel id and builds its panel surface
// through factory.
func (b *Bridge) Open(factory PanelFactory) (*Channel, error) {
	ch := &Channel{
		id:      uuid.New().String(),
		bridge:  b,
		pending: make(map[string]context.CancelFunc),
	}
	panel, err := factory(ch.id, ch.handleInbound)
	if err != nil {
		return nil, err
	}
	ch.panel = panel

	b.mu.Lock()
	b.channels[ch.id] = ch
	b.mu.Unlock()

	b.logger.Debug("panel channel opened", "panel", ch.id)
	recordPanelOpen(context.Background())
	return ch, nil
}

// Broadcast pushes a versioned state update to every open panel.
func (b *Bridge) Broadcast(action string, version uint64, payload json.RawMessage) {
	b.mu.Lock()
	all := make([]*Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		all = append(all, ch)
	}
	b.mu.Unlock()

	for _, ch := range all {
		ch.Push(action, version, payload)
	}
}

// NotificationHandler returns the handler to subscribe on the session for
// backend lineage notifications. The payload carries a snapshot version and
// graph delta which are fanned out to all open panels.
func (b *Bridge) NotificationHandler() rpc.Handler {
	return func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Action  string          `json:"action"`
			Version uint64          `json:"version"`
			Graph   json.RawMessage `json:"graph"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			b.logger.Warn("malformed lineage notification", "error", err)
			return nil, nil
		}
		if p.Action == "" {
			p.Action = "state_update"
		}
		b.Broadcast(p.Action, p.Version, p.Graph)
		return nil, nil
	}
}

// Channels returns the number of open panels.
func (b *Bridge) Channels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

// CloseAll closes every open panel.
func (b *Bridge) CloseAll() {
	b.mu.Lock()
	all := make([]*Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		all = append(all, ch)
	}
	b.mu.Unlock()

	for _, ch := range all {
		ch.Close()
	}
}

func (b *Bridge) remove(id string) {
	b.mu.Lock()
	delete(b.channels, id)
	b.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Channel
// -----------------------------------------------------------------------------

// Channel is the bridge's view of one open panel: a panel-scoped pending
// request set and the highest snapshot version delivered so far.
//
// Thread Safety: safe for concurrent use.
type Channel struct {
	id     string
	bridge *Bridge
	panel  Panel

	mu      sync.Mutex
	pending map[string]context.CancelFunc
	version uint64
	closed  bool
}

// ID returns the panel id.
func (c *Channel) ID() string { return c.id }

// handleInbound receives one envelope from the panel side. Requests are
// forwarded on their own goroutine so a slow backend call never stalls the
// panel's read loop.
func (c *Channel) handleInbound(env Envelope) {
	if env.Kind != KindRequest {
		c.bridge.logger.Debug("dropping non-request envelope from panel",
			"panel", c.id, "kind", env.Kind)
		return
	}
	go c.forward(env)
}

// forward issues the RPC for one panel request and sends back exactly one
// response envelope, unless the channel closed in the meantime.
func (c *Channel) forward(env Envelope) {
	method, ok := c.bridge.actions[env.Action]
	if !ok {
		c.send(Envelope{
			Kind:   KindResponse,
			ID:     env.ID,
			Action: env.Action,
			Panel:  c.id,
			Error:  "unknown panel action: " + env.Action,
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.bridge.timeout)
	defer cancel()
	if !c.track(env.ID, cancel) {
		return // channel already closed
	}
	defer c.untrack(env.ID)

	recordPanelRequest(ctx, env.Action)
	result, err := c.bridge.caller.Call(ctx, method, env.Payload)
	if err != nil {
		c.bridge.logger.Warn("panel request failed",
			"panel", c.id, "action", env.Action, "error", err)
		c.send(Envelope{
			Kind:   KindResponse,
			ID:     env.ID,
			Action: env.Action,
			Panel:  c.id,
			Error:  err.Error(),
		})
		return
	}
	c.send(Envelope{
		Kind:    KindResponse,
		ID:      env.ID,
		Action:  env.Action,
		Panel:   c.id,
		Payload: result,
	})
}

// Push delivers a versioned state update to the panel. Stale versions
// (at or below the last delivered one) are dropped; version zero means
// unversioned and always delivers. Reports whether the update was sent.
func (c *Channel) Push(action string, version uint64, payload json.RawMessage) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if version != 0 {
		if version <= c.version {
			c.mu.Unlock()
			recordStaleDrop(context.Background())
			return false
		}
		c.version = version
	}
	c.mu.Unlock()

	c.send(Envelope{
		Kind:    KindPush,
		Action:  action,
		Panel:   c.id,
		Version: version,
		Payload: payload,
	})
	return true
}

// Close tears the channel down: cancels the panel's pending requests
// (client-side only), closes the panel surface, and deregisters. Responses
// for calls that still complete are discarded. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancels := make([]context.CancelFunc, 0, len(c.pending))
	for _, cancel := range c.pending {
		cancels = append(cancels, cancel)
	}
	c.pending = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	_ = c.panel.Close()
	c.bridge.remove(c.id)
	c.bridge.logger.Debug("panel channel closed", "panel", c.id)
}

// track registers a pending request cancel. Reports false when the channel
// is already closed.
func (c *Channel) track(id string, cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.pending[id] = cancel
	return true
}

func (c *Channel) untrack(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		delete(c.pending, id)
	}
}

// send writes one envelope to the panel unless the channel has closed.
func (c *Channel) send(env Envelope) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if err := c.panel.Send(env); err != nil {
		c.bridge.logger.Warn("panel send failed", "panel", c.id, "error", err)
	}
}
