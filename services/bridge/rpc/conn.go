// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rpc implements the JSON-RPC 2.0 multiplexer between the bridge
// and one backend process.
//
// A Conn rides on a transport.Channel for the lifetime of one session.
// Outbound requests are matched to responses by correlation id; the peer
// may also issue its own requests and notifications, which are dispatched
// to subscribers registered by method name. One dispatch table serves both
// directions.
//
// # Correlation ids
//
// Ids are allocated from a monotonic counter owned by the Conn. A Conn is
// never reused across session restarts, so an id is unique for the life of
// its session by construction.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Run must be driven by
// exactly one goroutine.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/sqlbridge/services/bridge/transport"
)

// Version is the JSON-RPC protocol version.
const Version = "2.0"

// Handler processes one peer-initiated request or notification. For
// notifications the return value is discarded. For requests the first
// subscriber's return value is serialized back to the peer.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// =============================================================================
// WIRE TYPES
// =============================================================================

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// incoming is the union shape of everything the peer can send.
type incoming struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type callResult struct {
	payload json.RawMessage
	err     error
}

// =============================================================================
// CONN
// =============================================================================

// Conn multiplexes JSON-RPC traffic over one transport channel.
type Conn struct {
	ch     *transport.Channel
	logger *slog.Logger

	nextID    atomic.Int64
	pending   map[int64]chan callResult
	pendingMu sync.Mutex

	subsMu sync.RWMutex
	subs   map[string][]Handler

	abortOnce sync.Once
	aborted   chan struct{}
	reasonMu  sync.Mutex
	reason    error
}

// Option configures a Conn at construction time.
type Option func(*Conn)

// WithIDBase seeds the correlation-id counter. The supervisor carries the
// last id across restarts so that ids are never reused within one
// session's lifetime, even though each restart gets a fresh Conn.
func WithIDBase(base int64) Option {
	return func(c *Conn) { c.nextID.Store(base) }
}

// NewConn creates a multiplexer over ch. The caller must drive Run in its
// own goroutine before issuing calls that expect responses.
func NewConn(ch *transport.Channel, logger *slog.Logger, opts ...Option) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		ch:      ch,
		logger:  logger.With(slog.String("component", "rpc")),
		pending: make(map[int64]chan callResult),
		subs:    make(map[string][]Handler),
		aborted: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LastID returns the highest correlation id allocated so far.
func (c *Conn) LastID() int64 { return c.nextID.Load() }

// Call sends a request and suspends the caller until the matching response
// arrives, the context deadline elapses, or the connection is torn down.
//
// Errors:
//   - *Error for peer-reported failures (never retried here; retry policy
//     belongs to the caller)
//   - ErrDeadline when ctx expires first
//   - ErrConnClosed / ErrSessionRestarted when the connection is torn down
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if err := c.Err(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "rpc.call")
	defer span.End()
	start := time.Now()

	id := c.nextID.Add(1)
	respCh := make(chan callResult, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := request{JSONRPC: Version, ID: &id, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		recordRequest(ctx, method, "marshal_error", start)
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := c.ch.Send(payload); err != nil {
		recordRequest(ctx, method, "send_error", start)
		return nil, c.mapTransportErr(err)
	}

	select {
	case <-ctx.Done():
		recordRequest(ctx, method, "deadline", start)
		return nil, fmt.Errorf("%w: %s: %v", ErrDeadline, method, ctx.Err())
	case <-c.aborted:
		recordRequest(ctx, method, "aborted", start)
		return nil, c.Err()
	case res := <-respCh:
		if res.err != nil {
			recordRequest(ctx, method, "error", start)
			return nil, res.err
		}
		recordRequest(ctx, method, "ok", start)
		return res.payload, nil
	}
}

// Notify sends a fire-and-forget notification. No pending request is
// created and no response is expected.
func (c *Conn) Notify(method string, params any) error {
	if err := c.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(request{JSONRPC: Version, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := c.ch.Send(payload); err != nil {
		return c.mapTransportErr(err)
	}
	return nil
}

// Subscribe registers a handler for peer-initiated traffic on method.
// Multiple subscribers per method are invoked in registration order.
func (c *Conn) Subscribe(method string, h Handler) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs[method] = append(c.subs[method], h)
}

// Run reads frames until the transport fails or ctx is cancelled, and
// dispatches them. It always tears the connection down before returning,
// failing every pending request.
func (c *Conn) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.Abort(ErrConnClosed)
			return ctx.Err()
		default:
		}

		frame, err := c.ch.Recv()
		if err != nil {
			c.Abort(c.mapTransportErr(err))
			return err
		}
		c.dispatch(ctx, frame)
	}
}

// Abort tears the connection down with the given reason. Every pending
// request resolves with reason; later calls fail fast with it. Idempotent;
// the first reason wins.
func (c *Conn) Abort(reason error) {
	if reason == nil {
		reason = ErrConnClosed
	}
	c.abortOnce.Do(func() {
		c.reasonMu.Lock()
		c.reason = reason
		c.reasonMu.Unlock()

		_ = c.ch.Close()

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			select {
			case ch <- callResult{err: reason}:
			default:
			}
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()

		close(c.aborted)
	})
}

// Close tears the connection down with ErrConnClosed.
func (c *Conn) Close() {
	c.Abort(ErrConnClosed)
}

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.aborted }

// Err returns the teardown reason, or nil while the connection is live.
func (c *Conn) Err() error {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	return c.reason
}

// =============================================================================
// INBOUND DISPATCH
// =============================================================================

// dispatch routes one inbound frame. Responses resolve pending requests on
// the read-loop goroutine; peer-initiated requests and notifications run
// their subscribers on a fresh goroutine so handlers may issue calls of
// their own without deadlocking the read loop.
func (c *Conn) dispatch(ctx context.Context, frame []byte) {
	var msg incoming
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.logger.Warn("protocol anomaly: unparseable frame", "error", err)
		recordAnomaly(ctx, "parse_error")
		return
	}

	switch {
	case msg.Method == "" && len(msg.ID) > 0:
		c.resolve(ctx, msg)
	case msg.Method != "" && len(msg.ID) > 0:
		go c.serveRequest(ctx, msg)
	case msg.Method != "":
		go c.serveNotification(ctx, msg)
	default:
		c.logger.Warn("protocol anomaly: frame with neither method nor id")
		recordAnomaly(ctx, "malformed")
	}
}

// resolve completes the pending request matching a response frame.
// Unknown correlation ids are dropped and logged, never fatal.
func (c *Conn) resolve(ctx context.Context, msg incoming) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		c.logger.Warn("protocol anomaly: non-numeric response id", "id", string(msg.ID))
		recordAnomaly(ctx, "bad_id")
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Warn("protocol anomaly: response for unknown id", "id", id)
		recordAnomaly(ctx, "unknown_id")
		return
	}

	res := callResult{payload: msg.Result}
	if msg.Error != nil {
		res = callResult{err: msg.Error}
	}
	select {
	case ch <- res:
	default:
	}
}

// serveRequest answers a peer-initiated request using the first subscriber
// for the method; remaining subscribers still observe the request.
func (c *Conn) serveRequest(ctx context.Context, msg incoming) {
	handlers := c.handlers(msg.Method)
	if len(handlers) == 0 {
		c.reply(msg.ID, nil, &Error{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("no subscriber for %q", msg.Method),
		})
		return
	}

	result, err := handlers[0](ctx, msg.Params)
	for _, h := range handlers[1:] {
		_, _ = h(ctx, msg.Params)
	}

	if err != nil {
		var rerr *Error
		if !errors.As(err, &rerr) {
			rerr = &Error{Code: CodeRequestFailed, Message: err.Error()}
		}
		c.reply(msg.ID, nil, rerr)
		return
	}
	c.reply(msg.ID, result, nil)
}

func (c *Conn) serveNotification(ctx context.Context, msg incoming) {
	for _, h := range c.handlers(msg.Method) {
		if _, err := h(ctx, msg.Params); err != nil {
			c.logger.Warn("notification handler failed",
				"method", msg.Method, "error", err)
		}
	}
}

func (c *Conn) handlers(method string) []Handler {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	hs := c.subs[method]
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out
}

// reply serializes a response frame using the id supplied by the peer.
func (c *Conn) reply(id json.RawMessage, result any, rerr *Error) {
	payload, err := json.Marshal(response{JSONRPC: Version, ID: id, Result: result, Error: rerr})
	if err != nil {
		c.logger.Error("marshal response", "error", err)
		return
	}
	if err := c.ch.Send(payload); err != nil {
		c.logger.Warn("send response", "error", err)
	}
}

// mapTransportErr converts a transport failure into the caller-facing
// condition: a local close is a closed connection, everything else keeps
// the transport error visible.
func (c *Conn) mapTransportErr(err error) error {
	if reason := c.Err(); reason != nil {
		return reason
	}
	var terr *transport.Error
	if errors.As(err, &terr) && terr.Kind == transport.KindClosed {
		return ErrConnClosed
	}
	return err
}
