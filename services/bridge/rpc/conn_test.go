// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/sqlbridge/services/bridge/transport"
)

// peerMsg is the peer-side view of a frame sent by the Conn.
type peerMsg struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newPair wires a Conn to a scripted peer over in-memory pipes and starts
// the Conn's read loop.
func newPair(t *testing.T) (*Conn, *transport.Channel) {
	t.Helper()
	connRead, peerWrite := io.Pipe()
	peerRead, connWrite := io.Pipe()

	conn := NewConn(transport.New(connRead, connWrite, connRead, connWrite), quietLogger())
	peer := transport.New(peerRead, peerWrite, peerRead, peerWrite)

	go func() { _ = conn.Run(context.Background()) }()
	t.Cleanup(func() {
		conn.Close()
		_ = peer.Close()
	})
	return conn, peer
}

func peerRecv(t *testing.T, peer *transport.Channel) peerMsg {
	t.Helper()
	frame, err := peer.Recv()
	if err != nil {
		t.Fatalf("peer recv: %v", err)
	}
	var msg peerMsg
	if err := json.Unmarshal(frame, &msg); err != nil {
		t.Fatalf("peer unmarshal: %v", err)
	}
	return msg
}

func peerSend(t *testing.T, peer *transport.Channel, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("peer marshal: %v", err)
	}
	if err := peer.Send(payload); err != nil {
		t.Fatalf("peer send: %v", err)
	}
}

func TestConn_CallRoundTrip(t *testing.T) {
	conn, peer := newPair(t)

	go func() {
		req := peerRecv(t, peer)
		peerSend(t, peer, map[string]any{
			"jsonrpc": Version,
			"id":      json.RawMessage(req.ID),
			"result":  map[string]string{"status": "ok"},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := conn.Call(ctx, "bridge/render", map[string]string{"model": "orders"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got["status"] != "ok" {
		t.Errorf("result = %v", got)
	}
}

func TestConn_PeerError(t *testing.T) {
	conn, peer := newPair(t)

	go func() {
		req := peerRecv(t, peer)
		peerSend(t, peer, map[string]any{
			"jsonrpc": Version,
			"id":      json.RawMessage(req.ID),
			"error":   map[string]any{"code": CodeInvalidParams, "message": "bad model name"},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := conn.Call(ctx, "bridge/render", nil)
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if !rerr.IsInvalidParams() || rerr.Message != "bad model name" {
		t.Errorf("unexpected error: %+v", rerr)
	}
}

func TestConn_OutOfOrderResponses(t *testing.T) {
	conn, peer := newPair(t)

	// Peer answers the two requests in reverse order, echoing the id into
	// the result so the test can verify correlation.
	go func() {
		first := peerRecv(t, peer)
		second := peerRecv(t, peer)
		for _, req := range []peerMsg{second, first} {
			peerSend(t, peer, map[string]any{
				"jsonrpc": Version,
				"id":      json.RawMessage(req.ID),
				"result":  map[string]string{"echo": string(req.ID)},
			})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type outcome struct {
		echo string
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := conn.Call(ctx, "bridge/format", nil)
			if err != nil {
				t.Errorf("Call: %v", err)
				return
			}
			var got map[string]string
			_ = json.Unmarshal(raw, &got)
			results <- outcome{echo: got["echo"]}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[string]bool{}
	for r := range results {
		if r.echo == "" {
			t.Fatal("missing echo in result")
		}
		if seen[r.echo] {
			t.Errorf("response %q delivered to two callers", r.echo)
		}
		seen[r.echo] = true
	}
}

func TestConn_CorrelationIDsUnique(t *testing.T) {
	conn, peer := newPair(t)

	const n = 24
	idsCh := make(chan string, n)
	go func() {
		for i := 0; i < n; i++ {
			req := peerRecv(t, peer)
			idsCh <- string(req.ID)
			peerSend(t, peer, map[string]any{
				"jsonrpc": Version,
				"id":      json.RawMessage(req.ID),
				"result":  true,
			})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := conn.Call(ctx, "bridge/ping", nil); err != nil {
				t.Errorf("Call: %v", err)
			}
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		id := <-idsCh
		if seen[id] {
			t.Fatalf("correlation id %s reused", id)
		}
		seen[id] = true
	}
}

func TestConn_UnknownResponseIDDropped(t *testing.T) {
	conn, peer := newPair(t)

	go func() {
		req := peerRecv(t, peer)
		// Unmatched response first: must be dropped, not fatal.
		peerSend(t, peer, map[string]any{
			"jsonrpc": Version,
			"id":      99999,
			"result":  "orphan",
		})
		peerSend(t, peer, map[string]any{
			"jsonrpc": Version,
			"id":      json.RawMessage(req.ID),
			"result":  "real",
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := conn.Call(ctx, "bridge/ping", nil)
	if err != nil {
		t.Fatalf("Call after orphan response: %v", err)
	}
	if string(raw) != `"real"` {
		t.Errorf("result = %s", raw)
	}
}

func TestConn_AbortFailsPending(t *testing.T) {
	conn, peer := newPair(t)

	started := make(chan struct{})
	go func() {
		_, _ = peer.Recv() // swallow the request, never answer
		close(started)
	}()

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "bridge/slow", nil)
		errCh <- err
	}()

	<-started
	conn.Abort(ErrSessionRestarted)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSessionRestarted) {
			t.Fatalf("expected ErrSessionRestarted, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not failed by Abort")
	}

	// Later calls fail fast with the same reason.
	if _, err := conn.Call(context.Background(), "bridge/ping", nil); !errors.Is(err, ErrSessionRestarted) {
		t.Fatalf("expected fast failure after abort, got %v", err)
	}
}

func TestConn_Deadline(t *testing.T) {
	conn, peer := newPair(t)

	go func() { _, _ = peer.Recv() }() // read but never answer

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := conn.Call(ctx, "bridge/slow", nil)
	if !errors.Is(err, ErrDeadline) {
		t.Fatalf("expected ErrDeadline, got %v", err)
	}
}

func TestConn_ServerInitiatedRequest(t *testing.T) {
	conn, peer := newPair(t)

	conn.Subscribe("workspace/configuration", func(_ context.Context, params json.RawMessage) (any, error) {
		return map[string]string{"projectPath": "/repo"}, nil
	})

	// The peer uses a string id; the reply must echo it verbatim.
	peerSend(t, peer, map[string]any{
		"jsonrpc": Version,
		"id":      "srv-1",
		"method":  "workspace/configuration",
	})

	resp := peerRecv(t, peer)
	if string(resp.ID) != `"srv-1"` {
		t.Errorf("reply id = %s", resp.ID)
	}
	var result map[string]string
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if result["projectPath"] != "/repo" {
		t.Errorf("reply result = %v", result)
	}
}

func TestConn_ServerRequestNoSubscriber(t *testing.T) {
	conn, peer := newPair(t)
	_ = conn

	peerSend(t, peer, map[string]any{
		"jsonrpc": Version,
		"id":      7,
		"method":  "bridge/unknown",
	})

	resp := peerRecv(t, peer)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected method-not-found reply, got %+v", resp)
	}
}

func TestConn_NotificationSubscriberOrder(t *testing.T) {
	conn, peer := newPair(t)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	for _, name := range []string{"first", "second", "third"} {
		name := name
		conn.Subscribe("lineage/update", func(_ context.Context, _ json.RawMessage) (any, error) {
			mu.Lock()
			order = append(order, name)
			if len(order) == 3 {
				close(done)
			}
			mu.Unlock()
			return nil, nil
		})
	}

	peerSend(t, peer, map[string]any{
		"jsonrpc": Version,
		"method":  "lineage/update",
		"params":  map[string]int{"version": 1},
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subscribers not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(order) != "[first second third]" {
		t.Errorf("subscriber order = %v", order)
	}
}

func TestConn_Notify(t *testing.T) {
	conn, peer := newPair(t)

	go func() {
		if err := conn.Notify("textDocument/didSave", map[string]string{"uri": "file:///m.sql"}); err != nil {
			t.Errorf("Notify: %v", err)
		}
	}()

	msg := peerRecv(t, peer)
	if msg.Method != "textDocument/didSave" {
		t.Errorf("method = %q", msg.Method)
	}
	if len(msg.ID) != 0 {
		t.Errorf("notification carried id %s", msg.ID)
	}
}
