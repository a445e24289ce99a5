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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/sqlbridge/services/bridge/rpc"
)

// Backend lifecycle methods. Everything else the backend serves is opaque
// to the supervisor and flows through Call.
const (
	methodInitialize  = "initialize"
	methodInitialized = "initialized"
	methodShutdown    = "shutdown"
	methodExit        = "exit"
	methodPing        = "$/ping"
)

// initializeParams is the handshake payload sent to a fresh backend.
type initializeParams struct {
	ProcessID  int    `json:"processId"`
	RootPath   string `json:"rootPath"`
	ClientName string `json:"clientName"`
	SessionID  string `json:"sessionId"`
}

// TokenSource supplies the current bearer credential for calls flagged as
// requiring authentication. The auth manager implements it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// subscription is a handler registration replayed onto every connection
// the session creates, so subscribers survive restarts.
type subscription struct {
	method  string
	handler rpc.Handler
}

// Session is one logical connection to the backend for one workspace
// root. It survives process restarts: the underlying connection is
// replaced, the Session identity, registered subscribers, and the
// correlation-id high-water mark are not.
//
// Thread Safety: safe for concurrent use.
type Session struct {
	root      string
	id        string
	createdAt time.Time

	opts     Options
	launcher Launcher
	launch   LaunchConfig
	events   Events
	logger   *slog.Logger

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu           sync.RWMutex
	state        State
	conn         *rpc.Conn
	proc         Process
	procDone     chan struct{}
	restartCount int
	idBase       int64
	subs         []subscription
	stopping     bool
}

func newSession(root string, launch LaunchConfig, opts Options, launcher Launcher, events Events, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		root:       root,
		id:         uuid.New().String(),
		createdAt:  time.Now(),
		opts:       opts,
		launcher:   launcher,
		launch:     launch,
		events:     events,
		logger:     logger.With(slog.String("component", "supervisor"), slog.String("workspace", root)),
		lifeCtx:    ctx,
		lifeCancel: cancel,
		state:      StateStarting,
	}
}

// Root returns the workspace root this session serves.
func (s *Session) Root() string { return s.root }

// ID returns the session's stable identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// RestartCount returns how many times the backend process was replaced.
func (s *Session) RestartCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restartCount
}

// setState transitions the state and reports the change.
func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	if from == to {
		return
	}
	s.logger.Info("session state changed", "from", from.String(), "to", to.String())
	recordStateChange(context.Background(), from, to)
	s.events.StateChanged(s.root, from, to)
}

// Subscribe registers a handler for backend-initiated traffic on method.
// Registrations survive restarts.
func (s *Session) Subscribe(method string, h rpc.Handler) {
	s.mu.Lock()
	s.subs = append(s.subs, subscription{method: method, handler: h})
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Subscribe(method, h)
	}
}

// start spawns the backend, performs the handshake, and moves the session
// to ready. On any failure the session lands in crashed with a reported
// error, never silently ready.
func (s *Session) start(ctx context.Context) error {
	s.setState(StateStarting)

	proc, err := s.launcher.Launch(s.lifeCtx, s.launch)
	if err != nil {
		s.setState(StateCrashed)
		return fmt.Errorf("spawn backend: %w", err)
	}
	recordSpawn(ctx)

	s.mu.RLock()
	base := s.idBase
	s.mu.RUnlock()
	conn := rpc.NewConn(proc.Channel(), s.logger, rpc.WithIDBase(base))

	s.mu.Lock()
	for _, sub := range s.subs {
		conn.Subscribe(sub.method, sub.handler)
	}
	s.conn = conn
	s.proc = proc
	s.procDone = make(chan struct{})
	s.stopping = false
	procDone := s.procDone
	s.mu.Unlock()

	go func() { _ = conn.Run(s.lifeCtx) }()
	go func() {
		_ = proc.Wait()
		close(procDone)
	}()

	if err := s.handshake(ctx, conn); err != nil {
		conn.Abort(rpc.ErrConnClosed)
		_ = proc.Kill()
		s.recordIDBase(conn)
		s.setState(StateCrashed)
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	s.setState(StateReady)
	go s.watch(conn)
	go s.healthLoop(conn)
	return nil
}

// handshake runs the initialize exchange under the configured timeout.
func (s *Session) handshake(ctx context.Context, conn *rpc.Conn) error {
	hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	_, err := conn.Call(hctx, methodInitialize, initializeParams{
		ProcessID:  os.Getpid(),
		RootPath:   s.root,
		ClientName: "sqlbridge",
		SessionID:  s.id,
	})
	if err != nil {
		return err
	}
	return conn.Notify(methodInitialized, struct{}{})
}

// recordIDBase advances the correlation-id high-water mark to cover every
// id the given connection issued. Monotonic: a late report from an already
// replaced connection can never lower the mark.
func (s *Session) recordIDBase(conn *rpc.Conn) {
	s.mu.Lock()
	if last := conn.LastID(); last > s.idBase {
		s.idBase = last
	}
	s.mu.Unlock()
}

// watch waits for the connection to die and drives crash recovery.
func (s *Session) watch(conn *rpc.Conn) {
	<-conn.Done()

	// The check is connection-scoped: if this conn is no longer the
	// session's current one, its death was part of a replacement and
	// recovery belongs to whoever owns the current conn. Both s.conn and
	// s.stopping are updated inside one critical section in start, so
	// there is no window where a stale watcher sees a fresh session.
	s.mu.Lock()
	deliberate := s.stopping || s.conn != conn
	s.mu.Unlock()
	s.recordIDBase(conn)

	if deliberate {
		return
	}

	// Transport loss while serving: degrade, then mark crashed.
	s.setState(StateDegraded)
	s.setState(StateCrashed)
	s.logger.Warn("backend connection lost", "reason", conn.Err())
	s.restartWithBackoff()
}

// restartWithBackoff retries start with exponential backoff up to the
// configured cap. After exhaustion the session stays crashed and a
// persistent failure is surfaced for manual restart.
func (s *Session) restartWithBackoff() {
	delay := s.opts.RestartBackoff
	for attempt := 1; attempt <= s.opts.MaxRestarts; attempt++ {
		select {
		case <-s.lifeCtx.Done():
			return
		case <-time.After(delay):
		}

		s.mu.Lock()
		s.restartCount++
		s.mu.Unlock()
		recordRestart(context.Background(), "automatic")

		s.logger.Info("automatic restart", "attempt", attempt, "max", s.opts.MaxRestarts)
		err := s.start(s.lifeCtx)
		if err == nil {
			return
		}
		s.logger.Warn("automatic restart failed", "attempt", attempt, "error", err)

		delay *= 2
		if delay > s.opts.RestartBackoffCap {
			delay = s.opts.RestartBackoffCap
		}
	}

	s.logger.Error("automatic restarts exhausted; manual restart required")
	s.events.PersistentFailure(s.root, ErrRestartsExhausted)
}

// healthLoop pings the backend and drives ready<->degraded transitions.
// It exits when the connection dies; crash handling belongs to watch.
func (s *Session) healthLoop(conn *rpc.Conn) {
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-conn.Done():
			return
		case <-s.lifeCtx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(s.lifeCtx, s.opts.HealthInterval/2)
		_, err := conn.Call(ctx, methodPing, nil)
		cancel()

		if err != nil {
			if conn.Err() != nil {
				return
			}
			misses++
			if misses >= s.opts.HealthMisses && s.State() == StateReady {
				s.logger.Warn("health checks failing", "misses", misses)
				s.setState(StateDegraded)
			}
			continue
		}

		misses = 0
		if s.State() == StateDegraded {
			s.logger.Info("health restored")
			s.setState(StateReady)
		}
	}
}

// shutdownBackend tears down the current process: a graceful shutdown
// request when the session is serving, then a bounded wait, then a kill.
// All pending requests fail with reason.
func (s *Session) shutdownBackend(ctx context.Context, reason error) {
	s.mu.Lock()
	s.stopping = true
	conn := s.conn
	proc := s.proc
	procDone := s.procDone
	state := s.state
	s.mu.Unlock()

	if conn == nil {
		return
	}

	if state == StateReady || state == StateDegraded {
		gctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownGrace)
		_, _ = conn.Call(gctx, methodShutdown, nil)
		_ = conn.Notify(methodExit, nil)
		cancel()
	}

	conn.Abort(reason)
	s.recordIDBase(conn)

	if proc != nil {
		select {
		case <-procDone:
		case <-time.After(s.opts.ShutdownGrace):
			_ = proc.Kill()
			<-procDone
		}
	}
}

// stop is the explicit terminal stop.
func (s *Session) stop(ctx context.Context, reason error) {
	s.shutdownBackend(ctx, reason)
	s.setState(StateStopped)
	s.lifeCancel()
}

// restart replaces the backend process in place. Pending requests fail
// with a restarted condition before new requests are accepted.
func (s *Session) restart(ctx context.Context) error {
	s.shutdownBackend(ctx, rpc.ErrSessionRestarted)

	s.mu.Lock()
	s.restartCount++
	s.mu.Unlock()
	recordRestart(ctx, "manual")

	return s.start(ctx)
}

// liveConn snapshots the current connection for a call. Calls that
// captured a connection before a restart fail naturally with that
// connection's teardown reason; they are never redirected.
func (s *Session) liveConn() (*rpc.Conn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case StateReady, StateDegraded:
		if s.conn == nil {
			return nil, ErrSessionNotReady
		}
		return s.conn, nil
	default:
		return nil, fmt.Errorf("%w: session is %s", ErrSessionNotReady, s.state)
	}
}

// Call issues an RPC on the session's current connection, applying the
// default call deadline when ctx has none.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	conn, err := s.liveConn()
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
	}
	return conn.Call(ctx, method, params)
}

// Notify sends a fire-and-forget notification on the current connection.
func (s *Session) Notify(method string, params any) error {
	conn, err := s.liveConn()
	if err != nil {
		return err
	}
	return conn.Notify(method, params)
}

// CallAuthed injects the current bearer credential into params before the
// call. When no valid token is available the call is aborted before it
// reaches the transport and the failure is an auth error, not a transport
// error.
func (s *Session) CallAuthed(ctx context.Context, ts TokenSource, method string, params map[string]any) (json.RawMessage, error) {
	token, err := ts.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if params == nil {
		params = make(map[string]any)
	}
	params["authorization"] = "Bearer " + token
	return s.Call(ctx, method, params)
}
