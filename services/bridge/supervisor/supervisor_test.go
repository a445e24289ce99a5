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
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/sqlbridge/services/bridge/rpc"
	"github.com/AleutianAI/sqlbridge/services/bridge/transport"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

// fakeProc is an in-memory backend process. The conn side is handed to
// the session; the peer side is driven by fakeLauncher.serve.
type fakeProc struct {
	ch     *transport.Channel
	peer   *transport.Channel
	toConn *io.PipeWriter

	stubborn bool // ignore stdio teardown, exit only on Kill
	done     chan struct{}
	endOnce  sync.Once
}

func (p *fakeProc) Channel() *transport.Channel { return p.ch }

func (p *fakeProc) Wait() error {
	<-p.done
	return nil
}

func (p *fakeProc) Kill() error {
	p.exit()
	return nil
}

// exit marks the process as terminated and releases both pipe ends.
func (p *fakeProc) exit() {
	p.endOnce.Do(func() {
		_ = p.peer.Close()
		_ = p.ch.Close()
		close(p.done)
	})
}

// crash simulates an unexpected process death: the conn side sees EOF.
func (p *fakeProc) crash() {
	_ = p.toConn.Close()
}

// fakeLauncher scripts backend processes.
type fakeLauncher struct {
	mu           sync.Mutex
	procs        []*fakeProc
	failLaunches int  // fail this many upcoming launches
	failInit     bool // reject every initialize request
	failInits    int  // reject this many upcoming initialize requests
	pingOK       bool // answer $/ping
	stubborn     bool // spawned processes ignore stdio teardown
	seenIDs      []string
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{pingOK: true}
}

func (l *fakeLauncher) Launch(_ context.Context, _ LaunchConfig) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failLaunches != 0 {
		if l.failLaunches > 0 {
			l.failLaunches--
		}
		return nil, errors.New("spawn refused")
	}

	connRead, peerWrite := io.Pipe()
	peerRead, connWrite := io.Pipe()
	proc := &fakeProc{
		ch:       transport.New(connRead, connWrite, connRead, connWrite),
		peer:     transport.New(peerRead, peerWrite, peerRead, peerWrite),
		toConn:   peerWrite,
		stubborn: l.stubborn,
		done:     make(chan struct{}),
	}
	l.procs = append(l.procs, proc)
	go l.serve(proc)
	return proc, nil
}

func (l *fakeLauncher) latest() *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) ids() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.seenIDs))
	copy(out, l.seenIDs)
	return out
}

func (l *fakeLauncher) setPingOK(ok bool) {
	l.mu.Lock()
	l.pingOK = ok
	l.mu.Unlock()
}

// serve is the scripted backend loop for one process.
func (l *fakeLauncher) serve(proc *fakeProc) {
	stubborn := proc.stubborn
	if !stubborn {
		defer proc.exit()
	}

	reply := func(id json.RawMessage, result any, rerr map[string]any) {
		body := map[string]any{"jsonrpc": rpc.Version, "id": id}
		if rerr != nil {
			body["error"] = rerr
		} else {
			body["result"] = result
		}
		payload, _ := json.Marshal(body)
		_ = proc.peer.Send(payload)
	}

	for {
		frame, err := proc.peer.Recv()
		if err != nil {
			return
		}
		var msg struct {
			ID     json.RawMessage `json:"id,omitempty"`
			Method string          `json:"method,omitempty"`
			Params json.RawMessage `json:"params,omitempty"`
		}
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}
		if len(msg.ID) > 0 {
			l.mu.Lock()
			l.seenIDs = append(l.seenIDs, string(msg.ID))
			l.mu.Unlock()
		}

		switch msg.Method {
		case methodInitialize:
			l.mu.Lock()
			fail := l.failInit
			if l.failInits > 0 {
				l.failInits--
				fail = true
			}
			l.mu.Unlock()
			if fail {
				reply(msg.ID, nil, map[string]any{"code": -32603, "message": "init refused"})
			} else {
				reply(msg.ID, map[string]any{"capabilities": map[string]any{}}, nil)
			}
		case methodInitialized:
			// notification, nothing to do
		case methodPing:
			l.mu.Lock()
			ok := l.pingOK
			l.mu.Unlock()
			if ok {
				reply(msg.ID, "pong", nil)
			}
		case methodShutdown:
			reply(msg.ID, nil, nil)
		case methodExit:
			if !stubborn {
				return
			}
		case "bridge/echo":
			reply(msg.ID, msg.Params, nil)
		case "bridge/slow":
			// never answers
		default:
			if len(msg.ID) > 0 {
				reply(msg.ID, map[string]any{}, nil)
			}
		}
	}
}

// recordingEvents captures lifecycle signals.
type recordingEvents struct {
	mu          sync.Mutex
	transitions []string
	failures    chan error
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{failures: make(chan error, 8)}
}

func (e *recordingEvents) StateChanged(_ string, from, to State) {
	e.mu.Lock()
	e.transitions = append(e.transitions, from.String()+">"+to.String())
	e.mu.Unlock()
}

func (e *recordingEvents) PersistentFailure(_ string, err error) {
	e.failures <- err
}

func (e *recordingEvents) saw(transition string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tr := range e.transitions {
		if tr == transition {
			return true
		}
	}
	return false
}

// =============================================================================
// HELPERS
// =============================================================================

func testOptions() Options {
	return Options{
		HandshakeTimeout:  2 * time.Second,
		ShutdownGrace:     200 * time.Millisecond,
		HealthInterval:    time.Hour, // health loop quiet unless a test tunes it
		HealthMisses:      2,
		RestartBackoff:    10 * time.Millisecond,
		RestartBackoffCap: 50 * time.Millisecond,
		MaxRestarts:       2,
		CallTimeout:       2 * time.Second,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =============================================================================
// TESTS
// =============================================================================

func TestSupervisor_StartAndCall(t *testing.T) {
	launcher := newFakeLauncher()
	sv := New(testOptions(), launcher, nil, quietLogger())

	s, err := sv.Start(context.Background(), "/ws/alpha", LaunchConfig{Command: "sqlmesh-lsp"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("state = %s, want ready", s.State())
	}

	raw, err := s.Call(context.Background(), "bridge/echo", map[string]string{"msg": "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var got map[string]string
	_ = json.Unmarshal(raw, &got)
	if got["msg"] != "hi" {
		t.Errorf("echo = %v", got)
	}

	sv.Shutdown(context.Background())
}

func TestSupervisor_HandshakeFailure(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.failInit = true
	events := newRecordingEvents()
	sv := New(testOptions(), launcher, events, quietLogger())

	s, err := sv.Start(context.Background(), "/ws/alpha", LaunchConfig{Command: "sqlmesh-lsp"})
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected ErrHandshakeFailed, got %v", err)
	}
	if s.State() != StateCrashed {
		t.Errorf("state = %s, want crashed", s.State())
	}
	select {
	case <-events.failures:
	case <-time.After(time.Second):
		t.Error("startup failure not surfaced")
	}
}

func TestSupervisor_StartReplacesPriorSession(t *testing.T) {
	launcher := newFakeLauncher()
	sv := New(testOptions(), launcher, nil, quietLogger())

	first, err := sv.Start(context.Background(), "/ws/alpha", LaunchConfig{Command: "sqlmesh-lsp"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	pendingErr := make(chan error, 1)
	go func() {
		_, err := first.Call(context.Background(), "bridge/slow", nil)
		pendingErr <- err
	}()
	waitFor(t, "slow request to reach backend", func() bool {
		return len(launcher.ids()) >= 2 // initialize + slow
	})

	second, err := sv.Start(context.Background(), "/ws/alpha", LaunchConfig{Command: "sqlmesh-lsp"})
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if second == first {
		t.Fatal("Start did not create a fresh session")
	}
	if first.State() != StateStopped {
		t.Errorf("prior session state = %s, want stopped", first.State())
	}

	select {
	case err := <-pendingErr:
		if !errors.Is(err, ErrSessionReplaced) {
			t.Fatalf("pending call error = %v, want ErrSessionReplaced", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not failed by replacement")
	}

	sv.Shutdown(context.Background())
}

func TestSupervisor_RestartFailsPendingAndKeepsIDsFresh(t *testing.T) {
	launcher := newFakeLauncher()
	sv := New(testOptions(), launcher, nil, quietLogger())

	s, err := sv.Start(context.Background(), "/ws/alpha", LaunchConfig{Command: "sqlmesh-lsp"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	pendingErr := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "bridge/slow", nil)
		pendingErr <- err
	}()
	waitFor(t, "slow request to reach backend", func() bool {
		return len(launcher.ids()) >= 2
	})

	if _, err := sv.Restart(context.Background(), "/ws/alpha"); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	select {
	case err := <-pendingErr:
		if !errors.Is(err, rpc.ErrSessionRestarted) {
			t.Fatalf("pending call error = %v, want ErrSessionRestarted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not failed by restart")
	}

	if s.RestartCount() == 0 {
		t.Error("restart count not incremented")
	}

	// The restarted backend must keep working and must never see a
	// correlation id that the old process already used.
	if _, err := s.Call(context.Background(), "bridge/echo", "x"); err != nil {
		t.Fatalf("Call after restart: %v", err)
	}
	seen := map[string]int{}
	for _, id := range launcher.ids() {
		seen[id]++
		if seen[id] > 1 {
			t.Fatalf("correlation id %s reused across restart", id)
		}
	}

	sv.Shutdown(context.Background())
}

func TestSupervisor_StopGraceful(t *testing.T) {
	launcher := newFakeLauncher()
	sv := New(testOptions(), launcher, nil, quietLogger())

	s, err := sv.Start(context.Background(), "/ws/alpha", LaunchConfig{Command: "sqlmesh-lsp"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := sv.Stop(context.Background(), "/ws/alpha"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("state = %s, want stopped", s.State())
	}

	// Terminal: calls fail, double stop is a no-op.
	if _, err := s.Call(context.Background(), "bridge/echo", nil); !errors.Is(err, ErrSessionNotReady) {
		t.Errorf("Call on stopped session = %v, want ErrSessionNotReady", err)
	}
	if err := sv.Stop(context.Background(), "/ws/alpha"); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestSupervisor_StopForceKillsStubbornBackend(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.stubborn = true
	sv := New(testOptions(), launcher, nil, quietLogger())

	s, err := sv.Start(context.Background(), "/ws/alpha", LaunchConfig{Command: "sqlmesh-lsp"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = sv.Stop(context.Background(), "/ws/alpha")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not terminate a stubborn backend")
	}
	if s.State() != StateStopped {
		t.Errorf("state = %s, want stopped", s.State())
	}
}

func TestSupervisor_CrashRecovery(t *testing.T) {
	launcher := newFakeLauncher()
	events := newRecordingEvents()
	sv := New(testOptions(), launcher, events, quietLogger())

	s, err := sv.Start(context.Background(), "/ws/alpha", LaunchConfig{Command: "sqlmesh-lsp"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	launcher.latest().crash()

	waitFor(t, "automatic restart to ready", func() bool {
		return s.State() == StateReady && s.RestartCount() >= 1
	})

	if !events.saw("ready>degraded") || !events.saw("degraded>crashed") {
		t.Errorf("missing crash transitions: %v", events.transitions)
	}
	if launcher.launchCount() < 2 {
		t.Errorf("launch count = %d, want >= 2", launcher.launchCount())
	}

	// The replacement backend serves requests.
	if _, err := s.Call(context.Background(), "bridge/echo", "back"); err != nil {
		t.Fatalf("Call after recovery: %v", err)
	}

	sv.Shutdown(context.Background())
}

func TestSupervisor_FailedRestartAttemptKeepsIDsFresh(t *testing.T) {
	launcher := newFakeLauncher()
	sv := New(testOptions(), launcher, nil, quietLogger())

	s, err := sv.Start(context.Background(), "/ws/alpha", LaunchConfig{Command: "sqlmesh-lsp"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Advance the correlation ids past the handshake.
	if _, err := s.Call(context.Background(), "bridge/echo", "one"); err != nil {
		t.Fatalf("Call: %v", err)
	}

	// Crash, then have the first relaunch refuse the handshake so recovery
	// needs a second backoff attempt.
	launcher.mu.Lock()
	launcher.failInits = 1
	launcher.mu.Unlock()
	launcher.latest().crash()

	waitFor(t, "recovery through a failed attempt", func() bool {
		return s.State() == StateReady && s.RestartCount() >= 2
	})
	if _, err := s.Call(context.Background(), "bridge/echo", "two"); err != nil {
		t.Fatalf("Call after recovery: %v", err)
	}

	// Every process this session ever spoke to, including the one whose
	// handshake was refused, must have seen each correlation id once.
	seen := map[string]int{}
	for _, id := range launcher.ids() {
		seen[id]++
		if seen[id] > 1 {
			t.Fatalf("correlation id %s used %d times within one session", id, seen[id])
		}
	}

	sv.Shutdown(context.Background())
}

func TestSession_StaleWatcherDoesNotRestartReplacement(t *testing.T) {
	launcher := newFakeLauncher()
	events := newRecordingEvents()
	sv := New(testOptions(), launcher, events, quietLogger())

	s, err := sv.Start(context.Background(), "/ws/alpha", LaunchConfig{Command: "sqlmesh-lsp"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.mu.RLock()
	oldConn := s.conn
	s.mu.RUnlock()

	if _, err := sv.Restart(context.Background(), "/ws/alpha"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	launches := launcher.launchCount()

	// Replay the old connection's death notification as a watcher
	// goroutine scheduled only after the replacement was installed would
	// see it: the connection is dead and the session no longer owns it.
	s.watch(oldConn)

	if s.State() != StateReady {
		t.Fatalf("state = %s, want ready", s.State())
	}
	if got := launcher.launchCount(); got != launches {
		t.Fatalf("launch count = %d, want %d: stale watcher spawned a duplicate backend", got, launches)
	}
	if events.saw("ready>degraded") {
		t.Errorf("stale watcher drove spurious transitions: %v", events.transitions)
	}

	if _, err := s.Call(context.Background(), "bridge/echo", "still here"); err != nil {
		t.Fatalf("Call on replacement: %v", err)
	}

	sv.Shutdown(context.Background())
}

func TestSupervisor_ReplacementTeardownDoesNotBlockOtherRoots(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.stubborn = true
	sv := New(testOptions(), launcher, nil, quietLogger())

	if _, err := sv.Start(context.Background(), "/ws/alpha", LaunchConfig{Command: "sqlmesh-lsp"}); err != nil {
		t.Fatalf("Start alpha: %v", err)
	}
	if _, err := sv.Start(context.Background(), "/ws/beta", LaunchConfig{Command: "sqlmesh-lsp"}); err != nil {
		t.Fatalf("Start beta: %v", err)
	}

	// Replacing alpha tears down a stubborn backend, which holds the
	// session for the full shutdown grace before the force kill.
	replaced := make(chan struct{})
	go func() {
		_, _ = sv.Start(context.Background(), "/ws/alpha", LaunchConfig{Command: "sqlmesh-lsp"})
		close(replaced)
	}()

	// Let the replacement reach the prior session's teardown, then verify
	// lookups for the other root answer while it runs. The stubborn
	// backend holds teardown for the full 200ms grace; an unrelated
	// lookup must not wait behind it.
	time.Sleep(20 * time.Millisecond)
	begin := time.Now()
	if _, err := sv.Session("/ws/beta"); err != nil {
		t.Fatalf("Session beta: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 100*time.Millisecond {
		t.Fatalf("registry lookup stalled %v behind another root's teardown", elapsed)
	}

	select {
	case <-replaced:
	case <-time.After(5 * time.Second):
		t.Fatal("replacement Start never finished")
	}

	sv.Shutdown(context.Background())
}

func TestSupervisor_RestartsExhausted(t *testing.T) {
	launcher := newFakeLauncher()
	events := newRecordingEvents()
	sv := New(testOptions(), launcher, events, quietLogger())

	s, err := sv.Start(context.Background(), "/ws/alpha", LaunchConfig{Command: "sqlmesh-lsp"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Every relaunch fails from now on.
	launcher.mu.Lock()
	launcher.failLaunches = -1
	launcher.mu.Unlock()

	launcher.latest().crash()

	select {
	case err := <-events.failures:
		if !errors.Is(err, ErrRestartsExhausted) {
			t.Fatalf("persistent failure = %v, want ErrRestartsExhausted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exhausted restarts not surfaced")
	}
	if s.State() != StateCrashed {
		t.Errorf("state = %s, want crashed", s.State())
	}
}

func TestSession_HealthDegradesAndRecovers(t *testing.T) {
	launcher := newFakeLauncher()
	opts := testOptions()
	opts.HealthInterval = 30 * time.Millisecond
	sv := New(opts, launcher, nil, quietLogger())

	s, err := sv.Start(context.Background(), "/ws/alpha", LaunchConfig{Command: "sqlmesh-lsp"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	launcher.setPingOK(false)
	waitFor(t, "missed pings to degrade session", func() bool {
		return s.State() == StateDegraded
	})

	launcher.setPingOK(true)
	waitFor(t, "recovery ping to restore session", func() bool {
		return s.State() == StateReady
	})

	sv.Shutdown(context.Background())
}

type staticToken struct {
	token string
	err   error
}

func (s staticToken) AccessToken(context.Context) (string, error) {
	return s.token, s.err
}

func TestSession_CallAuthed(t *testing.T) {
	launcher := newFakeLauncher()
	sv := New(testOptions(), launcher, nil, quietLogger())

	s, err := sv.Start(context.Background(), "/ws/alpha", LaunchConfig{Command: "sqlmesh-lsp"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	t.Run("token failure aborts before transport", func(t *testing.T) {
		before := len(launcher.ids())
		_, err := s.CallAuthed(context.Background(), staticToken{err: errors.New("signed out")},
			"bridge/render", nil)
		if !errors.Is(err, ErrAuth) {
			t.Fatalf("expected ErrAuth, got %v", err)
		}
		if len(launcher.ids()) != before {
			t.Error("call reached the transport despite auth failure")
		}
	})

	t.Run("token injected into params", func(t *testing.T) {
		raw, err := s.CallAuthed(context.Background(), staticToken{token: "tok-123"},
			"bridge/echo", map[string]any{"model": "orders"})
		if err != nil {
			t.Fatalf("CallAuthed: %v", err)
		}
		var got map[string]any
		_ = json.Unmarshal(raw, &got)
		if got["authorization"] != "Bearer tok-123" {
			t.Errorf("authorization = %v", got["authorization"])
		}
		if got["model"] != "orders" {
			t.Errorf("model param lost: %v", got)
		}
	})

	sv.Shutdown(context.Background())
}

func TestSupervisor_UnknownRoot(t *testing.T) {
	sv := New(testOptions(), newFakeLauncher(), nil, quietLogger())
	if _, err := sv.Session("/nope"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Session = %v, want ErrNoSession", err)
	}
	if err := sv.Stop(context.Background(), "/nope"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Stop = %v, want ErrNoSession", err)
	}
	if _, err := sv.Restart(context.Background(), "/nope"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Restart = %v, want ErrNoSession", err)
	}
}
