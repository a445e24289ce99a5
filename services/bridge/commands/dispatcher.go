// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package commands maps user-invoked editor actions onto the bridge
// components. Every handler converts component failures into user-visible
// notifications with a human-readable summary; failures never escape to the
// editor as raw errors.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/AleutianAI/sqlbridge/pkg/editor"
	"github.com/AleutianAI/sqlbridge/services/bridge/auth"
	"github.com/AleutianAI/sqlbridge/services/bridge/rpc"
	"github.com/AleutianAI/sqlbridge/services/bridge/supervisor"
)

// Palette command names.
const (
	CmdFormat           = "sqlbridge.format"
	CmdRestart          = "sqlbridge.restart"
	CmdStop             = "sqlbridge.stop"
	CmdSignIn           = "sqlbridge.signin"
	CmdSignInFlow       = "sqlbridge.signinSpecifyFlow"
	CmdSignOut          = "sqlbridge.signout"
	CmdRenderModel      = "sqlbridge.renderModel"
	CmdPrintEnvironment = "sqlbridge.printEnvironment"
)

// Backend RPC methods the dispatcher drives.
const (
	methodFormatProject = "sqlmesh/format_project"
	methodRenderModel   = "sqlmesh/render_model"
	methodEnvironment   = "sqlmesh/environment"
)

// Backend is the dispatcher's view of the supervised session for the
// current workspace. SupervisorBackend is the production implementation.
type Backend interface {
	Start(ctx context.Context) error
	Restart(ctx context.Context) error
	Stop(ctx context.Context) error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	CallAuthed(ctx context.Context, ts supervisor.TokenSource, method string, params map[string]any) (json.RawMessage, error)
	State() supervisor.State
}

// AuthService is the dispatcher's view of the auth manager.
type AuthService interface {
	SignIn(ctx context.Context, flowPreference string) error
	SignOut(ctx context.Context) error
	Flows(ctx context.Context) []string
	Account() string
	SignedIn() bool
	AccessToken(ctx context.Context) (string, error)
}

// Panels is the dispatcher's view of the lineage panel bridge.
type Panels interface {
	Channels() int
	Broadcast(action string, version uint64, payload json.RawMessage)
}

// FlowPicker chooses a sign-in flow from the available ones.
type FlowPicker interface {
	Pick(ctx context.Context, flows []string) (string, error)
}

// Config assembles a Dispatcher.
type Config struct {
	Host    editor.Host
	Backend Backend
	Auth    AuthService
	Panels  Panels
	Picker  FlowPicker
	Logger  *slog.Logger
}

// Dispatcher binds palette commands to bridge operations.
//
// Thread Safety: safe for concurrent use; handlers may run in parallel.
type Dispatcher struct {
	host    editor.Host
	backend Backend
	auth    AuthService
	panels  Panels
	picker  FlowPicker
	logger  *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		host:    cfg.Host,
		backend: cfg.Backend,
		auth:    cfg.Auth,
		panels:  cfg.Panels,
		picker:  cfg.Picker,
		logger:  cfg.Logger.With(slog.String("component", "commands")),
	}
}

// Register binds every palette command on the host.
func (d *Dispatcher) Register() {
	d.host.RegisterCommand(CmdFormat, d.Format)
	d.host.RegisterCommand(CmdRestart, d.Restart)
	d.host.RegisterCommand(CmdStop, d.Stop)
	d.host.RegisterCommand(CmdSignIn, d.SignIn)
	d.host.RegisterCommand(CmdSignInFlow, d.SignInSpecifyFlow)
	d.host.RegisterCommand(CmdSignOut, d.SignOut)
	d.host.RegisterCommand(CmdRenderModel, d.RenderModel)
	d.host.RegisterCommand(CmdPrintEnvironment, d.PrintEnvironment)
}

// Activate starts the backend for the workspace. Used on extension
// activation, before any command runs.
func (d *Dispatcher) Activate(ctx context.Context) error {
	if err := d.backend.Start(ctx); err != nil {
		d.fail("SQLMesh backend failed to start", err)
		return err
	}
	return nil
}

// Format formats the project through the backend.
func (d *Dispatcher) Format(ctx context.Context) error {
	if _, err := d.backend.Call(ctx, methodFormatProject, nil); err != nil {
		d.fail("Project format failed", err)
		return nil
	}
	d.host.Notify(editor.NotifyInfo, "Project formatted.")
	return nil
}

// Restart replaces the backend process.
func (d *Dispatcher) Restart(ctx context.Context) error {
	if err := d.backend.Restart(ctx); err != nil {
		d.fail("Backend restart failed", err)
		return nil
	}
	d.host.Notify(editor.NotifyInfo, "SQLMesh backend restarted.")
	return nil
}

// Stop stops the backend for this workspace.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if err := d.backend.Stop(ctx); err != nil {
		d.fail("Backend stop failed", err)
		return nil
	}
	d.host.Notify(editor.NotifyInfo, "SQLMesh backend stopped.")
	return nil
}

// SignIn runs the best available sign-in flow.
func (d *Dispatcher) SignIn(ctx context.Context) error {
	d.signIn(ctx, "")
	return nil
}

// SignInSpecifyFlow lets the user pick the sign-in flow explicitly.
func (d *Dispatcher) SignInSpecifyFlow(ctx context.Context) error {
	flows := d.auth.Flows(ctx)
	if len(flows) == 0 {
		d.host.Notify(editor.NotifyError, "No sign-in method can run in this environment.")
		return nil
	}
	flow, err := d.picker.Pick(ctx, flows)
	if err != nil {
		d.fail("Sign-in cancelled", err)
		return nil
	}
	d.signIn(ctx, flow)
	return nil
}

func (d *Dispatcher) signIn(ctx context.Context, flow string) {
	if err := d.auth.SignIn(ctx, flow); err != nil {
		d.fail("Sign-in failed", err)
		return
	}
	account := d.auth.Account()
	if account == "" {
		d.host.Notify(editor.NotifyInfo, "Signed in.")
		return
	}
	d.host.Notify(editor.NotifyInfo, "Signed in as "+account+".")
}

// SignOut discards the credential. Idempotent.
func (d *Dispatcher) SignOut(ctx context.Context) error {
	if err := d.auth.SignOut(ctx); err != nil {
		d.fail("Sign-out failed", err)
		return nil
	}
	d.host.Notify(editor.NotifyInfo, "Signed out.")
	return nil
}

// RenderModel renders the active model through an authenticated call. The
// result lands in the lineage panel when one is open, otherwise in a plain
// read-only document.
func (d *Dispatcher) RenderModel(ctx context.Context) error {
	model := d.host.Config("activeModel")
	params := map[string]any{}
	if model != "" {
		params["model"] = model
	}

	result, err := d.backend.CallAuthed(ctx, d.auth, methodRenderModel, params)
	if err != nil {
		d.fail("Model render failed", err)
		return nil
	}

	if d.panels != nil && d.panels.Channels() > 0 {
		d.panels.Broadcast("render_result", 0, result)
		return nil
	}

	title := "Rendered model"
	if model != "" {
		title = "Rendered: " + model
	}
	d.host.ShowDocument(title, prettyJSON(result))
	return nil
}

// PrintEnvironment shows the backend environment listing read-only.
func (d *Dispatcher) PrintEnvironment(ctx context.Context) error {
	result, err := d.backend.Call(ctx, methodEnvironment, nil)
	if err != nil {
		d.fail("Could not read backend environment", err)
		return nil
	}
	d.host.ShowDocument("SQLMesh environment", prettyJSON(result))
	return nil
}

// fail surfaces a failure as a notification with a readable summary.
func (d *Dispatcher) fail(summary string, err error) {
	d.logger.Warn(summary, "error", err)
	d.host.Notify(editor.NotifyError, summary+": "+summarize(err))
}

// summarize turns component sentinels into phrasing a user can act on.
func summarize(err error) string {
	switch {
	case errors.Is(err, supervisor.ErrSessionNotReady),
		errors.Is(err, supervisor.ErrNoSession):
		return "the SQLMesh backend is not running (try Restart)"
	case errors.Is(err, supervisor.ErrRestartsExhausted):
		return "the backend crashed repeatedly and needs a manual restart"
	case errors.Is(err, supervisor.ErrHandshakeFailed):
		return "the backend did not complete startup"
	case errors.Is(err, supervisor.ErrAuth),
		errors.Is(err, auth.ErrNotSignedIn),
		errors.Is(err, auth.ErrReauthRequired):
		return "sign in to Tobiko Cloud first"
	case errors.Is(err, auth.ErrSignInInProgress):
		return "a sign-in is already in progress"
	case errors.Is(err, auth.ErrFlowUnavailable):
		return "that sign-in method cannot run here"
	case errors.Is(err, auth.ErrFlowCancelled):
		return "the sign-in was cancelled"
	case errors.Is(err, rpc.ErrSessionRestarted):
		return "the backend restarted while the request was in flight (try again)"
	case errors.Is(err, rpc.ErrDeadline):
		return "the backend took too long to respond"
	case errors.Is(err, context.Canceled):
		return "the operation was cancelled"
	default:
		return err.Error()
	}
}

// prettyJSON renders a payload for the read-only document surface.
func prettyJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	// Bare string payloads (rendered SQL) display as-is.
	if s, ok := v.(string); ok {
		return s
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}
