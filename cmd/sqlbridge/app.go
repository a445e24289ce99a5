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
	"os"
	"time"

	"github.com/AleutianAI/sqlbridge/pkg/logging"
	"github.com/AleutianAI/sqlbridge/services/bridge/auth"
	"github.com/AleutianAI/sqlbridge/services/bridge/commands"
	"github.com/AleutianAI/sqlbridge/services/bridge/config"
	"github.com/AleutianAI/sqlbridge/services/bridge/supervisor"
	"github.com/AleutianAI/sqlbridge/services/bridge/telemetry"
	"github.com/AleutianAI/sqlbridge/services/bridge/view"
)

// shutdownGrace bounds teardown of the backend and panel host on exit.
const shutdownGrace = 5 * time.Second

// app wires the full bridge stack for one workspace: config, logging,
// telemetry, backend supervision, auth, the lineage panel host, and the
// command dispatcher.
type app struct {
	cfg    *config.Config
	root   string
	logger *logging.Logger

	host       *cliHost
	supervisor *supervisor.Supervisor
	store      *auth.BadgerStore
	auth       *auth.Manager
	bridge     *view.Bridge
	panelHost  *view.Host
	dispatcher *commands.Dispatcher
	watcher    *config.ProjectWatcher

	stopTelemetry func(context.Context) error
}

// newApp builds the stack from the loaded configuration. Nothing is started
// yet; callers activate the pieces they need.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	ws := workspaceRoot
	if ws == "" {
		if ws, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("determine workspace root: %w", err)
		}
	}
	root := cfg.ResolveRoot(ws)

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: "sqlbridge",
		JSON:    cfg.Log.JSON,
	})
	slogger := logger.Slog()

	stopTelemetry, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	host := newCLIHost(cfg, root)

	notifier := &commands.Notifier{Host: host, Logger: slogger}
	sup := supervisor.New(cfg.SupervisorOptions(), supervisor.ExecLauncher{}, notifier, slogger)

	store, err := auth.OpenStore(cfg.CredentialDir(), slogger)
	if err != nil {
		stopTelemetry(ctx)
		logger.Close()
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	mgr, err := auth.NewManager(auth.Config{
		Provider:      cfg.Auth.Provider,
		OAuth:         cfg.OAuthConfig(),
		Prompter:      &commands.EditorPrompter{Host: host},
		Store:         store,
		RefreshMargin: time.Duration(cfg.Auth.RefreshMargin),
		Logger:        slogger,
	})
	if err != nil {
		store.Close()
		stopTelemetry(ctx)
		logger.Close()
		return nil, fmt.Errorf("init auth: %w", err)
	}

	backend := &commands.SupervisorBackend{
		Supervisor: sup,
		Root:       root,
		Launch:     cfg.LaunchConfig(root),
	}

	bridge := view.NewBridge(view.Config{
		Caller:         backend,
		RequestTimeout: time.Duration(cfg.Backend.CallTimeout),
		Logger:         slogger,
	})
	panelHost := view.NewHost(bridge, cfg.Panel.Addr, slogger)

	dispatcher := commands.New(commands.Config{
		Host:    host,
		Backend: backend,
		Auth:    mgr,
		Panels:  bridge,
		Picker:  commands.TerminalPicker{},
		Logger:  slogger,
	})
	dispatcher.Register()

	watcher, err := config.NewProjectWatcher(root, func(path string) {
		rctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Backend.HandshakeTimeout))
		defer cancel()
		if _, err := sup.Restart(rctx, root); err != nil {
			slogger.Warn("restart after config change failed", "error", err)
		}
	}, slogger)
	if err != nil {
		slogger.Warn("project config watching unavailable", "error", err)
	}

	return &app{
		cfg:           cfg,
		root:          root,
		logger:        logger,
		host:          host,
		supervisor:    sup,
		store:         store,
		auth:          mgr,
		bridge:        bridge,
		panelHost:     panelHost,
		dispatcher:    dispatcher,
		watcher:       watcher,
		stopTelemetry: stopTelemetry,
	}, nil
}

// activate starts the backend session and subscribes the lineage bridge to
// its push notifications.
func (a *app) activate(ctx context.Context) error {
	if err := a.dispatcher.Activate(ctx); err != nil {
		return err
	}
	session, err := a.supervisor.Session(a.root)
	if err != nil {
		return err
	}
	session.Subscribe(view.MethodLineageUpdate, a.bridge.NotificationHandler())
	return nil
}

// close tears the stack down in reverse dependency order.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if a.watcher != nil {
		a.watcher.Close()
	}
	a.panelHost.Shutdown(ctx)
	a.supervisor.Shutdown(ctx)
	a.auth.Close()
	a.store.Close()
	a.stopTelemetry(ctx)
	a.logger.Close()
}
