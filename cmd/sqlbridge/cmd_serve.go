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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/sqlbridge/pkg/ux"
)

// serveCmd runs the full bridge for one workspace: the supervised backend,
// the lineage panel host, and the project-config watcher, until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge for the current workspace",
	Long: `Starts the SQLMesh language-server backend for the workspace, hosts the
lineage panel websocket endpoint, and restarts the backend automatically on
crashes or project config changes. Runs until interrupted.

Examples:
  sqlbridge serve                      # Bridge the current directory
  sqlbridge serve --workspace ~/wh     # Bridge an explicit project root`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx)
	if err != nil {
		ux.Error(err.Error())
		return err
	}
	defer app.close()

	if err := ux.WithSpinner("starting SQLMesh backend", func() error {
		return app.activate(ctx)
	}); err != nil {
		return err
	}

	if err := app.panelHost.Start(); err != nil {
		ux.Error("panel host failed to start: " + err.Error())
		return err
	}
	ux.KeyValue("workspace", app.root)
	ux.KeyValue("panel", "ws://"+app.panelHost.Addr()+"/panel")
	if app.auth.SignedIn() {
		ux.KeyValue("account", app.auth.Account())
	} else {
		ux.KeyValue("account", "signed out")
	}

	if app.watcher != nil {
		go app.watcher.Start(ctx)
	}

	<-ctx.Done()
	ux.Muted("shutting down")
	return nil
}
