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
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/sqlbridge/pkg/ux"
)

// statusCmd reports the effective configuration and sign-in state without
// starting the backend.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show effective configuration and sign-in state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, err := newApp(ctx)
	if err != nil {
		ux.Error(err.Error())
		return err
	}
	defer app.close()

	ux.Title("sqlbridge")
	ux.KeyValue("config", configPath)
	ux.KeyValue("workspace", app.root)
	ux.KeyValue("backend", strings.TrimSpace(app.cfg.Backend.Command+" "+strings.Join(app.cfg.Backend.Args, " ")))
	ux.KeyValue("handshake timeout", time.Duration(app.cfg.Backend.HandshakeTimeout).String())
	ux.KeyValue("max restarts", strconv.Itoa(app.cfg.Backend.MaxRestarts))
	ux.KeyValue("provider", app.cfg.Auth.Provider)
	if app.auth.SignedIn() {
		ux.StatusLine(ux.IconSuccess, "signed in", app.auth.Account())
	} else {
		ux.StatusLine(ux.IconPending, "signed out", "")
	}
	return nil
}
