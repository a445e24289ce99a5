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
	"errors"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/sqlbridge/pkg/ux"
	"github.com/AleutianAI/sqlbridge/services/bridge/auth"
)

var signinFlow string

// signinCmd signs in to Tobiko Cloud without starting the backend. The
// resulting credential is stored and picked up by later serve/exec runs.
var signinCmd = &cobra.Command{
	Use:   "signin",
	Short: "Sign in to Tobiko Cloud",
	Long: `Authenticates against the configured identity provider and stores the
credential for later runs.

Examples:
  sqlbridge signin                     # Browser redirect flow when available
  sqlbridge signin --flow device-code  # Force the device-code flow`,
	RunE: runSignin,
}

// signoutCmd discards the stored credential.
var signoutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Sign out and discard the stored credential",
	RunE:  runSignout,
}

func init() {
	signinCmd.Flags().StringVar(&signinFlow, "flow", "",
		"Sign-in flow: redirect or device-code (default: auto-select)")
}

func runSignin(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, err := newApp(ctx)
	if err != nil {
		ux.Error(err.Error())
		return err
	}
	defer app.close()

	if app.auth.SignedIn() {
		ux.Info("already signed in as " + app.auth.Account())
		return nil
	}

	if err := app.auth.SignIn(ctx, signinFlow); err != nil {
		switch {
		case errors.Is(err, auth.ErrFlowCancelled):
			ux.Warning("sign-in cancelled")
		case errors.Is(err, auth.ErrFlowUnavailable):
			ux.Error("no sign-in flow is available in this environment")
		default:
			ux.Error("sign-in failed: " + err.Error())
		}
		return err
	}

	ux.Success("signed in as " + app.auth.Account())
	return nil
}

func runSignout(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, err := newApp(ctx)
	if err != nil {
		ux.Error(err.Error())
		return err
	}
	defer app.close()

	if err := app.auth.SignOut(ctx); err != nil {
		ux.Error("sign-out failed: " + err.Error())
		return err
	}
	ux.Success("signed out")
	return nil
}
