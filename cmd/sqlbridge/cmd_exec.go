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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/sqlbridge/pkg/ux"
)

var execList bool

// execCmd runs a single palette command against a one-shot backend session
// and exits. Useful for scripting and for editor integrations that shell
// out instead of embedding.
var execCmd = &cobra.Command{
	Use:   "exec [command]",
	Short: "Run one bridge command and exit",
	Long: `Starts the backend, runs the named palette command, and shuts down.

Examples:
  sqlbridge exec sqlbridge.format            # Format the project
  sqlbridge exec sqlbridge.renderModel       # Render the active model
  sqlbridge exec sqlbridge.printEnvironment  # Show backend environment
  sqlbridge exec --list                      # List available commands`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().BoolVar(&execList, "list", false, "List available commands")
}

func runExec(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, err := newApp(ctx)
	if err != nil {
		ux.Error(err.Error())
		return err
	}
	defer app.close()

	if execList || len(args) == 0 {
		for _, name := range app.host.CommandNames() {
			ux.Info(name)
		}
		return nil
	}

	if err := app.activate(ctx); err != nil {
		return err
	}
	return app.host.Invoke(ctx, args[0])
}
