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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/sqlbridge/pkg/ux"
	"github.com/AleutianAI/sqlbridge/services/bridge/config"
)

// --- Global Command Variables ---
var (
	configPath       string // Path to the sqlbridge config file
	workspaceRoot    string // Workspace root override (defaults to cwd)
	personalityLevel string // UX personality level (standard/minimal/machine)

	rootCmd = &cobra.Command{
		Use:   "sqlbridge",
		Short: "Editor bridge for the SQLMesh language server and Tobiko Cloud",
		Long: `sqlbridge supervises a SQLMesh language-server backend for an editor
workspace: it spawns and restarts the backend, multiplexes JSON-RPC over
its stdio, manages Tobiko Cloud sign-in, and hosts the lineage panel.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(),
		"Path to the sqlbridge config file")
	rootCmd.PersistentFlags().StringVar(&workspaceRoot, "workspace", "",
		"Workspace root (defaults to the current directory)")
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: standard, minimal, or machine")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(signinCmd)
	rootCmd.AddCommand(signoutCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
