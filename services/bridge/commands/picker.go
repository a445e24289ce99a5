// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/sqlbridge/services/bridge/auth"
)

// TerminalPicker asks the user to choose a sign-in flow with an interactive
// select when stdin is a terminal, and takes the preferred (first) flow
// otherwise. It implements FlowPicker.
type TerminalPicker struct{}

// Pick implements FlowPicker.
func (TerminalPicker) Pick(ctx context.Context, flows []string) (string, error) {
	if len(flows) == 0 {
		return "", auth.ErrFlowUnavailable
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return flows[0], nil
	}

	choice := flows[0]
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Sign-in method").
			Options(huh.NewOptions(flows...)...).
			Value(&choice),
	))
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", auth.ErrFlowCancelled
		}
		return "", fmt.Errorf("flow selection: %w", err)
	}
	return choice, nil
}

// StaticPicker always picks a fixed flow. Used by tests and scripted runs.
type StaticPicker struct {
	Flow string
	Err  error
}

// Pick implements FlowPicker.
func (p StaticPicker) Pick(context.Context, []string) (string, error) {
	return p.Flow, p.Err
}
