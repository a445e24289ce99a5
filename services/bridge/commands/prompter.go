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
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/AleutianAI/sqlbridge/pkg/editor"
)

// EditorPrompter surfaces sign-in flow interactions through the editor and
// the local browser. It implements auth.Prompter.
type EditorPrompter struct {
	Host editor.Host
}

// VerificationPrompt tells the user where to enter the device code. The
// code is short-lived pairing data, not a credential.
func (p *EditorPrompter) VerificationPrompt(uri, code string) {
	p.Host.Notify(editor.NotifyInfo,
		fmt.Sprintf("To sign in, visit %s and enter code %s", uri, code))
}

// OpenURL opens the provider consent page in the default browser.
func (p *EditorPrompter) OpenURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	// Detach; the browser outlives the sign-in flow.
	go func() { _ = cmd.Wait() }()
	return nil
}

// CanOpenURL reports whether a local browser is plausibly reachable.
// Headless Linux sessions (no display server) fall back to the device-code
// flow.
func (p *EditorPrompter) CanOpenURL() bool {
	switch runtime.GOOS {
	case "darwin", "windows":
		return true
	default:
		return os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != ""
	}
}
