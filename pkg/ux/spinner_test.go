// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"errors"
	"strings"
	"testing"
)

func TestSpinner_MachineModePrintsOnce(t *testing.T) {
	withLevel(t, PersonalityMachine)

	out := captureStdout(func() {
		s := NewSpinner("starting backend")
		s.Start()
		s.Stop()
	})
	if out != "PROGRESS: starting backend\n" {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestSpinner_StopIdempotent(t *testing.T) {
	withLevel(t, PersonalityMachine)

	s := NewSpinner("working")
	s.Start()
	s.Stop()
	s.Stop() // must not panic
}

func TestWithSpinner_Success(t *testing.T) {
	withLevel(t, PersonalityMachine)

	out := captureStdout(func() {
		err := WithSpinner("handshake", func() error { return nil })
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
	if !strings.Contains(out, "OK: handshake") {
		t.Errorf("expected success line, got %q", out)
	}
}

func TestWithSpinner_Error(t *testing.T) {
	withLevel(t, PersonalityMachine)

	boom := errors.New("spawn failed")
	var err error
	captureStdout(func() {
		captureStderr(func() {
			err = WithSpinner("handshake", func() error { return boom })
		})
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped error, got %v", err)
	}
}
