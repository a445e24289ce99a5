// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func frame(body string) string {
	return fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
}

func TestChannel_Send(t *testing.T) {
	t.Run("writes Content-Length header and body", func(t *testing.T) {
		var buf bytes.Buffer
		ch := New(nil, &buf)

		if err := ch.Send([]byte(`{"jsonrpc":"2.0"}`)); err != nil {
			t.Fatalf("Send: %v", err)
		}

		out := buf.String()
		if !strings.HasPrefix(out, "Content-Length: 17\r\n\r\n") {
			t.Errorf("bad framing: %q", out)
		}
		if !strings.HasSuffix(out, `{"jsonrpc":"2.0"}`) {
			t.Errorf("missing body: %q", out)
		}
	})

	t.Run("fails after close with closed kind", func(t *testing.T) {
		var buf bytes.Buffer
		ch := New(nil, &buf)
		_ = ch.Close()

		err := ch.Send([]byte("x"))
		var terr *Error
		if !errors.As(err, &terr) || terr.Kind != KindClosed {
			t.Fatalf("expected KindClosed, got %v", err)
		}
	})
}

func TestChannel_Recv(t *testing.T) {
	t.Run("reads a single frame", func(t *testing.T) {
		r := strings.NewReader(frame(`{"id":1}`))
		ch := New(r, io.Discard)

		body, err := ch.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if string(body) != `{"id":1}` {
			t.Errorf("body = %q", body)
		}
	})

	t.Run("reads multiple frames and ignores extra headers", func(t *testing.T) {
		// Content-Type before Content-Length belongs to the first
		// frame's header block and must be skipped.
		input := "Content-Type: application/json\r\n" + frame(`{"id":1}`) + frame(`{"id":2}`)
		ch := New(strings.NewReader(input), io.Discard)

		first, err := ch.Recv()
		if err != nil {
			t.Fatalf("first Recv: %v", err)
		}
		if string(first) != `{"id":1}` {
			t.Errorf("first = %q", first)
		}
		second, err := ch.Recv()
		if err != nil {
			t.Fatalf("second Recv: %v", err)
		}
		if string(second) != `{"id":2}` {
			t.Errorf("second = %q", second)
		}
	})

	t.Run("EOF is a terminal io failure", func(t *testing.T) {
		ch := New(strings.NewReader(""), io.Discard)

		_, err := ch.Recv()
		var terr *Error
		if !errors.As(err, &terr) || terr.Kind != KindIOFailure {
			t.Fatalf("expected KindIOFailure, got %v", err)
		}

		// Every later call fails the same way.
		_, err2 := ch.Recv()
		if !errors.As(err2, &terr) || terr.Kind != KindIOFailure {
			t.Fatalf("expected sticky KindIOFailure, got %v", err2)
		}
		if err3 := ch.Send([]byte("x")); !errors.As(err3, &terr) {
			t.Fatalf("Send after failure should fail, got %v", err3)
		}
	})

	t.Run("truncated body is a terminal failure", func(t *testing.T) {
		ch := New(strings.NewReader("Content-Length: 100\r\n\r\n{}"), io.Discard)
		_, err := ch.Recv()
		var terr *Error
		if !errors.As(err, &terr) || terr.Kind != KindIOFailure {
			t.Fatalf("expected KindIOFailure, got %v", err)
		}
	})

	t.Run("zero Content-Length is rejected", func(t *testing.T) {
		ch := New(strings.NewReader("\r\n\r\n"), io.Discard)
		if _, err := ch.Recv(); err == nil {
			t.Fatal("expected error for missing Content-Length")
		}
	})
}

type recordingCloser struct{ closed int }

func (r *recordingCloser) Close() error { r.closed++; return nil }

func TestChannel_Close(t *testing.T) {
	t.Run("closes attached closers", func(t *testing.T) {
		rc := &recordingCloser{}
		ch := New(strings.NewReader(""), io.Discard, rc)
		_ = ch.Close()
		if rc.closed == 0 {
			t.Error("closer not closed")
		}
		if !ch.Closed() {
			t.Error("Closed() = false after Close")
		}
	})

	t.Run("close while reader blocked surfaces closed kind", func(t *testing.T) {
		pr, pw := io.Pipe()
		ch := New(pr, io.Discard, pr)

		done := make(chan error, 1)
		go func() {
			_, err := ch.Recv()
			done <- err
		}()

		_ = ch.Close()
		_ = pw.CloseWithError(io.ErrClosedPipe)

		err := <-done
		var terr *Error
		if !errors.As(err, &terr) || terr.Kind != KindClosed {
			t.Fatalf("expected KindClosed after local close, got %v", err)
		}
	})
}
