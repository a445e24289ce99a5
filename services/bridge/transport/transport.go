// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport implements the framed byte channel between the bridge
// and a backend language-server process.
//
// Frames follow the JSON-RPC base protocol used by language servers:
//
//	Content-Length: <n>\r\n
//	\r\n
//	<n bytes of JSON>
//
// The channel carries no business logic; correlation and dispatch live in
// the rpc package. A channel is bound to one process's stdio and is not
// restartable: any I/O failure or EOF moves it to a terminal closed state
// and every subsequent call fails with the same error kind.
package transport

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// =============================================================================
// ERRORS
// =============================================================================

// Kind classifies a transport failure.
type Kind int

const (
	// KindClosed means the channel was closed locally (explicit Close or
	// session teardown).
	KindClosed Kind = iota

	// KindIOFailure means the underlying stream failed or ended
	// unexpectedly (process exit, broken pipe, malformed frame).
	KindIOFailure
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindClosed:
		return "closed"
	case KindIOFailure:
		return "io_failure"
	default:
		return "unknown"
	}
}

// Error is the terminal failure of a Channel.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Err is the underlying cause, nil for a plain local close.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("transport %s", e.Kind)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// =============================================================================
// CHANNEL
// =============================================================================

// Channel is a framed duplex stream over a child process's stdio.
//
// Recv must be driven by a single goroutine (the rpc read loop); Send and
// Close are safe for concurrent use.
type Channel struct {
	reader  *bufio.Reader
	writer  io.Writer
	closers []io.Closer

	writeMu sync.Mutex

	mu       sync.Mutex
	terminal *Error
}

// New wraps a reader (process stdout) and writer (process stdin) in a
// framed channel. Closers, if any, are closed exactly once when the
// channel closes (typically the stdio pipes).
func New(r io.Reader, w io.Writer, closers ...io.Closer) *Channel {
	var reader *bufio.Reader
	if r != nil {
		reader = bufio.NewReader(r)
	}
	return &Channel{reader: reader, writer: w, closers: closers}
}

// Send writes one framed payload.
//
// Returns the channel's terminal *Error once it is closed or failed.
func (c *Channel) Send(payload []byte) error {
	if err := c.terminalErr(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	if _, err := c.writer.Write([]byte(header)); err != nil {
		return c.fail(fmt.Errorf("write header: %w", err))
	}
	if _, err := c.writer.Write(payload); err != nil {
		return c.fail(fmt.Errorf("write body: %w", err))
	}
	return nil
}

// Recv blocks until one frame arrives and returns its body.
//
// On stream end or any read failure the channel transitions to its
// terminal state and the *Error is returned; every later Recv returns the
// same error.
func (c *Channel) Recv() ([]byte, error) {
	if err := c.terminalErr(); err != nil {
		return nil, err
	}

	body, err := c.readFrame()
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, c.fail(fmt.Errorf("stream ended: %w", err))
		}
		// A local Close while blocked in a read surfaces as an error on
		// the closed pipe; report the close, not the read failure.
		if terr := c.terminalErr(); terr != nil {
			return nil, terr
		}
		return nil, c.fail(err)
	}
	return body, nil
}

// readFrame reads headers then the body of a single frame.
func (c *Channel) readFrame() ([]byte, error) {
	var contentLength int

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)

		// Empty line marks end of headers.
		if line == "" {
			break
		}

		if strings.HasPrefix(line, "Content-Length:") {
			raw := strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:"))
			contentLength, err = strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length %q: %w", raw, err)
			}
			if contentLength < 0 {
				return nil, fmt.Errorf("negative Content-Length: %d", contentLength)
			}
		}
		// Other headers (Content-Type) are ignored.
	}

	if contentLength == 0 {
		return nil, fmt.Errorf("missing or zero Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Close moves the channel to its terminal closed state. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.terminal == nil {
		c.terminal = &Error{Kind: KindClosed}
	}
	c.mu.Unlock()

	for _, cl := range c.closers {
		_ = cl.Close()
	}
	return nil
}

// Closed reports whether the channel has reached its terminal state.
func (c *Channel) Closed() bool {
	return c.terminalErr() != nil
}

// Err returns the terminal error, or nil while the channel is live.
func (c *Channel) Err() error {
	if err := c.terminalErr(); err != nil {
		return err
	}
	return nil
}

// fail records cause as the terminal IOFailure (first failure wins) and
// returns the terminal error.
func (c *Channel) fail(cause error) *Error {
	c.mu.Lock()
	if c.terminal == nil {
		c.terminal = &Error{Kind: KindIOFailure, Err: cause}
	}
	terr := c.terminal
	c.mu.Unlock()

	for _, cl := range c.closers {
		_ = cl.Close()
	}
	return terr
}

func (c *Channel) terminalErr() *Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}
