// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for RPC operations.
var (
	// ErrConnClosed indicates the connection was torn down while the
	// request was pending or before it was sent.
	ErrConnClosed = errors.New("rpc connection closed")

	// ErrSessionRestarted indicates the owning session was restarted and
	// the pending request will never receive its response.
	ErrSessionRestarted = errors.New("session restarted")

	// ErrDeadline indicates the request's deadline elapsed before a
	// response arrived.
	ErrDeadline = errors.New("rpc request deadline exceeded")
)

// JSON-RPC error codes. Standard codes per JSON-RPC 2.0, plus the server-error
// range value used when a connection is torn down locally.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeRequestFailed  = -32803
	CodeConnClosed     = -32099
)

// Error is a peer-reported JSON-RPC failure.
type Error struct {
	// Code is the JSON-RPC error code.
	Code int `json:"code"`

	// Message is a short description from the peer.
	Message string `json:"message"`

	// Data carries optional structured detail.
	Data json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (data: %s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound reports whether the peer does not implement the method.
func (e *Error) IsMethodNotFound() bool { return e.Code == CodeMethodNotFound }

// IsInvalidParams reports whether the peer rejected the parameters.
func (e *Error) IsInvalidParams() bool { return e.Code == CodeInvalidParams }
