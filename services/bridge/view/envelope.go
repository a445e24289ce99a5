// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package view

import "encoding/json"

// Envelope kinds.
const (
	// KindRequest is a panel-originated action request.
	KindRequest = "request"

	// KindResponse answers exactly one KindRequest, matched by id.
	KindResponse = "response"

	// KindPush is a bridge-originated state update (lineage deltas,
	// snapshot replacements). Not correlated to a request.
	KindPush = "push"
)

// Envelope is the message exchanged with a lineage panel, in both
// directions. Panel-bound envelopes always carry the panel id so a client
// hosting several panels can route them.
type Envelope struct {
	// Kind is request, response, or push.
	Kind string `json:"kind"`

	// ID correlates a response to its request. Assigned by the panel for
	// requests; empty on pushes.
	ID string `json:"id,omitempty"`

	// Action names the operation (request) or the update topic (push).
	Action string `json:"action"`

	// Panel is the target panel id on bridge-to-panel envelopes.
	Panel string `json:"panel,omitempty"`

	// Version is the lineage snapshot version on pushes. Monotonically
	// increasing; the bridge drops stale versions.
	Version uint64 `json:"version,omitempty"`

	// Payload is the action parameters or result.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Error is a human-readable failure summary on error responses.
	Error string `json:"error,omitempty"`
}
