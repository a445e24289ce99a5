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

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// SocketPanel is the production Panel: one websocket connection to the
// panel's web view.
//
// Thread Safety: Send is safe for concurrent use; ReadLoop runs on a single
// goroutine.
type SocketPanel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	inbound func(Envelope)

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewSocketPanel wraps an upgraded websocket connection. The inbound sink
// is set when the panel is bound to a channel.
func NewSocketPanel(conn *websocket.Conn, logger *slog.Logger) *SocketPanel {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketPanel{conn: conn, logger: logger}
}

// Bind connects the panel to its channel's inbound sink and returns the
// panel. Shaped to be used directly as a PanelFactory body.
func (p *SocketPanel) Bind(inbound func(Envelope)) *SocketPanel {
	p.inbound = inbound
	return p
}

// Send implements Panel.
func (p *SocketPanel) Send(env Envelope) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(env)
}

// Close implements Panel.
func (p *SocketPanel) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeDeadline())
		p.writeMu.Unlock()
		err = p.conn.Close()
	})
	return err
}

// ReadLoop decodes envelopes from the socket into the inbound sink until
// the connection drops. Blocks; run it on the connection's handler
// goroutine.
func (p *SocketPanel) ReadLoop() {
	for {
		var env Envelope
		if err := p.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug("panel socket closed", "error", err)
			}
			return
		}
		if p.inbound != nil {
			p.inbound(env)
		}
	}
}
