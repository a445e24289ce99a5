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
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// closeDeadline is how long a close control frame may take to flush.
func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}

// upgrader accepts panel connections. The host binds to loopback only, so
// any local origin is fine; the panel web view does not send a browser
// origin header anyway.
var upgrader = websocket.Upgrader{
	CheckOrigin:     func(*http.Request) bool { return true },
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// Host is the local HTTP server the panel web view connects to: the panel
// websocket endpoint plus Prometheus metrics and a health probe.
//
// Thread Safety: safe for concurrent use.
type Host struct {
	bridge *Bridge
	logger *slog.Logger
	srv    *http.Server

	addr net.Addr
}

// NewHost creates a Host serving bridge panels on addr (loopback,
// "127.0.0.1:0" picks a free port).
func NewHost(bridge *Bridge, addr string, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{bridge: bridge, logger: logger.With(slog.String("component", "panelhost"))}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("sqlbridge-panel"))
	router.GET("/panel", h.handlePanel)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "panels": bridge.Channels()})
	})

	h.srv = &http.Server{Addr: addr, Handler: router}
	return h
}

// Start begins serving on the configured address and returns once the
// listener is bound, so Addr is immediately usable.
func (h *Host) Start() error {
	ln, err := net.Listen("tcp", h.srv.Addr)
	if err != nil {
		return err
	}
	h.addr = ln.Addr()
	h.logger.Info("panel host listening", "addr", h.addr.String())

	go func() {
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("panel host stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address. Valid after Start.
func (h *Host) Addr() string {
	if h.addr == nil {
		return h.srv.Addr
	}
	return h.addr.String()
}

// Shutdown closes all panels and stops the server.
func (h *Host) Shutdown(ctx context.Context) error {
	h.bridge.CloseAll()
	return h.srv.Shutdown(ctx)
}

// handlePanel upgrades the connection, binds it to a fresh channel, and
// pumps the socket until the panel disconnects. Disconnect closes the
// channel, cancelling that panel's pending requests only.
func (h *Host) handlePanel(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("panel upgrade failed", "error", err)
		return
	}

	panel := NewSocketPanel(conn, h.logger)
	ch, err := h.bridge.Open(func(id string, inbound func(Envelope)) (Panel, error) {
		return panel.Bind(inbound), nil
	})
	if err != nil {
		h.logger.Error("panel channel open failed", "error", err)
		_ = conn.Close()
		return
	}
	defer ch.Close()

	// Tell the panel its id first so it can tag requests.
	if err := panel.Send(Envelope{Kind: KindPush, Action: "panel_created", Panel: ch.ID()}); err != nil {
		return
	}

	panel.ReadLoop()
}
