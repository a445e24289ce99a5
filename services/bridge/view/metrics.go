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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("sqlbridge.view")

var (
	panelOpenTotal    metric.Int64Counter
	panelRequestTotal metric.Int64Counter
	staleDropTotal    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		panelOpenTotal, err = meter.Int64Counter(
			"view_panel_open_total",
			metric.WithDescription("Panel channels opened"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		panelRequestTotal, err = meter.Int64Counter(
			"view_panel_request_total",
			metric.WithDescription("Panel action requests forwarded to the backend"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		staleDropTotal, err = meter.Int64Counter(
			"view_stale_push_dropped_total",
			metric.WithDescription("State updates dropped for carrying a stale snapshot version"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordPanelOpen(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	panelOpenTotal.Add(ctx, 1)
}

func recordPanelRequest(ctx context.Context, action string) {
	if initMetrics() != nil {
		return
	}
	panelRequestTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func recordStaleDrop(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	staleDropTotal.Add(ctx, 1)
}
