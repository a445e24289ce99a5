// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("sqlbridge.supervisor")

var (
	spawnTotal       metric.Int64Counter
	restartTotal     metric.Int64Counter
	stateChangeTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		spawnTotal, err = meter.Int64Counter(
			"supervisor_spawn_total",
			metric.WithDescription("Backend processes spawned"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		restartTotal, err = meter.Int64Counter(
			"supervisor_restart_total",
			metric.WithDescription("Backend restarts by trigger"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stateChangeTotal, err = meter.Int64Counter(
			"supervisor_state_change_total",
			metric.WithDescription("Session state transitions"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordSpawn(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	spawnTotal.Add(ctx, 1)
}

func recordRestart(ctx context.Context, trigger string) {
	if initMetrics() != nil {
		return
	}
	restartTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

func recordStateChange(ctx context.Context, from, to State) {
	if initMetrics() != nil {
		return
	}
	stateChangeTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}
