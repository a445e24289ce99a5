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
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for RPC operations.
var (
	tracer = otel.Tracer("sqlbridge.rpc")
	meter  = otel.Meter("sqlbridge.rpc")
)

// Metrics for RPC operations.
var (
	requestLatency metric.Float64Histogram
	requestTotal   metric.Int64Counter
	anomalyTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		requestLatency, err = meter.Float64Histogram(
			"rpc_request_duration_seconds",
			metric.WithDescription("Duration of outbound RPC requests"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		requestTotal, err = meter.Int64Counter(
			"rpc_request_total",
			metric.WithDescription("Total number of outbound RPC requests"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		anomalyTotal, err = meter.Int64Counter(
			"rpc_protocol_anomaly_total",
			metric.WithDescription("Malformed or unmatched frames dropped by the multiplexer"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordRequest records one completed outbound request.
func recordRequest(ctx context.Context, method, status string, start time.Time) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status", status),
	)
	requestTotal.Add(ctx, 1, attrs)
	requestLatency.Record(ctx, time.Since(start).Seconds(), attrs)
}

// recordAnomaly records one dropped frame.
func recordAnomaly(ctx context.Context, kind string) {
	if initMetrics() != nil {
		return
	}
	anomalyTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
