// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package auth

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("sqlbridge.auth")

var (
	signInTotal  metric.Int64Counter
	refreshTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		signInTotal, err = meter.Int64Counter(
			"auth_signin_total",
			metric.WithDescription("Interactive sign-in attempts by flow and result"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		refreshTotal, err = meter.Int64Counter(
			"auth_refresh_total",
			metric.WithDescription("Silent token refreshes by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordSignIn(ctx context.Context, flow, result string) {
	if initMetrics() != nil {
		return
	}
	signInTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flow", flow),
		attribute.String("result", result),
	))
}

func recordRefresh(ctx context.Context, result string) {
	if initMetrics() != nil {
		return
	}
	refreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
