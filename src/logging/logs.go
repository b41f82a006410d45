// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "marketengine"

var (
	meter  = otel.Meter(instrumentationName)
	tracer = otel.Tracer(instrumentationName)

	// Logger routes slog records through the OpenTelemetry log provider.
	Logger = otelslog.NewLogger(instrumentationName)
)

func Log(content string, level slog.Level) {
	Logger.Log(context.Background(), level, content)
}

func InitializeFloatCounter(name, description, unit string) (metric.Float64Counter, error) {
	counter, err := meter.Float64Counter(name,
		metric.WithDescription(description),
		metric.WithUnit(unit))
	if err != nil {
		Log("Failed to create metric: "+err.Error(), slog.LevelError)
		return nil, err
	}
	return counter, nil
}

// StartSpan opens a span named after the operation.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// UpdateSpanValue records a sweep or batch total on the span carried by ctx.
func UpdateSpanValue(ctx context.Context, key string, value float64) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.Float64(key, value))
}

func counter(name, description, unit string) metric.Float64Counter {
	c, err := InitializeFloatCounter(name, description, unit)
	if err != nil {
		c, _ = noop.NewMeterProvider().Meter(instrumentationName).Float64Counter(name)
	}
	return c
}
