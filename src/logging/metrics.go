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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	Claims                 = counter("market_claims_total", "Work items claimed by workers", "{claim}")
	Finishes               = counter("market_finishes_total", "Work records finished, by outcome", "{record}")
	ChainAdvances          = counter("market_chain_advances_total", "Successor work items created by chain mappers", "{work}")
	ChainConsistencyErrors = counter("market_chain_consistency_errors_total", "Chain mappers invoked on inconsistent input", "{error}")
	Desertions             = counter("market_desertions_total", "Active records reclaimed by the desertion sweep", "{record}")
	ReservationsExpired    = counter("market_reservations_expired_total", "Reservations cleared after their TTL", "{work}")
	PublishFailures        = counter("market_publish_failures_total", "Domain events rejected downstream", "{event}")
)

// Inc adds one to a counter.
func Inc(ctx context.Context, c metric.Float64Counter, attrs ...attribute.KeyValue) {
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
