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

// Package processor is the Work state machine. Every operation runs in one
// store transaction; load-bearing events are published before commit so a
// rejection rolls the transition back.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"marketengine/src/chain"
	"marketengine/src/events"
	"marketengine/src/logging"
	"marketengine/src/store"
)

var (
	ErrWorkUnavailable    = errors.New("work is not available")
	ErrActiveRecordExists = errors.New("worker already holds an active work record")
	ErrNoActiveRecord     = errors.New("no active work record found")
	ErrNotRated           = errors.New("solved work records are not rated")
	ErrProhibited         = errors.New("worker is prohibited from this work")
	ErrReserved           = errors.New("work is reserved for another worker")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInvalidOutcome     = errors.New("invalid outcome")
	ErrInvalidTask        = errors.New("invalid task")
)

type Engine struct {
	store          store.Store
	publisher      events.Publisher
	policy         chain.Policy
	now            func() time.Time
	newID          func() string
	log            *slog.Logger
	reservationTTL time.Duration
}

type Option func(*Engine)

func WithPolicy(p chain.Policy) Option { return func(e *Engine) { e.policy = p } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithReservationTTL sets the hold used when Reserve is called without one.
func WithReservationTTL(d time.Duration) Option {
	return func(e *Engine) { e.reservationTTL = d }
}

func New(st store.Store, pub events.Publisher, opts ...Option) *Engine {
	e := &Engine{
		store:          st,
		publisher:      pub,
		policy:         chain.DefaultPolicy(),
		now:            time.Now,
		newID:          func() string { return uuid.New().String() },
		log:            logging.Logger,
		reservationTTL: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// publish delivers a load-bearing event inside the transaction.
func (e *Engine) publish(ctx context.Context, ev events.Event) error {
	if err := e.publisher.Publish(ctx, ev); err != nil {
		logging.Inc(ctx, logging.PublishFailures, attribute.String("type", string(ev.Type)))
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// notify delivers advisory events after commit. Failures are logged only.
func (e *Engine) notify(ctx context.Context, evs []events.Event) {
	for _, ev := range evs {
		if err := e.publisher.Publish(ctx, ev); err != nil {
			logging.Inc(ctx, logging.PublishFailures, attribute.String("type", string(ev.Type)))
			e.log.WarnContext(ctx, "advisory event not delivered",
				"type", string(ev.Type), "task_id", ev.TaskID, "work_id", ev.WorkID, "error", err)
		}
	}
}

func notFoundAs(err, sentinel error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return err
}
