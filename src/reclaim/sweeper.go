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

// Package reclaim returns abandoned work to the pool. Each sweep is a
// one-shot pass; Scheduler runs them periodically.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"marketengine/src/events"
	"marketengine/src/logging"
	"marketengine/src/model"
	"marketengine/src/store"
)

var errStillHeld = errors.New("record no longer deserted")

type Config struct {
	// DesertionThreshold is how long an active record may run before it is
	// reclaimed.
	DesertionThreshold time.Duration
	// WarningLead is how long before the threshold the worker is warned.
	WarningLead time.Duration
}

type Sweeper struct {
	store     store.Store
	publisher events.Publisher
	cfg       Config
	now       func() time.Time
	log       *slog.Logger

	runs       atomic.Int64
	deserted   atomic.Int64
	expired    atomic.Int64
	warned     atomic.Int64
	failures   atomic.Int64
	lastRunMu  sync.RWMutex
	lastRun    time.Time
	lastRunErr string
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

func WithLogger(l *slog.Logger) Option { return func(s *Sweeper) { s.log = l } }

func NewSweeper(st store.Store, pub events.Publisher, cfg Config, opts ...Option) *Sweeper {
	s := &Sweeper{store: st, publisher: pub, cfg: cfg, now: time.Now, log: logging.Logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result counts what one sweep did.
type Result struct {
	Examined int `json:"examined"`
	Applied  int `json:"applied"`
	Failed   int `json:"failed"`
}

// DesertStale deactivates records that ran past the threshold on IN_PROCESS
// or PAUSED tasks. A paused task stays paused. Each record is reclaimed in its
// own transaction and the desertion event is load-bearing: a rejected event
// leaves that record untouched.
func (s *Sweeper) DesertStale(ctx context.Context) (Result, error) {
	ctx, span := logging.StartSpan(ctx, "reclaim.DesertStale")
	defer span.End()

	var (
		res   Result
		stale []*model.WorkRecord
	)
	cutoff := s.now().Add(-s.cfg.DesertionThreshold)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		stale, err = tx.StaleRecords(ctx, cutoff)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("list stale records: %w", err)
	}

	for _, rec := range stale {
		res.Examined++
		err := s.store.WithTx(ctx, func(tx store.Tx) error {
			return s.desert(ctx, tx, rec.ID, cutoff)
		})
		switch {
		case errors.Is(err, errStillHeld):
		case err != nil:
			res.Failed++
			s.failures.Add(1)
			s.log.WarnContext(ctx, "desertion rolled back", "record_id", rec.ID, "work_id", rec.WorkID, "error", err)
		default:
			res.Applied++
			s.deserted.Add(1)
			logging.Inc(ctx, logging.Desertions)
			s.log.InfoContext(ctx, "work deserted", "record_id", rec.ID, "work_id", rec.WorkID, "worker_id", rec.UserID)
		}
	}
	logging.UpdateSpanValue(ctx, "deserted", float64(res.Applied))
	logging.UpdateSpanValue(ctx, "failed", float64(res.Failed))
	return res, nil
}

// desert re-reads the record under lock so a worker finishing concurrently
// wins cleanly.
func (s *Sweeper) desert(ctx context.Context, tx store.Tx, recordID string, cutoff time.Time) error {
	now := s.now()
	rec, err := tx.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if !rec.Active || !rec.StartTime.Before(cutoff) {
		return errStillHeld
	}
	work, err := tx.GetWork(ctx, rec.WorkID)
	if err != nil {
		return err
	}
	task, err := tx.GetTask(ctx, work.TaskID)
	if err != nil {
		return err
	}
	paused := task.Status == model.TaskPaused
	if task.Status != model.TaskInProcess && !paused {
		return errStillHeld
	}

	elapsed := now.Sub(rec.StartTime)
	rec.Active = false
	rec.Duration = &elapsed
	if err := tx.UpdateRecord(ctx, rec); err != nil {
		return err
	}
	ok, err := tx.TransitionWork(ctx, work.ID, model.WorkUnavailable, model.WorkAvailable)
	if err != nil {
		return err
	}
	if !ok {
		return errStillHeld
	}

	records, err := tx.ListRecordsByTask(ctx, task.ID)
	if err != nil {
		return err
	}
	solved := slices.ContainsFunc(records, func(r *model.WorkRecord) bool { return r.Outcome == model.OutcomeSolved })
	if !solved && !paused {
		task.Status = model.TaskPending
		task.UpdatedAt = now
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
	}

	ev := events.New(events.WorkDeserted, task.ID, work.ID, rec.UserID, now).
		With("elapsed", elapsed.String())
	if err := s.publisher.Publish(ctx, ev); err != nil {
		logging.Inc(ctx, logging.PublishFailures, attribute.String("type", string(ev.Type)))
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// ExpireReservations clears lapsed reservations on AVAILABLE work of active
// tasks. The dismissal events are advisory.
func (s *Sweeper) ExpireReservations(ctx context.Context) (Result, error) {
	ctx, span := logging.StartSpan(ctx, "reclaim.ExpireReservations")
	defer span.End()

	var (
		res       Result
		dismissed []events.Event
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		now := s.now()
		lapsed, err := tx.ExpiredReservations(ctx, now)
		if err != nil {
			return err
		}
		for _, w := range lapsed {
			res.Examined++
			dismissed = append(dismissed, events.New(events.WorkDismissed, w.TaskID, w.ID, w.ReservedWorkerID, now).
				With("reason", "reservation expired"))
			w.ReservedWorkerID = ""
			w.ReservedUntil = nil
			if err := tx.UpdateWork(ctx, w); err != nil {
				return err
			}
			res.Applied++
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("expire reservations: %w", err)
	}

	s.expired.Add(int64(res.Applied))
	logging.UpdateSpanValue(ctx, "expired", float64(res.Applied))
	for _, ev := range dismissed {
		logging.Inc(ctx, logging.ReservationsExpired)
		if err := s.publisher.Publish(ctx, ev); err != nil {
			res.Failed++
			logging.Inc(ctx, logging.PublishFailures, attribute.String("type", string(ev.Type)))
			s.log.WarnContext(ctx, "reservation dismissal not delivered", "work_id", ev.WorkID, "error", err)
		}
	}
	return res, nil
}

// WarnNearDesertion notifies workers whose record will be reclaimed within
// the warning lead. It changes no state, so a worker is warned on every run
// until they finish or are deserted.
func (s *Sweeper) WarnNearDesertion(ctx context.Context) (Result, error) {
	var (
		res    Result
		near   []*model.WorkRecord
		taskOf = map[string]string{}
	)
	now := s.now()
	desertAt := now.Add(-s.cfg.DesertionThreshold)
	warnAt := desertAt.Add(s.cfg.WarningLead)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		near, err = tx.StaleRecords(ctx, warnAt)
		if err != nil {
			return err
		}
		for _, rec := range near {
			if _, seen := taskOf[rec.WorkID]; seen || rec.StartTime.Before(desertAt) {
				continue
			}
			w, err := tx.GetWork(ctx, rec.WorkID)
			if err != nil {
				return err
			}
			taskOf[rec.WorkID] = w.TaskID
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("list records near desertion: %w", err)
	}

	for _, rec := range near {
		if rec.StartTime.Before(desertAt) {
			continue
		}
		res.Examined++
		ev := events.New(events.WorkDesertionWarning, taskOf[rec.WorkID], rec.WorkID, rec.UserID, now).
			With("deserts_at", rec.StartTime.Add(s.cfg.DesertionThreshold).UTC().Format(time.RFC3339))
		if err := s.publisher.Publish(ctx, ev); err != nil {
			res.Failed++
			logging.Inc(ctx, logging.PublishFailures, attribute.String("type", string(ev.Type)))
			s.log.WarnContext(ctx, "desertion warning not delivered", "record_id", rec.ID, "error", err)
			continue
		}
		res.Applied++
	}
	s.warned.Add(int64(res.Applied))
	return res, nil
}

// RunAll runs every sweep once. A failing sweep does not stop the others.
func (s *Sweeper) RunAll(ctx context.Context) error {
	s.runs.Add(1)
	var errs []error
	if _, err := s.DesertStale(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.ExpireReservations(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.WarnNearDesertion(ctx); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)

	s.lastRunMu.Lock()
	s.lastRun = s.now()
	s.lastRunErr = ""
	if err != nil {
		s.lastRunErr = err.Error()
	}
	s.lastRunMu.Unlock()

	if err != nil {
		s.log.ErrorContext(ctx, "sweep failed", "error", err)
	}
	return err
}

// Stats is a snapshot of the sweeper's counters since start.
type Stats struct {
	Runs                int64     `json:"runs"`
	Deserted            int64     `json:"deserted"`
	ReservationsExpired int64     `json:"reservations_expired"`
	Warned              int64     `json:"warned"`
	Failures            int64     `json:"failures"`
	LastRun             time.Time `json:"last_run,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

func (s *Sweeper) Stats() Stats {
	s.lastRunMu.RLock()
	defer s.lastRunMu.RUnlock()
	return Stats{
		Runs:                s.runs.Load(),
		Deserted:            s.deserted.Load(),
		ReservationsExpired: s.expired.Load(),
		Warned:              s.warned.Load(),
		Failures:            s.failures.Load(),
		LastRun:             s.lastRun,
		LastError:           s.lastRunErr,
	}
}
