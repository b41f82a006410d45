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

package processor

import (
	"context"
	"fmt"
	"time"

	"marketengine/src/events"
	"marketengine/src/model"
	"marketengine/src/store"
)

const (
	MinRating = 1
	MaxRating = 5
)

// Rate stores the external rating of a solved record. Accept checks for it.
func (e *Engine) Rate(ctx context.Context, recordID string, rating int) error {
	if rating < MinRating || rating > MaxRating {
		return fmt.Errorf("rate %s: rating %d outside %d..%d", recordID, rating, MinRating, MaxRating)
	}
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		rec, err := tx.GetRecord(ctx, recordID)
		if err != nil {
			return err
		}
		if rec.Outcome != model.OutcomeSolved {
			return fmt.Errorf("%w: record %s outcome is %q", ErrInvalidTransition, rec.ID, rec.Outcome)
		}
		rec.Rating = &rating
		return tx.UpdateRecord(ctx, rec)
	})
	if err != nil {
		return fmt.Errorf("rate %s: %w", recordID, err)
	}
	return nil
}

// Reserve holds AVAILABLE work for one worker until the TTL lapses. A zero
// ttl uses the engine default.
func (e *Engine) Reserve(ctx context.Context, workID, workerID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = e.reservationTTL
	}
	var ev events.Event
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		now := e.now()
		work, task, err := availableWork(ctx, tx, workID)
		if err != nil {
			return err
		}
		if work.ProhibitedWorkerID == workerID {
			return fmt.Errorf("%w: %s", ErrProhibited, work.ID)
		}
		if work.ReservedForOther(workerID, now) {
			return fmt.Errorf("%w: %s", ErrReserved, work.ID)
		}
		until := now.Add(ttl)
		work.ReservedWorkerID = workerID
		work.ReservedUntil = &until
		ev = events.New(events.WorkReserved, task.ID, work.ID, workerID, now).
			With("reserved_until", until.UTC().Format(time.RFC3339))
		return tx.UpdateWork(ctx, work)
	})
	if err != nil {
		return fmt.Errorf("reserve %s: %w", workID, err)
	}
	e.log.InfoContext(ctx, "work reserved", "work_id", workID, "worker_id", workerID, "ttl", ttl.String())
	e.notify(ctx, []events.Event{ev})
	return nil
}

// Unreserve drops any reservation on the work. It is a no-op when none is held.
func (e *Engine) Unreserve(ctx context.Context, workID string) error {
	var advisory []events.Event
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		work, err := tx.GetWork(ctx, workID)
		if err != nil {
			return err
		}
		if work.ReservedWorkerID == "" {
			return nil
		}
		advisory = append(advisory, events.New(events.WorkDismissed, work.TaskID, work.ID, work.ReservedWorkerID, e.now()))
		work.ReservedWorkerID = ""
		work.ReservedUntil = nil
		return tx.UpdateWork(ctx, work)
	})
	if err != nil {
		return fmt.Errorf("unreserve %s: %w", workID, err)
	}
	e.notify(ctx, advisory)
	return nil
}

// Prohibit excludes one worker from the work for good. A reservation held by
// that worker is dropped.
func (e *Engine) Prohibit(ctx context.Context, workID, workerID string) error {
	var ev events.Event
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		work, err := tx.GetWork(ctx, workID)
		if err != nil {
			return err
		}
		if work.Status == model.WorkComplete {
			return fmt.Errorf("%w: work %s is complete", ErrInvalidTransition, work.ID)
		}
		work.ProhibitedWorkerID = workerID
		if work.ReservedWorkerID == workerID {
			work.ReservedWorkerID = ""
			work.ReservedUntil = nil
		}
		ev = events.New(events.WorkProhibited, work.TaskID, work.ID, workerID, e.now())
		return tx.UpdateWork(ctx, work)
	})
	if err != nil {
		return fmt.Errorf("prohibit %s: %w", workID, err)
	}
	e.log.InfoContext(ctx, "work prohibited", "work_id", workID, "worker_id", workerID)
	e.notify(ctx, []events.Event{ev})
	return nil
}

func (e *Engine) Unprohibit(ctx context.Context, workID, workerID string) error {
	var ev events.Event
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		work, err := tx.GetWork(ctx, workID)
		if err != nil {
			return err
		}
		if work.ProhibitedWorkerID != workerID {
			return fmt.Errorf("%w: %s is not prohibited from %s", ErrInvalidTransition, workerID, work.ID)
		}
		work.ProhibitedWorkerID = ""
		ev = events.New(events.WorkUnprohibited, work.TaskID, work.ID, workerID, e.now())
		return tx.UpdateWork(ctx, work)
	})
	if err != nil {
		return fmt.Errorf("unprohibit %s: %w", workID, err)
	}
	e.notify(ctx, []events.Event{ev})
	return nil
}

func availableWork(ctx context.Context, tx store.Tx, workID string) (*model.Work, *model.Task, error) {
	work, err := tx.GetWork(ctx, workID)
	if err != nil {
		return nil, nil, notFoundAs(err, ErrWorkUnavailable)
	}
	task, err := tx.GetTask(ctx, work.TaskID)
	if err != nil {
		return nil, nil, err
	}
	if work.Status != model.WorkAvailable || !task.Status.IsActive() {
		return nil, nil, fmt.Errorf("%w: work %s is %s, task is %s", ErrWorkUnavailable, work.ID, work.Status, task.Status)
	}
	return work, task, nil
}
