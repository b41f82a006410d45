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
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"marketengine/src/chain"
	"marketengine/src/events"
	"marketengine/src/logging"
	"marketengine/src/model"
	"marketengine/src/store"
)

// Claim gives workerID an active record on workID. The work must still be
// AVAILABLE at write time and the worker must not hold another active record.
func (e *Engine) Claim(ctx context.Context, workID, workerID string) (*model.WorkRecord, error) {
	ctx, span := logging.StartSpan(ctx, "processor.Claim",
		attribute.String("work_id", workID), attribute.String("worker_id", workerID))
	defer span.End()

	var rec *model.WorkRecord
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		now := e.now()
		active, err := tx.ActiveRecordByUser(ctx, workerID)
		if err == nil {
			return fmt.Errorf("%w: record %s on work %s", ErrActiveRecordExists, active.ID, active.WorkID)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		work, err := tx.GetWork(ctx, workID)
		if err != nil {
			return notFoundAs(err, ErrWorkUnavailable)
		}
		task, err := tx.GetTask(ctx, work.TaskID)
		if err != nil {
			return err
		}
		switch {
		case work.Status != model.WorkAvailable || !task.Status.IsActive():
			return fmt.Errorf("%w: work %s is %s, task is %s", ErrWorkUnavailable, work.ID, work.Status, task.Status)
		case work.ProhibitedWorkerID == workerID:
			return fmt.Errorf("%w: %s", ErrProhibited, work.ID)
		case work.ReservedForOther(workerID, now):
			return fmt.Errorf("%w: %s", ErrReserved, work.ID)
		}

		ok, err := tx.TransitionWork(ctx, work.ID, model.WorkAvailable, model.WorkUnavailable)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s was claimed concurrently", ErrWorkUnavailable, work.ID)
		}
		if work.ReservedWorkerID == workerID {
			work.Status = model.WorkUnavailable
			work.ReservedWorkerID = ""
			work.ReservedUntil = nil
			if err := tx.UpdateWork(ctx, work); err != nil {
				return err
			}
		}

		rec = &model.WorkRecord{
			ID:        e.newID(),
			UserID:    workerID,
			WorkID:    work.ID,
			Active:    true,
			StartTime: now,
		}
		if err := tx.InsertRecord(ctx, rec); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("%w: %w", ErrActiveRecordExists, err)
			}
			return err
		}

		task.Status = model.TaskInProcess
		task.UpdatedAt = now
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		return e.publish(ctx, events.New(events.WorkAccepted, task.ID, work.ID, workerID, now))
	})
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", workID, err)
	}

	logging.Inc(ctx, logging.Claims)
	e.log.InfoContext(ctx, "work claimed", "work_id", workID, "worker_id", workerID, "record_id", rec.ID)
	return rec, nil
}

// Checkpoint stores the elapsed time on the caller's own active record.
func (e *Engine) Checkpoint(ctx context.Context, workID, workerID string, elapsed time.Duration) error {
	if elapsed < 0 {
		return fmt.Errorf("checkpoint %s: negative elapsed time %s", workID, elapsed)
	}
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		rec, err := activeRecordOn(ctx, tx, workID, workerID)
		if err != nil {
			return err
		}
		work, err := tx.GetWork(ctx, rec.WorkID)
		if err != nil {
			return err
		}
		if _, err := heldTask(ctx, tx, work.TaskID); err != nil {
			return err
		}
		rec.Checkpoint = &elapsed
		return tx.UpdateRecord(ctx, rec)
	})
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", workID, err)
	}
	return nil
}

func activeRecordOn(ctx context.Context, tx store.Tx, workID, workerID string) (*model.WorkRecord, error) {
	rec, err := tx.ActiveRecordByUser(ctx, workerID)
	if err != nil {
		return nil, notFoundAs(err, ErrNoActiveRecord)
	}
	if rec.WorkID != workID {
		return nil, fmt.Errorf("%w: worker %s is active on %s", ErrNoActiveRecord, workerID, rec.WorkID)
	}
	return rec, nil
}

// heldTask loads the task behind a worker's active record. Workers cannot
// move a paused task on; Resume decides its status.
func heldTask(ctx context.Context, tx store.Tx, taskID string) (*model.Task, error) {
	task, err := tx.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == model.TaskPaused {
		return nil, fmt.Errorf("%w: task %s is paused", ErrInvalidTransition, task.ID)
	}
	return task, nil
}

// FinishRequest carries the deliverable of a finished record. Coding work is
// solved with a solution; review and QA work with a verdict.
type FinishRequest struct {
	WorkID         string
	WorkerID       string
	Outcome        model.Outcome
	SolutionURL    string
	SolutionCode   string
	ReviewStatus   model.ReviewStatus
	ReviewFeedback string
}

type FinishResult struct {
	Record     *model.WorkRecord
	Task       *model.Task
	Successors []*model.Work
}

// Finish closes the worker's active record and moves the work and task on.
// A SOLVED outcome advances the work's chain in the same transaction.
func (e *Engine) Finish(ctx context.Context, req FinishRequest) (*FinishResult, error) {
	ctx, span := logging.StartSpan(ctx, "processor.Finish",
		attribute.String("work_id", req.WorkID),
		attribute.String("worker_id", req.WorkerID),
		attribute.String("outcome", string(req.Outcome)))
	defer span.End()

	if !req.Outcome.Valid() || req.Outcome == model.OutcomeTaskCancelled {
		return nil, fmt.Errorf("finish %s: %w: %q", req.WorkID, ErrInvalidOutcome, req.Outcome)
	}

	var (
		res      FinishResult
		advisory []events.Event
	)
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		now := e.now()
		rec, err := activeRecordOn(ctx, tx, req.WorkID, req.WorkerID)
		if err != nil {
			return err
		}
		work, err := tx.GetWork(ctx, req.WorkID)
		if err != nil {
			return err
		}
		task, err := heldTask(ctx, tx, work.TaskID)
		if err != nil {
			return err
		}

		elapsed := now.Sub(rec.StartTime)
		rec.Active = false
		rec.Duration = &elapsed
		rec.Outcome = req.Outcome

		switch req.Outcome {
		case model.OutcomeFeedback:
			rec.ReviewFeedback = req.ReviewFeedback
			task.Status = model.TaskInvalid
			task.ReviewFeedback = req.ReviewFeedback
			advisory = append(advisory, events.New(events.WorkCanceled, task.ID, work.ID, req.WorkerID, now).
				With("outcome", string(req.Outcome)))

		case model.OutcomeSolved:
			if err := e.solve(ctx, tx, req, work, task, rec, &res); err != nil {
				return err
			}
			advisory = append(advisory, events.New(events.WorkSolved, task.ID, work.ID, req.WorkerID, now))
			for _, s := range res.Successors {
				if s.ReservedWorkerID != "" {
					advisory = append(advisory, events.New(events.WorkReserved, task.ID, s.ID, s.ReservedWorkerID, now))
				}
				if s.ProhibitedWorkerID != "" {
					advisory = append(advisory, events.New(events.WorkProhibited, task.ID, s.ID, s.ProhibitedWorkerID, now))
				}
			}

		case model.OutcomeCancelled, model.OutcomeSkipped:
			if err := transition(ctx, tx, work.ID, model.WorkUnavailable, model.WorkAvailable); err != nil {
				return err
			}
			task.Status = model.TaskPending
			advisory = append(advisory, events.New(events.WorkCanceled, task.ID, work.ID, req.WorkerID, now).
				With("outcome", string(req.Outcome)))

		case model.OutcomeRequestedPackage:
			if err := transition(ctx, tx, work.ID, model.WorkUnavailable, model.WorkPendingPackage); err != nil {
				return err
			}
			task.Status = model.TaskPendingPackage
			advisory = append(advisory, events.New(events.WorkCanceled, task.ID, work.ID, req.WorkerID, now).
				With("outcome", string(req.Outcome)))
		}

		if err := tx.UpdateRecord(ctx, rec); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("%w: %w", ErrInvalidTransition, err)
			}
			return err
		}
		task.UpdatedAt = now
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		res.Record = rec
		res.Task = task
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finish %s: %w", req.WorkID, err)
	}

	logging.Inc(ctx, logging.Finishes, attribute.String("outcome", string(req.Outcome)))
	e.log.InfoContext(ctx, "work finished",
		"task_id", res.Task.ID, "work_id", req.WorkID, "worker_id", req.WorkerID,
		"outcome", string(req.Outcome), "task_status", string(res.Task.Status),
		"successors", len(res.Successors))
	e.notify(ctx, advisory)
	return &res, nil
}

// Skip gives the work back to the pool without a deliverable.
func (e *Engine) Skip(ctx context.Context, workID, workerID string) error {
	_, err := e.Finish(ctx, FinishRequest{WorkID: workID, WorkerID: workerID, Outcome: model.OutcomeSkipped})
	return err
}

func transition(ctx context.Context, tx store.Tx, workID string, from, to model.WorkStatus) error {
	ok, err := tx.TransitionWork(ctx, workID, from, to)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: work %s is not %s", ErrInvalidTransition, workID, from)
	}
	return nil
}

// solve completes the work and advances its chain. Successors are persisted
// in the same transaction that marks the work COMPLETE.
func (e *Engine) solve(ctx context.Context, tx store.Tx, req FinishRequest, work *model.Work, task *model.Task, rec *model.WorkRecord, res *FinishResult) error {
	if work.Type.IsVerdict() {
		if !req.ReviewStatus.Valid() {
			return fmt.Errorf("%w: %s needs a review verdict", ErrInvalidOutcome, work.Type)
		}
		rec.ReviewStatus = req.ReviewStatus
		rec.ReviewFeedback = req.ReviewFeedback
		task.ReviewStatus = req.ReviewStatus
		task.ReviewFeedback = req.ReviewFeedback
		if err := markReviewed(ctx, tx, work, rec); err != nil {
			return err
		}
	} else {
		if req.SolutionURL == "" && req.SolutionCode == "" {
			return fmt.Errorf("%w: %s needs a solution", ErrInvalidOutcome, work.Type)
		}
		rec.SolutionURL = req.SolutionURL
		rec.SolutionCode = req.SolutionCode
	}

	if err := transition(ctx, tx, work.ID, model.WorkUnavailable, model.WorkComplete); err != nil {
		return err
	}
	work.Status = model.WorkComplete

	out, err := chain.Advance(work, rec)
	if err != nil {
		var ce *chain.ConsistencyError
		if !errors.As(err, &ce) {
			return err
		}
		logging.Inc(ctx, logging.ChainConsistencyErrors, attribute.String("mapper", ce.Mapper))
		e.log.ErrorContext(ctx, "chain mapper rejected completed work",
			"task_id", task.ID, "work_id", work.ID, "mapper", ce.Mapper, "reason", ce.Reason)
		task.Status = model.TaskSolved
		task.Flag = model.FlagChainConsistency
		return nil
	}

	if out.ReviewCompleted {
		task.ReviewCompleted = true
	}
	if out.Flag != "" {
		task.Flag = out.Flag
	}
	now := e.now()
	for _, s := range out.Successors {
		s.ID = e.newID()
		s.CreatedAt = now
		if err := tx.InsertWork(ctx, s); err != nil {
			return err
		}
		logging.Inc(ctx, logging.ChainAdvances, attribute.String("type", string(s.Type)))
	}
	res.Successors = out.Successors
	if len(out.Successors) > 0 {
		task.Status = model.TaskInProcess
	} else {
		task.Status = model.TaskSolved
	}
	return nil
}

// markReviewed stamps the reviewer onto the latest solved record of the
// author whose solution this verdict judges.
func markReviewed(ctx context.Context, tx store.Tx, work *model.Work, verdict *model.WorkRecord) error {
	records, err := tx.ListRecordsByTask(ctx, work.TaskID)
	if err != nil {
		return err
	}
	var target *model.WorkRecord
	for _, r := range records {
		if r.Outcome != model.OutcomeSolved || !r.HasSolution() || r.ID == verdict.ID {
			continue
		}
		if work.Input.AuthorID != "" && r.UserID != work.Input.AuthorID {
			continue
		}
		target = r
	}
	if target == nil {
		return nil
	}
	start := verdict.StartTime
	target.ReviewUserID = verdict.UserID
	target.ReviewStartTime = &start
	target.ReviewDuration = verdict.Duration
	return tx.UpdateRecord(ctx, target)
}
