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

// Package assignment picks the one Work item a worker should see next.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"marketengine/src/logging"
	"marketengine/src/model"
	"marketengine/src/store"
)

type Reason string

const (
	ReasonResume    Reason = "resume"
	ReasonRequested Reason = "requested"
	ReasonReserved  Reason = "reserved"
	ReasonPool      Reason = "pool"
)

type Worker struct {
	ID     string
	Skills []string
	Tags   []string
}

type Request struct {
	Worker Worker
	// CurrentWorkID is left out of the pool ("show me something else").
	CurrentWorkID string
	// SpecificWorkID is returned when it is still eligible.
	SpecificWorkID string
}

type Assignment struct {
	Work   *model.Work
	Task   *model.Task
	Reason Reason
	// Record is the worker's active record when resuming.
	Record *model.WorkRecord
	// Previous is the solved record a review or QA item judges.
	Previous *model.WorkRecord
}

type Selector struct {
	store store.Store
	rand  Rand
	now   func() time.Time
	log   *slog.Logger
}

type Option func(*Selector)

func WithRand(r Rand) Option { return func(s *Selector) { s.rand = r } }

func WithClock(now func() time.Time) Option { return func(s *Selector) { s.now = now } }

func WithLogger(l *slog.Logger) Option { return func(s *Selector) { s.log = l } }

func NewSelector(st store.Store, opts ...Option) *Selector {
	s := &Selector{store: st, rand: globalRand{}, now: time.Now, log: logging.Logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next resolves, first match wins: the worker's active record, the requested
// work, the worker's own reservation, then the weighted pool. An empty pool
// returns nil and no error.
func (s *Selector) Next(ctx context.Context, req Request) (*Assignment, error) {
	ctx, span := logging.StartSpan(ctx, "assignment.Next", attribute.String("worker_id", req.Worker.ID))
	defer span.End()

	var out *Assignment
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = s.resolve(ctx, tx, req)
		if err != nil || out == nil {
			return err
		}
		if out.Task == nil {
			if out.Task, err = tx.GetTask(ctx, out.Work.TaskID); err != nil {
				return err
			}
		}
		if out.Work.Type.IsVerdict() {
			out.Previous, err = judgedRecord(ctx, tx, out.Work)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("next work for %s: %w", req.Worker.ID, err)
	}
	if out == nil {
		s.log.DebugContext(ctx, "no eligible work", "worker_id", req.Worker.ID)
		return nil, nil
	}
	span.SetAttributes(attribute.String("reason", string(out.Reason)), attribute.String("work_id", out.Work.ID))
	return out, nil
}

func (s *Selector) resolve(ctx context.Context, tx store.Tx, req Request) (*Assignment, error) {
	now := s.now()
	w := req.Worker

	rec, err := tx.ActiveRecordByUser(ctx, w.ID)
	switch {
	case err == nil:
		work, err := tx.GetWork(ctx, rec.WorkID)
		if err != nil {
			return nil, err
		}
		return &Assignment{Work: work, Record: rec, Reason: ReasonResume}, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	if req.SpecificWorkID != "" {
		a, err := s.requested(ctx, tx, req, now)
		if err != nil || a != nil {
			return a, err
		}
	}

	reserved, err := tx.ReservedWork(ctx, w.ID, now)
	if err != nil {
		return nil, err
	}
	for _, r := range reserved {
		if r.ID != req.CurrentWorkID && r.VisibleTo(w.Tags) && r.ProhibitedWorkerID != w.ID {
			return &Assignment{Work: r, Reason: ReasonReserved}, nil
		}
	}

	candidates, err := tx.Candidates(ctx, store.CandidateQuery{
		WorkerID:      w.ID,
		WorkerSkills:  w.Skills,
		WorkerTags:    w.Tags,
		ExcludeWorkID: req.CurrentWorkID,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}
	best := s.pick(candidates)
	if best == nil {
		return nil, nil
	}
	return &Assignment{Work: best.Work, Reason: ReasonPool}, nil
}

// requested returns the specific work when the worker may take it, and nil
// otherwise so resolution falls through.
func (s *Selector) requested(ctx context.Context, tx store.Tx, req Request, now time.Time) (*Assignment, error) {
	work, err := tx.GetWork(ctx, req.SpecificWorkID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	task, err := tx.GetTask(ctx, work.TaskID)
	if err != nil {
		return nil, err
	}
	eligible := work.Status == model.WorkAvailable &&
		task.Status.IsActive() &&
		work.ProhibitedWorkerID != req.Worker.ID &&
		work.VisibleTo(req.Worker.Tags) &&
		!work.ReservedForOther(req.Worker.ID, now)
	if !eligible {
		return nil, nil
	}
	return &Assignment{Work: work, Task: task, Reason: ReasonRequested}, nil
}

// pick returns the candidate with the highest jittered weight.
func (s *Selector) pick(candidates []store.Candidate) *store.Candidate {
	var (
		best      *store.Candidate
		bestScore = -1.0
	)
	for i := range candidates {
		c := &candidates[i]
		score := Weight(c.TaskPriority, c.MatchedSkills, c.MinutesSpent) * s.rand.Float64()
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

func judgedRecord(ctx context.Context, tx store.Tx, work *model.Work) (*model.WorkRecord, error) {
	records, err := tx.ListRecordsByTask(ctx, work.TaskID)
	if err != nil {
		return nil, err
	}
	var out *model.WorkRecord
	for _, r := range records {
		if r.Outcome != model.OutcomeSolved || !r.HasSolution() {
			continue
		}
		if work.Input.AuthorID != "" && r.UserID != work.Input.AuthorID {
			continue
		}
		out = r
	}
	return out, nil
}
