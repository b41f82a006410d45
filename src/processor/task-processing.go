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
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"marketengine/src/events"
	"marketengine/src/logging"
	"marketengine/src/model"
	"marketengine/src/store"
)

// NewTask is what a delegator submits.
type NewTask struct {
	OwnerID         string
	Description     string
	Type            model.WorkType
	Priority        int
	Tags            []string
	Skills          []string
	AdvancedOptions model.AdvancedOptions
	Input           model.WorkInput
}

func (n NewTask) validate() error {
	if !n.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTask, n.Type)
	}
	if n.Priority < 1 || n.Priority > 100 {
		return fmt.Errorf("%w: priority %d outside 1..100", ErrInvalidTask, n.Priority)
	}
	return nil
}

// CreateTask stores the task with its first Work item. The delegation event
// is load-bearing: if it is rejected nothing is stored.
func (e *Engine) CreateTask(ctx context.Context, n NewTask) (*model.Task, *model.Work, error) {
	ctx, span := logging.StartSpan(ctx, "processor.CreateTask", attribute.String("type", string(n.Type)))
	defer span.End()

	if err := n.validate(); err != nil {
		return nil, nil, err
	}

	now := e.now()
	task := &model.Task{
		ID:              e.newID(),
		OwnerID:         n.OwnerID,
		Description:     n.Description,
		Status:          model.TaskPending,
		Type:            n.Type,
		Priority:        n.Priority,
		Tags:            n.Tags,
		Skills:          n.Skills,
		AdvancedOptions: n.AdvancedOptions,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	typ, descriptors := e.policy.Seed(task)
	work := &model.Work{
		ID:          e.newID(),
		TaskID:      task.ID,
		Status:      model.WorkAvailable,
		Type:        typ,
		Description: n.Description,
		Input:       n.Input,
		Chain:       descriptors,
		Priority:    n.Priority,
		Tags:        slices.Clone(n.Tags),
		Skills:      slices.Clone(n.Skills),
		CreatedAt:   now,
	}

	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertTask(ctx, task); err != nil {
			return err
		}
		if err := tx.InsertWork(ctx, work); err != nil {
			return err
		}
		return e.publish(ctx, events.New(events.TaskDelegated, task.ID, work.ID, n.OwnerID, now).
			With("type", string(task.Type)))
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create task: %w", err)
	}

	e.log.InfoContext(ctx, "task delegated",
		"task_id", task.ID, "work_id", work.ID, "type", string(typ), "chain_length", len(descriptors))
	return task, work, nil
}

// Cancel closes the task, force-closes any active record on its work and
// takes all unfinished work out of the pool.
func (e *Engine) Cancel(ctx context.Context, taskID, reason string) error {
	ctx, span := logging.StartSpan(ctx, "processor.Cancel", attribute.String("task_id", taskID))
	defer span.End()

	var advisory []events.Event
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		now := e.now()
		// Lock records, then work, then the task: the order Finish and the
		// desertion sweep use.
		works, err := tx.ListWorkByTask(ctx, taskID)
		if err != nil {
			return err
		}
		var active []*model.WorkRecord
		for _, w := range works {
			records, err := tx.ListRecordsByWork(ctx, w.ID)
			if err != nil {
				return err
			}
			for _, r := range records {
				if !r.Active {
					continue
				}
				locked, err := tx.GetRecord(ctx, r.ID)
				if err != nil {
					return err
				}
				if locked.Active {
					active = append(active, locked)
				}
			}
		}
		for i, w := range works {
			if works[i], err = tx.GetWork(ctx, w.ID); err != nil {
				return err
			}
		}
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, task.ID, task.Status)
		}

		for _, r := range active {
			elapsed := now.Sub(r.StartTime)
			r.Active = false
			r.Duration = &elapsed
			r.Outcome = model.OutcomeTaskCancelled
			if err := tx.UpdateRecord(ctx, r); err != nil {
				return err
			}
			advisory = append(advisory, events.New(events.WorkCanceled, task.ID, r.WorkID, r.UserID, now).
				With("reason", reason))
		}
		for _, w := range works {
			if w.Status == model.WorkComplete || w.Status == model.WorkUnavailable {
				continue
			}
			if err := transition(ctx, tx, w.ID, w.Status, model.WorkUnavailable); err != nil {
				return err
			}
		}

		task.Status = model.TaskCancelled
		task.UpdatedAt = now
		return tx.UpdateTask(ctx, task)
	})
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}

	e.log.InfoContext(ctx, "task cancelled", "task_id", taskID, "reason", reason, "closed_records", len(advisory))
	e.notify(ctx, advisory)
	return nil
}

// Accept archives a SOLVED task. Every solved coding record must carry a
// rating first; ErrNotRated is not worth retrying.
func (e *Engine) Accept(ctx context.Context, taskID string) error {
	ctx, span := logging.StartSpan(ctx, "processor.Accept", attribute.String("task_id", taskID))
	defer span.End()

	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != model.TaskSolved {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, task.ID, task.Status)
		}
		unrated, err := unratedRecords(ctx, tx, task.ID)
		if err != nil {
			return err
		}
		if len(unrated) > 0 {
			return fmt.Errorf("%w: %v", ErrNotRated, unrated)
		}
		task.Status = model.TaskAccepted
		task.UpdatedAt = e.now()
		return tx.UpdateTask(ctx, task)
	})
	if err != nil {
		return fmt.Errorf("accept task %s: %w", taskID, err)
	}
	e.log.InfoContext(ctx, "task accepted", "task_id", taskID)
	return nil
}

func unratedRecords(ctx context.Context, tx store.Tx, taskID string) ([]string, error) {
	works, err := tx.ListWorkByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, w := range works {
		if !w.Type.IsCoding() {
			continue
		}
		records, err := tx.ListRecordsByWork(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if r.Outcome == model.OutcomeSolved && r.Rating == nil {
				ids = append(ids, r.ID)
			}
		}
	}
	return ids, nil
}

// Pause takes an active task's work out of the pool.
func (e *Engine) Pause(ctx context.Context, taskID string) error {
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !task.Status.IsActive() {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, task.ID, task.Status)
		}
		task.Status = model.TaskPaused
		task.UpdatedAt = e.now()
		return tx.UpdateTask(ctx, task)
	})
	if err != nil {
		return fmt.Errorf("pause task %s: %w", taskID, err)
	}
	e.log.InfoContext(ctx, "task paused", "task_id", taskID)
	return nil
}

// Resume returns a paused task to IN_PROCESS when someone still holds an
// active record on its work, otherwise to PENDING.
func (e *Engine) Resume(ctx context.Context, taskID string) error {
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != model.TaskPaused {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, task.ID, task.Status)
		}
		records, err := tx.ListRecordsByTask(ctx, task.ID)
		if err != nil {
			return err
		}
		task.Status = model.TaskPending
		if slices.ContainsFunc(records, func(r *model.WorkRecord) bool { return r.Active }) {
			task.Status = model.TaskInProcess
		}
		task.UpdatedAt = e.now()
		return tx.UpdateTask(ctx, task)
	})
	if err != nil {
		return fmt.Errorf("resume task %s: %w", taskID, err)
	}
	e.log.InfoContext(ctx, "task resumed", "task_id", taskID)
	return nil
}

// ResolvePackage puts work parked on a package request back in the pool.
func (e *Engine) ResolvePackage(ctx context.Context, taskID string) error {
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		works, err := tx.ListWorkByTask(ctx, taskID)
		if err != nil {
			return err
		}
		var parked []*model.Work
		for _, w := range works {
			if w.Status != model.WorkPendingPackage {
				continue
			}
			locked, err := tx.GetWork(ctx, w.ID)
			if err != nil {
				return err
			}
			parked = append(parked, locked)
		}
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != model.TaskPendingPackage {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, task.ID, task.Status)
		}
		for _, w := range parked {
			if err := transition(ctx, tx, w.ID, model.WorkPendingPackage, model.WorkAvailable); err != nil {
				return err
			}
		}
		task.Status = model.TaskPending
		task.UpdatedAt = e.now()
		return tx.UpdateTask(ctx, task)
	})
	if err != nil {
		return fmt.Errorf("resolve package for task %s: %w", taskID, err)
	}
	e.log.InfoContext(ctx, "package resolved", "task_id", taskID)
	return nil
}

// RequestModifications reopens a SOLVED task with a new Work of the task's
// coding type that carries the delegator's feedback and the latest solution.
func (e *Engine) RequestModifications(ctx context.Context, taskID, feedback string) (*model.Work, error) {
	ctx, span := logging.StartSpan(ctx, "processor.RequestModifications", attribute.String("task_id", taskID))
	defer span.End()

	var work *model.Work
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		now := e.now()
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != model.TaskSolved {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, task.ID, task.Status)
		}

		typ, descriptors := e.policy.Seed(task)
		input := model.WorkInput{Feedback: feedback}
		works, err := tx.ListWorkByTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if len(works) > 0 {
			first := works[0].Input
			input.Context = first.Context
			input.Requirements = first.Requirements
			input.InstallCommands = first.InstallCommands
		}
		if latest, err := latestSolution(ctx, tx, task.ID); err != nil {
			return err
		} else if latest != nil {
			input.Code = latest.SolutionCode
			input.SolutionURL = latest.SolutionURL
			input.OriginalCode = latest.SolutionCode
		}

		work = &model.Work{
			ID:          e.newID(),
			TaskID:      task.ID,
			Status:      model.WorkAvailable,
			Type:        typ,
			Description: task.Description,
			Input:       input,
			Chain:       descriptors,
			Priority:    task.Priority,
			Tags:        slices.Clone(task.Tags),
			Skills:      slices.Clone(task.Skills),
			CreatedAt:   now,
		}
		if err := tx.InsertWork(ctx, work); err != nil {
			return err
		}
		task.Status = model.TaskModificationsRequested
		task.ReviewStatus = ""
		task.ReviewFeedback = feedback
		task.ReviewCompleted = false
		task.Flag = ""
		task.UpdatedAt = now
		return tx.UpdateTask(ctx, task)
	})
	if err != nil {
		return nil, fmt.Errorf("request modifications on task %s: %w", taskID, err)
	}
	e.log.InfoContext(ctx, "modifications requested", "task_id", taskID, "work_id", work.ID)
	return work, nil
}

func latestSolution(ctx context.Context, tx store.Tx, taskID string) (*model.WorkRecord, error) {
	records, err := tx.ListRecordsByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var latest *model.WorkRecord
	for _, r := range records {
		if r.Outcome == model.OutcomeSolved && r.HasSolution() {
			latest = r
		}
	}
	return latest, nil
}
