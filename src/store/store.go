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

// Package store persists Tasks, Work and WorkRecords. Every state change runs
// inside Store.WithTx so a transition and its side rows commit together.
package store

import (
	"context"
	"errors"
	"time"

	"marketengine/src/model"
)

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")
	// ErrConflict is returned when a write violates a uniqueness invariant,
	// such as a second active WorkRecord for one worker.
	ErrConflict = errors.New("conflicting write")
)

type Store interface {
	// WithTx runs fn in one atomic unit. Returning an error rolls back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

type Tx interface {
	InsertTask(ctx context.Context, t *model.Task) error
	// GetTask loads a task and locks it for the rest of the transaction.
	GetTask(ctx context.Context, id string) (*model.Task, error)
	UpdateTask(ctx context.Context, t *model.Task) error

	InsertWork(ctx context.Context, w *model.Work) error
	// GetWork loads a work item and locks it for the rest of the transaction.
	GetWork(ctx context.Context, id string) (*model.Work, error)
	UpdateWork(ctx context.Context, w *model.Work) error
	ListWorkByTask(ctx context.Context, taskID string) ([]*model.Work, error)
	// TransitionWork moves a work item from one status to another and reports
	// false when it was no longer in the expected status.
	TransitionWork(ctx context.Context, id string, from, to model.WorkStatus) (bool, error)

	// InsertRecord returns ErrConflict if the worker already holds an active
	// record or the work already has a solved record.
	InsertRecord(ctx context.Context, r *model.WorkRecord) error
	GetRecord(ctx context.Context, id string) (*model.WorkRecord, error)
	UpdateRecord(ctx context.Context, r *model.WorkRecord) error
	ActiveRecordByUser(ctx context.Context, userID string) (*model.WorkRecord, error)
	ListRecordsByWork(ctx context.Context, workID string) ([]*model.WorkRecord, error)
	ListRecordsByTask(ctx context.Context, taskID string) ([]*model.WorkRecord, error)

	// Candidates returns the pool of AVAILABLE work a worker may be shown.
	Candidates(ctx context.Context, q CandidateQuery) ([]Candidate, error)
	// ReservedWork returns AVAILABLE work on active tasks reserved for the
	// worker with an unexpired reservation.
	ReservedWork(ctx context.Context, workerID string, now time.Time) ([]*model.Work, error)
	// StaleRecords returns active records started before the cutoff whose
	// task is IN_PROCESS or PAUSED.
	StaleRecords(ctx context.Context, startedBefore time.Time) ([]*model.WorkRecord, error)
	// ExpiredReservations returns AVAILABLE work on active tasks whose
	// reservation lapsed at or before now.
	ExpiredReservations(ctx context.Context, now time.Time) ([]*model.Work, error)
	Stats(ctx context.Context) (Stats, error)
}

// CandidateQuery filters the pool for one worker.
type CandidateQuery struct {
	WorkerID      string
	WorkerSkills  []string
	WorkerTags    []string
	ExcludeWorkID string
	Now           time.Time
}

// Candidate is one eligible work item with the inputs of its weight.
type Candidate struct {
	Work          *model.Work
	TaskPriority  int
	MatchedSkills int
	MinutesSpent  float64 // by this worker on any work of the same task
}

// Stats counts rows by status.
type Stats struct {
	Tasks         map[model.TaskStatus]int `json:"tasks"`
	Work          map[model.WorkStatus]int `json:"work"`
	ActiveRecords int                      `json:"active_records"`
}
