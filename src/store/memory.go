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

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketengine/src/model"
)

// Memory is an in-process Store. Transactions are serialized by a single
// mutex and rolled back by restoring a snapshot, which gives the same
// visible behavior as the Postgres store for a single process.
type Memory struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	tasks   map[string]*model.Task
	work    map[string]*model.Work
	records map[string]*model.WorkRecord
	order   []string // work ids in insertion order
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{state: memState{
		tasks:   make(map[string]*model.Task),
		work:    make(map[string]*model.Work),
		records: make(map[string]*model.WorkRecord),
	}}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := m.state.clone()
	if err := fn(&memTx{s: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s memState) clone() memState {
	cp := memState{
		tasks:   make(map[string]*model.Task, len(s.tasks)),
		work:    make(map[string]*model.Work, len(s.work)),
		records: make(map[string]*model.WorkRecord, len(s.records)),
		order:   append([]string(nil), s.order...),
	}
	for id, t := range s.tasks {
		cp.tasks[id] = t.Clone()
	}
	for id, w := range s.work {
		cp.work[id] = w.Clone()
	}
	for id, r := range s.records {
		cp.records[id] = r.Clone()
	}
	return cp
}

type memTx struct {
	s *memState
}

func (tx *memTx) InsertTask(_ context.Context, t *model.Task) error {
	if _, ok := tx.s.tasks[t.ID]; ok {
		return fmt.Errorf("%w: task %s exists", ErrConflict, t.ID)
	}
	tx.s.tasks[t.ID] = t.Clone()
	return nil
}

func (tx *memTx) GetTask(_ context.Context, id string) (*model.Task, error) {
	t, ok := tx.s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

func (tx *memTx) UpdateTask(_ context.Context, t *model.Task) error {
	if _, ok := tx.s.tasks[t.ID]; !ok {
		return fmt.Errorf("%w: task %s", ErrNotFound, t.ID)
	}
	tx.s.tasks[t.ID] = t.Clone()
	return nil
}

func (tx *memTx) InsertWork(_ context.Context, w *model.Work) error {
	if _, ok := tx.s.work[w.ID]; ok {
		return fmt.Errorf("%w: work %s exists", ErrConflict, w.ID)
	}
	if _, ok := tx.s.tasks[w.TaskID]; !ok {
		return fmt.Errorf("%w: task %s", ErrNotFound, w.TaskID)
	}
	tx.s.work[w.ID] = w.Clone()
	tx.s.order = append(tx.s.order, w.ID)
	return nil
}

func (tx *memTx) GetWork(_ context.Context, id string) (*model.Work, error) {
	w, ok := tx.s.work[id]
	if !ok {
		return nil, fmt.Errorf("%w: work %s", ErrNotFound, id)
	}
	return w.Clone(), nil
}

func (tx *memTx) UpdateWork(_ context.Context, w *model.Work) error {
	if _, ok := tx.s.work[w.ID]; !ok {
		return fmt.Errorf("%w: work %s", ErrNotFound, w.ID)
	}
	tx.s.work[w.ID] = w.Clone()
	return nil
}

func (tx *memTx) ListWorkByTask(_ context.Context, taskID string) ([]*model.Work, error) {
	var out []*model.Work
	for _, id := range tx.s.order {
		if w := tx.s.work[id]; w.TaskID == taskID {
			out = append(out, w.Clone())
		}
	}
	return out, nil
}

func (tx *memTx) TransitionWork(_ context.Context, id string, from, to model.WorkStatus) (bool, error) {
	w, ok := tx.s.work[id]
	if !ok {
		return false, fmt.Errorf("%w: work %s", ErrNotFound, id)
	}
	if w.Status != from {
		return false, nil
	}
	w.Status = to
	return true, nil
}

func (tx *memTx) InsertRecord(_ context.Context, r *model.WorkRecord) error {
	if _, ok := tx.s.records[r.ID]; ok {
		return fmt.Errorf("%w: record %s exists", ErrConflict, r.ID)
	}
	if err := tx.checkUnique(r); err != nil {
		return err
	}
	tx.s.records[r.ID] = r.Clone()
	return nil
}

// checkUnique mirrors the partial unique indexes of the Postgres schema.
func (tx *memTx) checkUnique(r *model.WorkRecord) error {
	for _, other := range tx.s.records {
		if other.ID == r.ID {
			continue
		}
		if r.Active && other.Active && other.UserID == r.UserID {
			return fmt.Errorf("%w: worker %s already has an active record", ErrConflict, r.UserID)
		}
		if r.Outcome == model.OutcomeSolved && other.Outcome == model.OutcomeSolved && other.WorkID == r.WorkID {
			return fmt.Errorf("%w: work %s already solved", ErrConflict, r.WorkID)
		}
	}
	return nil
}

func (tx *memTx) GetRecord(_ context.Context, id string) (*model.WorkRecord, error) {
	r, ok := tx.s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (tx *memTx) UpdateRecord(_ context.Context, r *model.WorkRecord) error {
	if _, ok := tx.s.records[r.ID]; !ok {
		return fmt.Errorf("%w: record %s", ErrNotFound, r.ID)
	}
	if err := tx.checkUnique(r); err != nil {
		return err
	}
	tx.s.records[r.ID] = r.Clone()
	return nil
}

func (tx *memTx) ActiveRecordByUser(_ context.Context, userID string) (*model.WorkRecord, error) {
	for _, r := range tx.s.records {
		if r.Active && r.UserID == userID {
			return r.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: active record for %s", ErrNotFound, userID)
}

func (tx *memTx) ListRecordsByWork(_ context.Context, workID string) ([]*model.WorkRecord, error) {
	var out []*model.WorkRecord
	for _, r := range tx.s.records {
		if r.WorkID == workID {
			out = append(out, r.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

func (tx *memTx) ListRecordsByTask(_ context.Context, taskID string) ([]*model.WorkRecord, error) {
	var out []*model.WorkRecord
	for _, r := range tx.s.records {
		if w, ok := tx.s.work[r.WorkID]; ok && w.TaskID == taskID {
			out = append(out, r.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(rs []*model.WorkRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].StartTime.Equal(rs[j].StartTime) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].StartTime.Before(rs[j].StartTime)
	})
}

func (tx *memTx) taskActive(taskID string) (*model.Task, bool) {
	t, ok := tx.s.tasks[taskID]
	return t, ok && t.Status.IsActive()
}

func (tx *memTx) Candidates(_ context.Context, q CandidateQuery) ([]Candidate, error) {
	var out []Candidate
	for _, id := range tx.s.order {
		w := tx.s.work[id]
		if w.Status != model.WorkAvailable || w.ID == q.ExcludeWorkID {
			continue
		}
		t, ok := tx.taskActive(w.TaskID)
		if !ok {
			continue
		}
		if w.ProhibitedWorkerID != "" && w.ProhibitedWorkerID == q.WorkerID {
			continue
		}
		if !w.VisibleTo(q.WorkerTags) || w.ReservedForOther(q.WorkerID, q.Now) {
			continue
		}
		out = append(out, Candidate{
			Work:          w.Clone(),
			TaskPriority:  t.Priority,
			MatchedSkills: w.MatchedSkills(q.WorkerSkills),
			MinutesSpent:  tx.minutesSpent(q.WorkerID, w.TaskID),
		})
	}
	return out, nil
}

func (tx *memTx) minutesSpent(userID, taskID string) float64 {
	var total time.Duration
	for _, r := range tx.s.records {
		if r.UserID != userID {
			continue
		}
		if w, ok := tx.s.work[r.WorkID]; ok && w.TaskID == taskID {
			total += r.Spent()
		}
	}
	return total.Minutes()
}

func (tx *memTx) ReservedWork(_ context.Context, workerID string, now time.Time) ([]*model.Work, error) {
	var out []*model.Work
	for _, id := range tx.s.order {
		w := tx.s.work[id]
		if w.Status != model.WorkAvailable || w.ReservedWorkerID != workerID || !w.ReservationLive(now) {
			continue
		}
		if _, ok := tx.taskActive(w.TaskID); ok {
			out = append(out, w.Clone())
		}
	}
	return out, nil
}

func (tx *memTx) StaleRecords(_ context.Context, startedBefore time.Time) ([]*model.WorkRecord, error) {
	var out []*model.WorkRecord
	for _, r := range tx.s.records {
		if !r.Active || !r.StartTime.Before(startedBefore) {
			continue
		}
		w, ok := tx.s.work[r.WorkID]
		if !ok {
			continue
		}
		if t, ok := tx.s.tasks[w.TaskID]; ok && (t.Status == model.TaskInProcess || t.Status == model.TaskPaused) {
			out = append(out, r.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

func (tx *memTx) ExpiredReservations(_ context.Context, now time.Time) ([]*model.Work, error) {
	var out []*model.Work
	for _, id := range tx.s.order {
		w := tx.s.work[id]
		if w.Status != model.WorkAvailable || w.ReservedWorkerID == "" || w.ReservedUntil == nil || w.ReservedUntil.After(now) {
			continue
		}
		if _, ok := tx.taskActive(w.TaskID); ok {
			out = append(out, w.Clone())
		}
	}
	return out, nil
}

func (tx *memTx) Stats(_ context.Context) (Stats, error) {
	st := Stats{Tasks: map[model.TaskStatus]int{}, Work: map[model.WorkStatus]int{}}
	for _, t := range tx.s.tasks {
		st.Tasks[t.Status]++
	}
	for _, w := range tx.s.work {
		st.Work[w.Status]++
	}
	for _, r := range tx.s.records {
		if r.Active {
			st.ActiveRecords++
		}
	}
	return st, nil
}
