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
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketengine/src/chain"
	"marketengine/src/events"
	"marketengine/src/model"
	"marketengine/src/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	engine *Engine
	store  *store.Memory
	events *events.Recorder
	clock  *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		events: events.NewRecorder(),
		clock:  &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
	}
	f.engine = New(f.store, f.events,
		WithClock(f.clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return f
}

func (f *fixture) task(t *testing.T, id string) *model.Task {
	t.Helper()
	var task *model.Task
	require.NoError(t, f.store.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		task, err = tx.GetTask(context.Background(), id)
		return err
	}))
	return task
}

func (f *fixture) work(t *testing.T, taskID string) []*model.Work {
	t.Helper()
	var works []*model.Work
	require.NoError(t, f.store.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		works, err = tx.ListWorkByTask(context.Background(), taskID)
		return err
	}))
	return works
}

func (f *fixture) record(t *testing.T, id string) *model.WorkRecord {
	t.Helper()
	var rec *model.WorkRecord
	require.NoError(t, f.store.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		rec, err = tx.GetRecord(context.Background(), id)
		return err
	}))
	return rec
}

func (f *fixture) create(t *testing.T, typ model.WorkType, opts model.AdvancedOptions) (*model.Task, *model.Work) {
	t.Helper()
	task, work, err := f.engine.CreateTask(context.Background(), NewTask{
		OwnerID:         "delegator",
		Description:     "parse the invoice export",
		Type:            typ,
		Priority:        10,
		Skills:          []string{"go"},
		AdvancedOptions: opts,
		Input:           model.WorkInput{Code: "func Parse() {}"},
	})
	require.NoError(t, err)
	return task, work
}

func (f *fixture) solve(t *testing.T, workID, workerID string) *FinishResult {
	t.Helper()
	require.NoError(t, claimErr(f.engine.Claim(context.Background(), workID, workerID)))
	f.clock.Advance(30 * time.Minute)
	res, err := f.engine.Finish(context.Background(), FinishRequest{
		WorkID: workID, WorkerID: workerID, Outcome: model.OutcomeSolved,
		SolutionCode: "func Parse() error { return nil }",
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) verdict(t *testing.T, workID, workerID string, status model.ReviewStatus) *FinishResult {
	t.Helper()
	require.NoError(t, claimErr(f.engine.Claim(context.Background(), workID, workerID)))
	f.clock.Advance(15 * time.Minute)
	res, err := f.engine.Finish(context.Background(), FinishRequest{
		WorkID: workID, WorkerID: workerID, Outcome: model.OutcomeSolved,
		ReviewStatus: status, ReviewFeedback: "handle empty rows",
	})
	require.NoError(t, err)
	return res
}

func claimErr(_ *model.WorkRecord, err error) error { return err }

func TestCreateTask(t *testing.T) {
	f := newFixture(t)
	task, work := f.create(t, model.CuckooCoding, model.AdvancedOptions{"qa_chain": true, "qa_iterations": 2})

	assert.Equal(t, model.TaskPending, task.Status)
	assert.Equal(t, model.WorkAvailable, work.Status)
	assert.Equal(t, model.CuckooCoding, work.Type)
	require.Len(t, work.Chain, 1)
	assert.True(t, strings.HasPrefix(work.Chain[0], chain.QAMapperName+chain.Separator))

	delegated := f.events.OfType(events.TaskDelegated)
	require.Len(t, delegated, 1)
	assert.Equal(t, task.ID, delegated[0].TaskID)
}

func TestCreateTask_Validation(t *testing.T) {
	f := newFixture(t)
	for _, n := range []NewTask{
		{Type: "BAKE_CAKE", Priority: 10},
		{Type: model.CreateFunction, Priority: 0},
		{Type: model.CreateFunction, Priority: 101},
	} {
		_, _, err := f.engine.CreateTask(context.Background(), n)
		assert.ErrorIs(t, err, ErrInvalidTask)
	}
}

func TestCreateTask_RejectedDelegationRollsBack(t *testing.T) {
	f := newFixture(t)
	f.events.Reject(events.TaskDelegated)

	_, _, err := f.engine.CreateTask(context.Background(), NewTask{Type: model.CreateFunction, Priority: 5})
	require.ErrorIs(t, err, events.ErrRejected)

	require.NoError(t, f.store.WithTx(context.Background(), func(tx store.Tx) error {
		stats, err := tx.Stats(context.Background())
		assert.Empty(t, stats.Tasks)
		assert.Empty(t, stats.Work)
		return err
	}))
}

func TestClaim(t *testing.T) {
	f := newFixture(t)
	task, work := f.create(t, model.CreateFunction, nil)

	rec, err := f.engine.Claim(context.Background(), work.ID, "alice")
	require.NoError(t, err)
	assert.True(t, rec.Active)
	assert.Equal(t, f.clock.Now(), rec.StartTime)
	assert.Nil(t, rec.Duration)

	assert.Equal(t, model.TaskInProcess, f.task(t, task.ID).Status)
	assert.Equal(t, model.WorkUnavailable, f.work(t, task.ID)[0].Status)
	assert.Len(t, f.events.OfType(events.WorkAccepted), 1)
}

func TestClaim_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("second active record", func(t *testing.T) {
		f := newFixture(t)
		_, first := f.create(t, model.CreateFunction, nil)
		_, second := f.create(t, model.CreateFunction, nil)
		require.NoError(t, claimErr(f.engine.Claim(ctx, first.ID, "alice")))

		_, err := f.engine.Claim(ctx, second.ID, "alice")
		assert.ErrorIs(t, err, ErrActiveRecordExists)
	})

	t.Run("already claimed", func(t *testing.T) {
		f := newFixture(t)
		_, work := f.create(t, model.CreateFunction, nil)
		require.NoError(t, claimErr(f.engine.Claim(ctx, work.ID, "alice")))

		_, err := f.engine.Claim(ctx, work.ID, "bob")
		assert.ErrorIs(t, err, ErrWorkUnavailable)
	})

	t.Run("unknown work", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.Claim(ctx, "missing", "alice")
		assert.ErrorIs(t, err, ErrWorkUnavailable)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("prohibited", func(t *testing.T) {
		f := newFixture(t)
		_, work := f.create(t, model.CreateFunction, nil)
		require.NoError(t, f.engine.Prohibit(ctx, work.ID, "alice"))

		_, err := f.engine.Claim(ctx, work.ID, "alice")
		assert.ErrorIs(t, err, ErrProhibited)
	})

	t.Run("reserved for someone else", func(t *testing.T) {
		f := newFixture(t)
		_, work := f.create(t, model.CreateFunction, nil)
		require.NoError(t, f.engine.Reserve(ctx, work.ID, "bob", time.Hour))

		_, err := f.engine.Claim(ctx, work.ID, "alice")
		assert.ErrorIs(t, err, ErrReserved)

		f.clock.Advance(2 * time.Hour)
		assert.NoError(t, claimErr(f.engine.Claim(ctx, work.ID, "alice")))
	})

	t.Run("paused task", func(t *testing.T) {
		f := newFixture(t)
		task, work := f.create(t, model.CreateFunction, nil)
		require.NoError(t, f.engine.Pause(ctx, task.ID))

		_, err := f.engine.Claim(ctx, work.ID, "alice")
		assert.ErrorIs(t, err, ErrWorkUnavailable)
	})
}

func TestClaim_ConsumesOwnReservation(t *testing.T) {
	f := newFixture(t)
	task, work := f.create(t, model.CreateFunction, nil)
	require.NoError(t, f.engine.Reserve(context.Background(), work.ID, "alice", 0))

	require.NoError(t, claimErr(f.engine.Claim(context.Background(), work.ID, "alice")))
	got := f.work(t, task.ID)[0]
	assert.Equal(t, model.WorkUnavailable, got.Status)
	assert.Empty(t, got.ReservedWorkerID)
	assert.Nil(t, got.ReservedUntil)
}

func TestClaim_RejectedEventRollsBack(t *testing.T) {
	f := newFixture(t)
	task, work := f.create(t, model.CreateFunction, nil)
	f.events.Reject(events.WorkAccepted)

	_, err := f.engine.Claim(context.Background(), work.ID, "alice")
	require.ErrorIs(t, err, events.ErrRejected)

	assert.Equal(t, model.TaskPending, f.task(t, task.ID).Status)
	assert.Equal(t, model.WorkAvailable, f.work(t, task.ID)[0].Status)

	f.events.Accept(events.WorkAccepted)
	assert.NoError(t, claimErr(f.engine.Claim(context.Background(), work.ID, "alice")))
}

func TestClaim_Concurrent(t *testing.T) {
	f := newFixture(t)
	_, work := f.create(t, model.CreateFunction, nil)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Claim(context.Background(), work.ID, fmt.Sprintf("worker-%d", i))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
			} else {
				errs = append(errs, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	require.Len(t, errs, workers-1)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrWorkUnavailable)
	}
}

func TestCheckpoint(t *testing.T) {
	f := newFixture(t)
	_, work := f.create(t, model.CreateFunction, nil)
	rec, err := f.engine.Claim(context.Background(), work.ID, "alice")
	require.NoError(t, err)

	require.NoError(t, f.engine.Checkpoint(context.Background(), work.ID, "alice", 12*time.Minute))
	got := f.record(t, rec.ID)
	require.NotNil(t, got.Checkpoint)
	assert.Equal(t, 12*time.Minute, *got.Checkpoint)
	assert.True(t, got.Active)
	assert.Nil(t, got.Duration)

	err = f.engine.Checkpoint(context.Background(), work.ID, "bob", time.Minute)
	assert.ErrorIs(t, err, ErrNoActiveRecord)
	assert.Error(t, f.engine.Checkpoint(context.Background(), work.ID, "alice", -time.Minute))
}

// Worker A codes, B finds it inadequate, A reworks under reservation, C
// accepts the rework.
func TestFinish_QAChainScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task, coding := f.create(t, model.CuckooCoding, model.AdvancedOptions{"qa_chain": true, "qa_iterations": 2})

	res := f.solve(t, coding.ID, "alice")
	require.Len(t, res.Successors, 1)
	qa := res.Successors[0]
	assert.Equal(t, model.CuckooQA, qa.Type)
	assert.Equal(t, "alice", qa.ProhibitedWorkerID)
	assert.Contains(t, qa.Skills, chain.DefaultQASkill)
	assert.Equal(t, model.TaskInProcess, res.Task.Status)

	_, err := f.engine.Claim(ctx, qa.ID, "alice")
	assert.ErrorIs(t, err, ErrProhibited)

	res = f.verdict(t, qa.ID, "bob", model.ReviewInadequate)
	require.Len(t, res.Successors, 1)
	rework := res.Successors[0]
	assert.Equal(t, model.CuckooIteration, rework.Type)
	assert.Equal(t, "alice", rework.ReservedWorkerID)
	require.NotNil(t, rework.ReservedUntil)
	assert.Equal(t, res.Record.EndTime().Add(chain.DefaultReservationHours*time.Hour), *rework.ReservedUntil)
	assert.Equal(t, "handle empty rows", rework.Input.Feedback)
	assert.Equal(t, model.ReviewInadequate, res.Task.ReviewStatus)

	_, err = f.engine.Claim(ctx, rework.ID, "carol")
	assert.ErrorIs(t, err, ErrReserved)

	res = f.solve(t, rework.ID, "alice")
	require.Len(t, res.Successors, 1)
	secondQA := res.Successors[0]
	assert.Equal(t, model.CuckooQA, secondQA.Type)

	res = f.verdict(t, secondQA.ID, "carol", model.ReviewAdequate)
	assert.Empty(t, res.Successors)
	assert.Equal(t, model.TaskSolved, res.Task.Status)
	assert.True(t, res.Task.ReviewCompleted)
	assert.Empty(t, res.Task.Flag)
	assert.Len(t, f.work(t, task.ID), 4)

	for _, w := range f.work(t, task.ID) {
		assert.Equal(t, model.WorkComplete, w.Status)
	}
	assert.Len(t, f.events.OfType(events.WorkSolved), 4)
	assert.Len(t, f.events.OfType(events.WorkReserved), 1)
}

func TestFinish_QAIterationsExhausted(t *testing.T) {
	f := newFixture(t)
	_, coding := f.create(t, model.CuckooCoding, model.AdvancedOptions{"qa_chain": true, "qa_iterations": 1})

	qa := f.solve(t, coding.ID, "alice").Successors[0]
	res := f.verdict(t, qa.ID, "bob", model.ReviewInadequate)

	assert.Empty(t, res.Successors)
	assert.Equal(t, model.TaskSolved, res.Task.Status)
	assert.Equal(t, model.FlagQAIterationsExhausted, res.Task.Flag)
}

func TestFinish_ChainAdvanceInheritsTail(t *testing.T) {
	f := newFixture(t)
	task, coding := f.create(t, model.CreateFunction, nil)
	require.Len(t, coding.Chain, 2)

	res := f.solve(t, coding.ID, "alice")
	require.Len(t, res.Successors, 1)
	review := res.Successors[0]
	assert.Equal(t, task.ID, review.TaskID)
	assert.Equal(t, coding.Chain[1:], review.Chain)
	assert.Equal(t, model.TaskInProcess, res.Task.Status)

	res = f.verdict(t, review.ID, "bob", model.ReviewAdequate)
	assert.Empty(t, res.Successors)
	assert.Equal(t, model.TaskSolved, res.Task.Status)
	assert.Len(t, f.work(t, task.ID), 2)

	// the reviewed record learns who reviewed it
	authored := f.record(t, f.solvedRecord(t, coding.ID).ID)
	assert.Equal(t, "bob", authored.ReviewUserID)
	require.NotNil(t, authored.ReviewDuration)
	assert.Equal(t, 15*time.Minute, *authored.ReviewDuration)
}

func (f *fixture) solvedRecord(t *testing.T, workID string) *model.WorkRecord {
	t.Helper()
	var out *model.WorkRecord
	require.NoError(t, f.store.WithTx(context.Background(), func(tx store.Tx) error {
		records, err := tx.ListRecordsByWork(context.Background(), workID)
		for _, r := range records {
			if r.Outcome == model.OutcomeSolved {
				out = r
			}
		}
		return err
	}))
	require.NotNil(t, out)
	return out
}

func TestFinish_TerminalWorkSolvesTask(t *testing.T) {
	f := newFixture(t)
	task, work := f.create(t, model.OpenTask, model.AdvancedOptions{"no_chain": true})
	assert.Empty(t, work.Chain)

	res := f.solve(t, work.ID, "alice")
	assert.Empty(t, res.Successors)
	assert.Equal(t, model.TaskSolved, f.task(t, task.ID).Status)
}

func TestFinish_Twice(t *testing.T) {
	f := newFixture(t)
	task, work := f.create(t, model.CreateFunction, nil)
	f.solve(t, work.ID, "alice")

	_, err := f.engine.Finish(context.Background(), FinishRequest{
		WorkID: work.ID, WorkerID: "alice", Outcome: model.OutcomeSolved, SolutionCode: "x",
	})
	assert.ErrorIs(t, err, ErrNoActiveRecord)
	assert.Len(t, f.work(t, task.ID), 2)
}

func TestFinish_SolvedNeedsDeliverable(t *testing.T) {
	f := newFixture(t)
	_, work := f.create(t, model.CreateFunction, nil)
	rec, err := f.engine.Claim(context.Background(), work.ID, "alice")
	require.NoError(t, err)

	_, err = f.engine.Finish(context.Background(), FinishRequest{WorkID: work.ID, WorkerID: "alice", Outcome: model.OutcomeSolved})
	assert.ErrorIs(t, err, ErrInvalidOutcome)
	assert.True(t, f.record(t, rec.ID).Active)

	_, err = f.engine.Finish(context.Background(), FinishRequest{WorkID: work.ID, WorkerID: "alice", Outcome: model.OutcomeTaskCancelled})
	assert.ErrorIs(t, err, ErrInvalidOutcome)
}

func TestFinish_NonSolvedOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("skip returns work to the pool", func(t *testing.T) {
		f := newFixture(t)
		task, work := f.create(t, model.CreateFunction, nil)
		rec, err := f.engine.Claim(ctx, work.ID, "alice")
		require.NoError(t, err)
		f.clock.Advance(5 * time.Minute)

		require.NoError(t, f.engine.Skip(ctx, work.ID, "alice"))
		got := f.record(t, rec.ID)
		assert.False(t, got.Active)
		assert.Equal(t, model.OutcomeSkipped, got.Outcome)
		require.NotNil(t, got.Duration)
		assert.Equal(t, 5*time.Minute, *got.Duration)
		assert.Equal(t, model.TaskPending, f.task(t, task.ID).Status)
		assert.Equal(t, model.WorkAvailable, f.work(t, task.ID)[0].Status)
		assert.Len(t, f.events.OfType(events.WorkCanceled), 1)
	})

	t.Run("feedback invalidates the task", func(t *testing.T) {
		f := newFixture(t)
		task, work := f.create(t, model.CreateFunction, nil)
		require.NoError(t, claimErr(f.engine.Claim(ctx, work.ID, "alice")))

		res, err := f.engine.Finish(ctx, FinishRequest{
			WorkID: work.ID, WorkerID: "alice", Outcome: model.OutcomeFeedback, ReviewFeedback: "spec is contradictory",
		})
		require.NoError(t, err)
		assert.Empty(t, res.Successors)
		got := f.task(t, task.ID)
		assert.Equal(t, model.TaskInvalid, got.Status)
		assert.Equal(t, "spec is contradictory", got.ReviewFeedback)
	})

	t.Run("requested package parks the work", func(t *testing.T) {
		f := newFixture(t)
		task, work := f.create(t, model.CreateFunction, nil)
		require.NoError(t, claimErr(f.engine.Claim(ctx, work.ID, "alice")))

		_, err := f.engine.Finish(ctx, FinishRequest{WorkID: work.ID, WorkerID: "alice", Outcome: model.OutcomeRequestedPackage})
		require.NoError(t, err)
		assert.Equal(t, model.TaskPendingPackage, f.task(t, task.ID).Status)
		assert.Equal(t, model.WorkPendingPackage, f.work(t, task.ID)[0].Status)

		require.NoError(t, f.engine.ResolvePackage(ctx, task.ID))
		assert.Equal(t, model.TaskPending, f.task(t, task.ID).Status)
		assert.Equal(t, model.WorkAvailable, f.work(t, task.ID)[0].Status)
		assert.ErrorIs(t, f.engine.ResolvePackage(ctx, task.ID), ErrInvalidTransition)
	})
}

func TestFinish_ConsistencyErrorFlagsTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	task := &model.Task{ID: "t1", Status: model.TaskPending, Type: model.CreateFunction, Priority: 5, CreatedAt: now}
	descriptor, err := chain.Deflate(chain.ModificationMapper{Iterations: 1})
	require.NoError(t, err)
	work := &model.Work{ID: "w1", TaskID: "t1", Status: model.WorkAvailable, Type: model.CreateFunction, Chain: []string{descriptor}, Priority: 5}
	require.NoError(t, f.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertTask(ctx, task); err != nil {
			return err
		}
		return tx.InsertWork(ctx, work)
	}))

	res := f.solve(t, "w1", "alice")
	assert.Empty(t, res.Successors)
	assert.Equal(t, model.TaskSolved, res.Task.Status)
	assert.Equal(t, model.FlagChainConsistency, res.Task.Flag)
	assert.Equal(t, model.WorkComplete, f.work(t, "t1")[0].Status)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task, work := f.create(t, model.CreateFunction, nil)
	rec, err := f.engine.Claim(ctx, work.ID, "alice")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	require.NoError(t, f.engine.Cancel(ctx, task.ID, "delegator withdrew"))

	assert.Equal(t, model.TaskCancelled, f.task(t, task.ID).Status)
	got := f.record(t, rec.ID)
	assert.False(t, got.Active)
	assert.Equal(t, model.OutcomeTaskCancelled, got.Outcome)
	assert.Equal(t, time.Hour, *got.Duration)
	assert.Equal(t, model.WorkUnavailable, f.work(t, task.ID)[0].Status)

	_, err = f.engine.Finish(ctx, FinishRequest{WorkID: work.ID, WorkerID: "alice", Outcome: model.OutcomeSolved, SolutionCode: "x"})
	assert.ErrorIs(t, err, ErrNoActiveRecord)
	assert.ErrorIs(t, f.engine.Cancel(ctx, task.ID, "again"), ErrInvalidTransition)
}

// lockingStore notes every row lock a transaction takes.
type lockingStore struct {
	store.Store
	mu    sync.Mutex
	locks []string
}

func (s *lockingStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(&lockingTx{Tx: tx, s: s})
	})
}

func (s *lockingStore) take() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.locks
	s.locks = nil
	return out
}

type lockingTx struct {
	store.Tx
	s *lockingStore
}

func (tx *lockingTx) note(kind string) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	tx.s.locks = append(tx.s.locks, kind)
}

func (tx *lockingTx) GetTask(ctx context.Context, id string) (*model.Task, error) {
	tx.note("task")
	return tx.Tx.GetTask(ctx, id)
}

func (tx *lockingTx) GetWork(ctx context.Context, id string) (*model.Work, error) {
	tx.note("work")
	return tx.Tx.GetWork(ctx, id)
}

func (tx *lockingTx) GetRecord(ctx context.Context, id string) (*model.WorkRecord, error) {
	tx.note("record")
	return tx.Tx.GetRecord(ctx, id)
}

func (tx *lockingTx) ActiveRecordByUser(ctx context.Context, userID string) (*model.WorkRecord, error) {
	tx.note("record")
	return tx.Tx.ActiveRecordByUser(ctx, userID)
}

func assertLockOrder(t *testing.T, locks []string) {
	t.Helper()
	rank := map[string]int{"record": 0, "work": 1, "task": 2}
	require.NotEmpty(t, locks)
	for i := 1; i < len(locks); i++ {
		assert.LessOrEqual(t, rank[locks[i-1]], rank[locks[i]], "lock sequence %v", locks)
	}
}

func TestLockOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ls := &lockingStore{Store: f.store}
	engine := New(ls, f.events,
		WithClock(f.clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	task, work := f.create(t, model.CreateFunction, nil)
	_, err := engine.Claim(ctx, work.ID, "alice")
	require.NoError(t, err)
	assertLockOrder(t, ls.take())

	_, err = engine.Finish(ctx, FinishRequest{WorkID: work.ID, WorkerID: "alice", Outcome: model.OutcomeRequestedPackage})
	require.NoError(t, err)
	assertLockOrder(t, ls.take())

	require.NoError(t, engine.ResolvePackage(ctx, task.ID))
	assertLockOrder(t, ls.take())

	_, err = engine.Claim(ctx, work.ID, "bob")
	require.NoError(t, err)
	ls.take()
	require.NoError(t, engine.Cancel(ctx, task.ID, "delegator withdrew"))
	locks := ls.take()
	assertLockOrder(t, locks)
	assert.Contains(t, locks, "record")
	assert.Equal(t, "task", locks[len(locks)-1])
}

func TestAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task, coding := f.create(t, model.CreateFunction, nil)

	assert.ErrorIs(t, f.engine.Accept(ctx, task.ID), ErrInvalidTransition)

	review := f.solve(t, coding.ID, "alice").Successors[0]
	f.verdict(t, review.ID, "bob", model.ReviewAdequate)

	err := f.engine.Accept(ctx, task.ID)
	require.ErrorIs(t, err, ErrNotRated)
	assert.Equal(t, model.TaskSolved, f.task(t, task.ID).Status)

	solved := f.solvedRecord(t, coding.ID)
	assert.Error(t, f.engine.Rate(ctx, solved.ID, 9))
	require.NoError(t, f.engine.Rate(ctx, solved.ID, 4))
	require.NoError(t, f.engine.Accept(ctx, task.ID))
	assert.Equal(t, model.TaskAccepted, f.task(t, task.ID).Status)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task, work := f.create(t, model.CreateFunction, nil)

	require.NoError(t, f.engine.Pause(ctx, task.ID))
	assert.Equal(t, model.TaskPaused, f.task(t, task.ID).Status)
	assert.ErrorIs(t, f.engine.Pause(ctx, task.ID), ErrInvalidTransition)

	require.NoError(t, f.engine.Resume(ctx, task.ID))
	assert.Equal(t, model.TaskPending, f.task(t, task.ID).Status)

	require.NoError(t, claimErr(f.engine.Claim(ctx, work.ID, "alice")))
	require.NoError(t, f.engine.Pause(ctx, task.ID))
	require.NoError(t, f.engine.Resume(ctx, task.ID))
	assert.Equal(t, model.TaskInProcess, f.task(t, task.ID).Status)
	assert.ErrorIs(t, f.engine.Resume(ctx, task.ID), ErrInvalidTransition)
}

func TestPauseResume_WorkerActionsWaitForResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task, work := f.create(t, model.CreateFunction, nil)

	rec, err := f.engine.Claim(ctx, work.ID, "alice")
	require.NoError(t, err)
	require.NoError(t, f.engine.Pause(ctx, task.ID))

	assert.ErrorIs(t, f.engine.Skip(ctx, work.ID, "alice"), ErrInvalidTransition)
	_, err = f.engine.Finish(ctx, FinishRequest{
		WorkID: work.ID, WorkerID: "alice", Outcome: model.OutcomeSolved, SolutionCode: "def f(): pass",
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.engine.Finish(ctx, FinishRequest{WorkID: work.ID, WorkerID: "alice", Outcome: model.OutcomeRequestedPackage})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, f.engine.Checkpoint(ctx, work.ID, "alice", time.Minute), ErrInvalidTransition)

	assert.Equal(t, model.TaskPaused, f.task(t, task.ID).Status)
	got := f.record(t, rec.ID)
	assert.True(t, got.Active)
	assert.Empty(t, got.Outcome)
	assert.Nil(t, got.Checkpoint)

	require.NoError(t, f.engine.Resume(ctx, task.ID))
	require.NoError(t, f.engine.Skip(ctx, work.ID, "alice"))
	assert.Equal(t, model.TaskPending, f.task(t, task.ID).Status)
}

func TestReserveProhibit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task, work := f.create(t, model.CreateFunction, nil)

	require.NoError(t, f.engine.Reserve(ctx, work.ID, "alice", 0))
	got := f.work(t, task.ID)[0]
	assert.Equal(t, "alice", got.ReservedWorkerID)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), *got.ReservedUntil)
	assert.ErrorIs(t, f.engine.Reserve(ctx, work.ID, "bob", time.Hour), ErrReserved)

	require.NoError(t, f.engine.Prohibit(ctx, work.ID, "alice"))
	got = f.work(t, task.ID)[0]
	assert.Equal(t, "alice", got.ProhibitedWorkerID)
	assert.Empty(t, got.ReservedWorkerID)
	assert.ErrorIs(t, f.engine.Reserve(ctx, work.ID, "alice", time.Hour), ErrProhibited)

	assert.ErrorIs(t, f.engine.Unprohibit(ctx, work.ID, "bob"), ErrInvalidTransition)
	require.NoError(t, f.engine.Unprohibit(ctx, work.ID, "alice"))
	require.NoError(t, f.engine.Reserve(ctx, work.ID, "bob", time.Hour))
	require.NoError(t, f.engine.Unreserve(ctx, work.ID))
	assert.Empty(t, f.work(t, task.ID)[0].ReservedWorkerID)

	assert.Len(t, f.events.OfType(events.WorkReserved), 2)
	assert.Len(t, f.events.OfType(events.WorkDismissed), 1)
	assert.Len(t, f.events.OfType(events.WorkProhibited), 1)
	assert.Len(t, f.events.OfType(events.WorkUnprohibited), 1)
}

func TestAdvisoryEventFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	task, work := f.create(t, model.CreateFunction, nil)
	f.events.Reject(events.WorkReserved)

	require.NoError(t, f.engine.Reserve(context.Background(), work.ID, "alice", time.Hour))
	assert.Equal(t, "alice", f.work(t, task.ID)[0].ReservedWorkerID)
}

func TestRequestModifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task, work := f.create(t, model.CreateFunction, model.AdvancedOptions{"no_chain": true})

	_, err := f.engine.RequestModifications(ctx, task.ID, "too early")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	f.solve(t, work.ID, "alice")
	next, err := f.engine.RequestModifications(ctx, task.ID, "also accept CSV")
	require.NoError(t, err)

	assert.Equal(t, model.CreateFunction, next.Type)
	assert.Equal(t, "also accept CSV", next.Input.Feedback)
	assert.Equal(t, "func Parse() error { return nil }", next.Input.Code)
	got := f.task(t, task.ID)
	assert.Equal(t, model.TaskModificationsRequested, got.Status)
	assert.True(t, got.Status.IsActive())

	rec, err := f.engine.Claim(ctx, next.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, next.ID, rec.WorkID)
}

func TestNotFoundAs(t *testing.T) {
	err := notFoundAs(fmt.Errorf("wrapped: %w", store.ErrNotFound), ErrNoActiveRecord)
	assert.True(t, errors.Is(err, ErrNoActiveRecord))
	assert.True(t, errors.Is(err, store.ErrNotFound))

	other := errors.New("boom")
	assert.Equal(t, other, notFoundAs(other, ErrNoActiveRecord))
}
