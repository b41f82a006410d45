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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"marketengine/src/model"
)

// Postgres is the Store backed by PostgreSQL through lib/pq.
type Postgres struct {
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects and pings so a bad DSN fails fast.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", mapErr(err))
	}
	return nil
}

// mapErr turns unique violations into ErrConflict.
func mapErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

type pgTx struct {
	tx *sql.Tx
}

const taskColumns = `id, owner_id, description, status, type, priority, review_status, review_feedback,
	review_completed, flag, tags, skills, advanced_options, created_at, updated_at`

var workColumnList = []string{
	"id", "task_id", "status", "type", "description", "work_input", "chain", "priority",
	"reserved_worker_id", "reserved_until", "prohibited_worker_id", "tags", "skills", "created_at",
}

var workColumns = strings.Join(workColumnList, ", ")

func prefixed(prefix string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = prefix + "." + c
	}
	return strings.Join(out, ", ")
}

const recordColumns = `id, user_id, work_id, active, start_time, duration_ms, checkpoint_ms, outcome,
	solution_url, solution_code, review_status, review_feedback, review_user_id, review_start_time,
	review_duration_ms, rating`

func textArray(s []string) any {
	if s == nil {
		s = []string{}
	}
	return pq.Array(s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMillis(d *time.Duration) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: d.Milliseconds(), Valid: true}
}

func fromMillis(n sql.NullInt64) *time.Duration {
	if !n.Valid {
		return nil
	}
	d := time.Duration(n.Int64) * time.Millisecond
	return &d
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t            model.Task
		reviewStatus sql.NullString
		options      []byte
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.Description, &t.Status, &t.Type, &t.Priority, &reviewStatus,
		&t.ReviewFeedback, &t.ReviewCompleted, &t.Flag, pq.Array(&t.Tags), pq.Array(&t.Skills), &options,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.ReviewStatus = model.ReviewStatus(reviewStatus.String)
	if len(options) > 0 {
		if err := json.Unmarshal(options, &t.AdvancedOptions); err != nil {
			return nil, fmt.Errorf("decode advanced options of task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func scanWork(row rowScanner) (*model.Work, error) {
	var (
		w          model.Work
		input      []byte
		reserved   sql.NullString
		prohibited sql.NullString
	)
	err := row.Scan(&w.ID, &w.TaskID, &w.Status, &w.Type, &w.Description, &input, pq.Array(&w.Chain),
		&w.Priority, &reserved, &w.ReservedUntil, &prohibited, pq.Array(&w.Tags), pq.Array(&w.Skills),
		&w.CreatedAt)
	if err != nil {
		return nil, err
	}
	w.ReservedWorkerID = reserved.String
	w.ProhibitedWorkerID = prohibited.String
	if len(input) > 0 {
		if err := json.Unmarshal(input, &w.Input); err != nil {
			return nil, fmt.Errorf("decode input of work %s: %w", w.ID, err)
		}
	}
	return &w, nil
}

func scanRecord(row rowScanner) (*model.WorkRecord, error) {
	var (
		r                                 model.WorkRecord
		duration, checkpoint, reviewDur   sql.NullInt64
		outcome, reviewStatus, reviewUser sql.NullString
		rating                            sql.NullInt32
	)
	err := row.Scan(&r.ID, &r.UserID, &r.WorkID, &r.Active, &r.StartTime, &duration, &checkpoint, &outcome,
		&r.SolutionURL, &r.SolutionCode, &reviewStatus, &r.ReviewFeedback, &reviewUser, &r.ReviewStartTime,
		&reviewDur, &rating)
	if err != nil {
		return nil, err
	}
	r.Duration = fromMillis(duration)
	r.Checkpoint = fromMillis(checkpoint)
	r.ReviewDuration = fromMillis(reviewDur)
	r.Outcome = model.Outcome(outcome.String)
	r.ReviewStatus = model.ReviewStatus(reviewStatus.String)
	r.ReviewUserID = reviewUser.String
	if rating.Valid {
		v := int(rating.Int32)
		r.Rating = &v
	}
	return &r, nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return err
}

func (t *pgTx) InsertTask(ctx context.Context, task *model.Task) error {
	options, err := json.Marshal(task.AdvancedOptions)
	if err != nil {
		return fmt.Errorf("encode advanced options: %w", err)
	}
	if task.AdvancedOptions == nil {
		options = []byte("{}")
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		task.ID, task.OwnerID, task.Description, task.Status, task.Type, task.Priority,
		nullString(string(task.ReviewStatus)), task.ReviewFeedback, task.ReviewCompleted, task.Flag,
		textArray(task.Tags), textArray(task.Skills), options, task.CreatedAt, task.UpdatedAt)
	return mapErr(err)
}

func (t *pgTx) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	task, err := scanTask(row)
	if err != nil {
		return nil, notFound(err, "task", id)
	}
	return task, nil
}

func (t *pgTx) UpdateTask(ctx context.Context, task *model.Task) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE tasks SET status = $2, priority = $3, review_status = $4,
		review_feedback = $5, review_completed = $6, flag = $7, tags = $8, skills = $9, updated_at = $10
		WHERE id = $1`,
		task.ID, task.Status, task.Priority, nullString(string(task.ReviewStatus)), task.ReviewFeedback,
		task.ReviewCompleted, task.Flag, textArray(task.Tags), textArray(task.Skills), task.UpdatedAt)
	return affected(res, err, "task", task.ID)
}

func affected(res sql.Result, err error, what, id string) error {
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return nil
}

func (t *pgTx) InsertWork(ctx context.Context, w *model.Work) error {
	input, err := json.Marshal(w.Input)
	if err != nil {
		return fmt.Errorf("encode work input: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO works (`+workColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		w.ID, w.TaskID, w.Status, w.Type, w.Description, input, textArray(w.Chain), w.Priority,
		nullString(w.ReservedWorkerID), w.ReservedUntil, nullString(w.ProhibitedWorkerID),
		textArray(w.Tags), textArray(w.Skills), w.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) GetWork(ctx context.Context, id string) (*model.Work, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+workColumns+` FROM works WHERE id = $1 FOR UPDATE`, id)
	w, err := scanWork(row)
	if err != nil {
		return nil, notFound(err, "work", id)
	}
	return w, nil
}

func (t *pgTx) UpdateWork(ctx context.Context, w *model.Work) error {
	input, err := json.Marshal(w.Input)
	if err != nil {
		return fmt.Errorf("encode work input: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE works SET status = $2, description = $3, work_input = $4,
		chain = $5, priority = $6, reserved_worker_id = $7, reserved_until = $8, prohibited_worker_id = $9,
		tags = $10, skills = $11
		WHERE id = $1`,
		w.ID, w.Status, w.Description, input, textArray(w.Chain), w.Priority, nullString(w.ReservedWorkerID),
		w.ReservedUntil, nullString(w.ProhibitedWorkerID), textArray(w.Tags), textArray(w.Skills))
	return affected(res, err, "work", w.ID)
}

func (t *pgTx) queryWork(ctx context.Context, query string, args ...any) ([]*model.Work, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Work
	for rows.Next() {
		w, err := scanWork(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (t *pgTx) ListWorkByTask(ctx context.Context, taskID string) ([]*model.Work, error) {
	return t.queryWork(ctx, `SELECT `+workColumns+` FROM works WHERE task_id = $1 ORDER BY created_at, id`, taskID)
}

func (t *pgTx) TransitionWork(ctx context.Context, id string, from, to model.WorkStatus) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE works SET status = $3 WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *pgTx) InsertRecord(ctx context.Context, r *model.WorkRecord) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO work_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		recordArgs(r)...)
	return mapErr(err)
}

func recordArgs(r *model.WorkRecord) []any {
	var rating sql.NullInt32
	if r.Rating != nil {
		rating = sql.NullInt32{Int32: int32(*r.Rating), Valid: true}
	}
	return []any{
		r.ID, r.UserID, r.WorkID, r.Active, r.StartTime, nullMillis(r.Duration), nullMillis(r.Checkpoint),
		nullString(string(r.Outcome)), r.SolutionURL, r.SolutionCode, nullString(string(r.ReviewStatus)),
		r.ReviewFeedback, nullString(r.ReviewUserID), r.ReviewStartTime, nullMillis(r.ReviewDuration), rating,
	}
}

func (t *pgTx) GetRecord(ctx context.Context, id string) (*model.WorkRecord, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM work_records WHERE id = $1 FOR UPDATE`, id)
	r, err := scanRecord(row)
	if err != nil {
		return nil, notFound(err, "record", id)
	}
	return r, nil
}

func (t *pgTx) UpdateRecord(ctx context.Context, r *model.WorkRecord) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE work_records SET user_id = $2, work_id = $3, active = $4,
		start_time = $5, duration_ms = $6, checkpoint_ms = $7, outcome = $8, solution_url = $9,
		solution_code = $10, review_status = $11, review_feedback = $12, review_user_id = $13,
		review_start_time = $14, review_duration_ms = $15, rating = $16
		WHERE id = $1`, recordArgs(r)...)
	return affected(res, err, "record", r.ID)
}

func (t *pgTx) ActiveRecordByUser(ctx context.Context, userID string) (*model.WorkRecord, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM work_records
		WHERE user_id = $1 AND active FOR UPDATE`, userID)
	r, err := scanRecord(row)
	if err != nil {
		return nil, notFound(err, "active record for", userID)
	}
	return r, nil
}

func (t *pgTx) queryRecords(ctx context.Context, query string, args ...any) ([]*model.WorkRecord, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.WorkRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) ListRecordsByWork(ctx context.Context, workID string) ([]*model.WorkRecord, error) {
	return t.queryRecords(ctx, `SELECT `+recordColumns+` FROM work_records
		WHERE work_id = $1 ORDER BY start_time, id`, workID)
}

func (t *pgTx) ListRecordsByTask(ctx context.Context, taskID string) ([]*model.WorkRecord, error) {
	return t.queryRecords(ctx, `SELECT `+prefixedRecordColumns+` FROM work_records r
		JOIN works w ON w.id = r.work_id
		WHERE w.task_id = $1 ORDER BY r.start_time, r.id`, taskID)
}

var prefixedRecordColumns = func() string {
	cols := strings.Split(recordColumns, ",")
	for i, c := range cols {
		cols[i] = strings.TrimSpace(c)
	}
	return prefixed("r", cols)
}()

func activeStatuses() any {
	out := make([]string, len(model.ActiveTaskStatuses))
	for i, s := range model.ActiveTaskStatuses {
		out[i] = string(s)
	}
	return pq.Array(out)
}

func (t *pgTx) Candidates(ctx context.Context, q CandidateQuery) ([]Candidate, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+prefixed("w", workColumnList)+`, t.priority,
			cardinality(ARRAY(SELECT unnest(w.skills) INTERSECT SELECT unnest($2::text[]))) AS matched,
			COALESCE((
				SELECT SUM(COALESCE(r.duration_ms, r.checkpoint_ms, 0))
				FROM work_records r JOIN works w2 ON w2.id = r.work_id
				WHERE w2.task_id = w.task_id AND r.user_id = $1
			), 0) / 60000.0 AS minutes
		FROM works w
		JOIN tasks t ON t.id = w.task_id
		WHERE w.status = 'AVAILABLE'
		AND t.status = ANY($4::text[])
		AND (w.prohibited_worker_id IS NULL OR w.prohibited_worker_id <> $1)
		AND (cardinality(w.tags) = 0 OR w.tags && $3::text[])
		AND ($5::text = '' OR w.id <> $5::text)
		AND (w.reserved_worker_id IS NULL OR w.reserved_worker_id = $1
			OR w.reserved_until IS NULL OR w.reserved_until <= $6)`,
		q.WorkerID, textArray(q.WorkerSkills), textArray(q.WorkerTags), activeStatuses(), q.ExcludeWorkID, q.Now)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var (
			w          model.Work
			input      []byte
			reserved   sql.NullString
			prohibited sql.NullString
			c          Candidate
		)
		err := rows.Scan(&w.ID, &w.TaskID, &w.Status, &w.Type, &w.Description, &input, pq.Array(&w.Chain),
			&w.Priority, &reserved, &w.ReservedUntil, &prohibited, pq.Array(&w.Tags), pq.Array(&w.Skills),
			&w.CreatedAt, &c.TaskPriority, &c.MatchedSkills, &c.MinutesSpent)
		if err != nil {
			return nil, err
		}
		w.ReservedWorkerID = reserved.String
		w.ProhibitedWorkerID = prohibited.String
		if err := json.Unmarshal(input, &w.Input); err != nil {
			return nil, fmt.Errorf("decode input of work %s: %w", w.ID, err)
		}
		c.Work = &w
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) ReservedWork(ctx context.Context, workerID string, now time.Time) ([]*model.Work, error) {
	return t.queryWork(ctx, `SELECT `+prefixed("w", workColumnList)+` FROM works w
		JOIN tasks t ON t.id = w.task_id
		WHERE w.status = 'AVAILABLE' AND w.reserved_worker_id = $1 AND w.reserved_until > $2
		AND t.status = ANY($3::text[])
		ORDER BY w.reserved_until, w.id`, workerID, now, activeStatuses())
}

func (t *pgTx) StaleRecords(ctx context.Context, startedBefore time.Time) ([]*model.WorkRecord, error) {
	return t.queryRecords(ctx, `SELECT `+prefixedRecordColumns+` FROM work_records r
		JOIN works w ON w.id = r.work_id
		JOIN tasks t ON t.id = w.task_id
		WHERE r.active AND r.start_time < $1 AND t.status = ANY($2::text[])
		ORDER BY r.start_time, r.id`, startedBefore, pq.Array([]string{string(model.TaskInProcess), string(model.TaskPaused)}))
}

func (t *pgTx) ExpiredReservations(ctx context.Context, now time.Time) ([]*model.Work, error) {
	return t.queryWork(ctx, `SELECT `+prefixed("w", workColumnList)+` FROM works w
		JOIN tasks t ON t.id = w.task_id
		WHERE w.status = 'AVAILABLE' AND w.reserved_worker_id IS NOT NULL AND w.reserved_until <= $1
		AND t.status = ANY($2::text[])
		ORDER BY w.reserved_until, w.id`, now, activeStatuses())
}

func (t *pgTx) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Tasks: map[model.TaskStatus]int{}, Work: map[model.WorkStatus]int{}}

	rows, err := t.tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var s model.TaskStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			rows.Close()
			return st, err
		}
		st.Tasks[s] = n
	}
	rows.Close()

	rows, err = t.tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM works GROUP BY status`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var s model.WorkStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			rows.Close()
			return st, err
		}
		st.Work[s] = n
	}
	rows.Close()

	err = t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_records WHERE active`).Scan(&st.ActiveRecords)
	return st, err
}
