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
)

// schema is applied in order by Migrate. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id               TEXT PRIMARY KEY,
		owner_id         TEXT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL,
		type             TEXT NOT NULL,
		priority         SMALLINT NOT NULL DEFAULT 50,
		review_status    TEXT,
		review_feedback  TEXT NOT NULL DEFAULT '',
		review_completed BOOLEAN NOT NULL DEFAULT FALSE,
		flag             TEXT NOT NULL DEFAULT '',
		tags             TEXT[] NOT NULL DEFAULT '{}',
		skills           TEXT[] NOT NULL DEFAULT '{}',
		advanced_options JSONB NOT NULL DEFAULT '{}',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status)`,
	`CREATE TABLE IF NOT EXISTS works (
		id                   TEXT PRIMARY KEY,
		task_id              TEXT NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
		status               TEXT NOT NULL,
		type                 TEXT NOT NULL,
		description          TEXT NOT NULL DEFAULT '',
		work_input           JSONB NOT NULL DEFAULT '{}',
		chain                TEXT[] NOT NULL DEFAULT '{}',
		priority             SMALLINT NOT NULL,
		reserved_worker_id   TEXT,
		reserved_until       TIMESTAMPTZ,
		prohibited_worker_id TEXT,
		tags                 TEXT[] NOT NULL DEFAULT '{}',
		skills               TEXT[] NOT NULL DEFAULT '{}',
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS works_task_idx ON works (task_id)`,
	`CREATE INDEX IF NOT EXISTS works_available_idx ON works (task_id) WHERE status = 'AVAILABLE'`,
	`CREATE TABLE IF NOT EXISTS work_records (
		id                 TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL,
		work_id            TEXT NOT NULL REFERENCES works (id) ON DELETE CASCADE,
		active             BOOLEAN NOT NULL DEFAULT TRUE,
		start_time         TIMESTAMPTZ NOT NULL,
		duration_ms        BIGINT,
		checkpoint_ms      BIGINT,
		outcome            TEXT,
		solution_url       TEXT NOT NULL DEFAULT '',
		solution_code      TEXT NOT NULL DEFAULT '',
		review_status      TEXT,
		review_feedback    TEXT NOT NULL DEFAULT '',
		review_user_id     TEXT,
		review_start_time  TIMESTAMPTZ,
		review_duration_ms BIGINT,
		rating             INT,
		CONSTRAINT work_records_active_open CHECK (NOT active OR (duration_ms IS NULL AND outcome IS NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS work_records_work_idx ON work_records (work_id)`,
	// one active record per worker, system wide
	`CREATE UNIQUE INDEX IF NOT EXISTS work_records_one_active_per_user ON work_records (user_id) WHERE active`,
	// one solved record may drive the chain of a work item
	`CREATE UNIQUE INDEX IF NOT EXISTS work_records_one_solved_per_work ON work_records (work_id) WHERE outcome = 'SOLVED'`,
}

// Migrate creates the tables and indexes if they don't exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
