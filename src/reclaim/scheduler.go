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

package reclaim

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler runs Sweeper.RunAll on a cron schedule. A run still in progress
// makes the next tick skip.
type Scheduler struct {
	sweeper  *Sweeper
	schedule cron.Schedule
	spec     string
	log      *slog.Logger
}

// NewScheduler parses spec, a standard five-field cron line or a descriptor
// such as "@every 5m".
func NewScheduler(sw *Sweeper, spec string) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	return &Scheduler{sweeper: sw, schedule: schedule, spec: spec, log: sw.log}, nil
}

// Run blocks until ctx is done, then waits for a running sweep to return.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	c.Schedule(s.schedule, cron.FuncJob(func() {
		_ = s.sweeper.RunAll(ctx)
	}))
	c.Start()
	s.log.InfoContext(ctx, "reclaim scheduler started", "schedule", s.spec)

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.InfoContext(context.Background(), "reclaim scheduler stopped")
	return nil
}
