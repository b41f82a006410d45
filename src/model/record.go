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

package model

import "time"

type Outcome string

const (
	OutcomeRequestedPackage Outcome = "REQUESTED_PACKAGE"
	OutcomeFeedback         Outcome = "FEEDBACK"
	OutcomeSolved           Outcome = "SOLVED"
	OutcomeCancelled        Outcome = "CANCELLED"
	OutcomeSkipped          Outcome = "SKIPPED"
	OutcomeTaskCancelled    Outcome = "TASK_CANCELLED"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeRequestedPackage, OutcomeFeedback, OutcomeSolved,
		OutcomeCancelled, OutcomeSkipped, OutcomeTaskCancelled:
		return true
	}
	return false
}

// WorkRecord is one worker's attempt on a Work item. Active records have no
// duration or outcome yet.
type WorkRecord struct {
	ID              string
	UserID          string
	WorkID          string
	Active          bool
	StartTime       time.Time
	Duration        *time.Duration // set on finish only
	Checkpoint      *time.Duration // last elapsed time reported while active
	Outcome         Outcome
	SolutionURL     string
	SolutionCode    string
	ReviewStatus    ReviewStatus // verdict given by this record's worker
	ReviewFeedback  string
	ReviewUserID    string // second party who reviewed this record's solution
	ReviewStartTime *time.Time
	ReviewDuration  *time.Duration
	Rating          *int
}

// EndTime is StartTime plus Duration, or StartTime when still active.
func (r *WorkRecord) EndTime() time.Time {
	if r.Duration == nil {
		return r.StartTime
	}
	return r.StartTime.Add(*r.Duration)
}

// Spent is the time attributed to this record so far.
func (r *WorkRecord) Spent() time.Duration {
	switch {
	case r.Duration != nil:
		return *r.Duration
	case r.Checkpoint != nil:
		return *r.Checkpoint
	}
	return 0
}

// HasSolution reports whether the record carries a coding deliverable.
func (r *WorkRecord) HasSolution() bool {
	return r.SolutionURL != "" || r.SolutionCode != ""
}

// Clone returns a deep copy.
func (r *WorkRecord) Clone() *WorkRecord {
	cp := *r
	if r.Duration != nil {
		d := *r.Duration
		cp.Duration = &d
	}
	if r.Checkpoint != nil {
		c := *r.Checkpoint
		cp.Checkpoint = &c
	}
	if r.ReviewStartTime != nil {
		t := *r.ReviewStartTime
		cp.ReviewStartTime = &t
	}
	if r.ReviewDuration != nil {
		d := *r.ReviewDuration
		cp.ReviewDuration = &d
	}
	if r.Rating != nil {
		v := *r.Rating
		cp.Rating = &v
	}
	return &cp
}
