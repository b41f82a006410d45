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

import (
	"maps"
	"slices"
	"time"
)

type TaskStatus string

const (
	TaskNew                    TaskStatus = "NEW"
	TaskPending                TaskStatus = "PENDING"
	TaskInProcess              TaskStatus = "IN_PROCESS"
	TaskSolved                 TaskStatus = "SOLVED"
	TaskAccepted               TaskStatus = "ACCEPTED"
	TaskCancelled              TaskStatus = "CANCELLED"
	TaskInvalid                TaskStatus = "INVALID"
	TaskPaused                 TaskStatus = "PAUSED"
	TaskModificationsRequested TaskStatus = "MODIFICATIONS_REQUESTED"
	TaskPendingPackage         TaskStatus = "PENDING_PACKAGE"
	TaskPendingClassParams     TaskStatus = "PENDING_CLASS_PARAMS"
)

// ActiveTaskStatuses are the statuses whose Work may be surfaced to workers.
var ActiveTaskStatuses = []TaskStatus{TaskPending, TaskInProcess, TaskModificationsRequested}

// IsActive reports whether Work belonging to a task in this status is claimable.
func (s TaskStatus) IsActive() bool {
	for _, a := range ActiveTaskStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further worker action is expected.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskAccepted || s == TaskCancelled || s == TaskInvalid
}

// ReviewStatus is the verdict a reviewer attaches to a solution. The zero
// value means no verdict has been given.
type ReviewStatus string

const (
	ReviewInadequate           ReviewStatus = "INADEQUATE"
	ReviewRequiresModification ReviewStatus = "REQUIRES_MODIFICATION"
	ReviewAdequate             ReviewStatus = "ADEQUATE"
)

func (r ReviewStatus) Valid() bool {
	return r == ReviewInadequate || r == ReviewRequiresModification || r == ReviewAdequate
}

// Flags recorded on a task whose chain ended without a clean verdict.
const (
	FlagQAIterationsExhausted = "qa_iterations_exhausted"
	FlagChainConsistency      = "chain_consistency"
)

type Task struct {
	ID              string
	OwnerID         string // delegator
	Description     string
	Status          TaskStatus
	Type            WorkType
	Priority        int // lower is more urgent
	ReviewStatus    ReviewStatus
	ReviewFeedback  string
	ReviewCompleted bool
	Flag            string
	Tags            []string
	Skills          []string
	AdvancedOptions AdvancedOptions
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AdvancedOptions is the free-form map a delegator passes on creation. It
// seeds chain parameters, e.g. {"qa_chain": true, "qa_iterations": 2}.
type AdvancedOptions map[string]any

// Bool returns the option as a bool, false when absent or not a bool.
func (o AdvancedOptions) Bool(key string) bool {
	v, ok := o[key].(bool)
	return ok && v
}

// Int returns the option as an int. JSON decoding yields float64, so both
// are accepted.
func (o AdvancedOptions) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Tags = slices.Clone(t.Tags)
	cp.Skills = slices.Clone(t.Skills)
	if t.AdvancedOptions != nil {
		cp.AdvancedOptions = maps.Clone(t.AdvancedOptions)
	}
	return &cp
}
