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
	"slices"
	"time"
)

type WorkStatus string

const (
	WorkAvailable      WorkStatus = "AVAILABLE"
	WorkUnavailable    WorkStatus = "UNAVAILABLE"
	WorkComplete       WorkStatus = "COMPLETE"
	WorkPendingPackage WorkStatus = "PENDING_PACKAGE"
)

// WorkType is shared by tasks and work items. Follow-up types such as
// REVIEW_TASK and CUCKOO_QA only ever appear on Work produced by a chain.
type WorkType string

const (
	CreateFunction   WorkType = "CREATE_FUNCTION"
	ModifyFunction   WorkType = "MODIFY_FUNCTION"
	CuckooCoding     WorkType = "CUCKOO_CODING"
	CuckooIteration  WorkType = "CUCKOO_ITERATION"
	CuckooQA         WorkType = "CUCKOO_QA"
	ReviewTask       WorkType = "REVIEW_TASK"
	OpenTask         WorkType = "OPEN_TASK"
	CheckReusability WorkType = "CHECK_REUSABILITY"
)

var workTypes = []WorkType{
	CreateFunction, ModifyFunction, CuckooCoding, CuckooIteration,
	CuckooQA, ReviewTask, OpenTask, CheckReusability,
}

func (t WorkType) Valid() bool {
	return slices.Contains(workTypes, t)
}

// IsCoding reports whether the deliverable of this type is a solution.
func (t WorkType) IsCoding() bool {
	switch t {
	case CreateFunction, ModifyFunction, CuckooCoding, CuckooIteration, OpenTask:
		return true
	}
	return false
}

// IsVerdict reports whether the deliverable of this type is a review verdict.
func (t WorkType) IsVerdict() bool {
	switch t {
	case ReviewTask, CuckooQA, CheckReusability:
		return true
	}
	return false
}

// WorkInput is the payload carried from one chain stage to the next.
type WorkInput struct {
	Code            string   `json:"code,omitempty"`
	Context         string   `json:"context,omitempty"`
	SolutionURL     string   `json:"solution_url,omitempty"`
	Feedback        string   `json:"feedback,omitempty"`
	Requirements    []string `json:"requirements,omitempty"`
	InstallCommands []string `json:"install_commands,omitempty"`
	OriginalType    WorkType `json:"original_type,omitempty"`
	OriginalCode    string   `json:"original_code,omitempty"`
	AuthorID        string   `json:"author_id,omitempty"`
}

type Work struct {
	ID                 string
	TaskID             string
	Status             WorkStatus
	Type               WorkType
	Description        string
	Input              WorkInput
	Chain              []string // serialized mapper descriptors, head runs on completion
	Priority           int
	ReservedWorkerID   string
	ReservedUntil      *time.Time
	ProhibitedWorkerID string
	Tags               []string
	Skills             []string
	CreatedAt          time.Time
}

// ReservationLive reports whether someone holds an unexpired reservation.
func (w *Work) ReservationLive(now time.Time) bool {
	return w.ReservedWorkerID != "" && w.ReservedUntil != nil && now.Before(*w.ReservedUntil)
}

// ReservedForOther reports whether a live reservation excludes workerID.
func (w *Work) ReservedForOther(workerID string, now time.Time) bool {
	return w.ReservationLive(now) && w.ReservedWorkerID != workerID
}

// VisibleTo reports whether the tag filter lets the worker see this work.
// Untagged work is visible to everyone.
func (w *Work) VisibleTo(workerTags []string) bool {
	if len(w.Tags) == 0 {
		return true
	}
	for _, t := range w.Tags {
		if slices.Contains(workerTags, t) {
			return true
		}
	}
	return false
}

// MatchedSkills counts the work skills the worker holds.
func (w *Work) MatchedSkills(workerSkills []string) int {
	n := 0
	for _, s := range w.Skills {
		if slices.Contains(workerSkills, s) {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (w *Work) Clone() *Work {
	cp := *w
	cp.Chain = slices.Clone(w.Chain)
	cp.Tags = slices.Clone(w.Tags)
	cp.Skills = slices.Clone(w.Skills)
	cp.Input.Requirements = slices.Clone(w.Input.Requirements)
	cp.Input.InstallCommands = slices.Clone(w.Input.InstallCommands)
	if w.ReservedUntil != nil {
		t := *w.ReservedUntil
		cp.ReservedUntil = &t
	}
	return &cp
}
