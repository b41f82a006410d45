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

package chain

import (
	"slices"
	"time"

	"marketengine/src/model"
)

const (
	QAMapperName = "QAMapper"

	DefaultQASkill          = "qa"
	DefaultReservationHours = 24
)

// QAMapper alternates between a QA round and a coding round. A solved coding
// Work yields a QA Work the author may not take; an inadequate QA verdict
// yields a coding Work reserved for the author. Iterations bounds the number
// of QA rounds; running out ends the chain with the task flagged.
type QAMapper struct {
	Iterations       int    `json:"iterations"`
	ReservationHours int    `json:"reservation_hours,omitempty"`
	Skill            string `json:"skill,omitempty"`
}

func (QAMapper) Name() string { return QAMapperName }

func (m QAMapper) skill() string {
	if m.Skill == "" {
		return DefaultQASkill
	}
	return m.Skill
}

func (m QAMapper) reservation() time.Duration {
	if m.ReservationHours <= 0 {
		return DefaultReservationHours * time.Hour
	}
	return time.Duration(m.ReservationHours) * time.Hour
}

func (m QAMapper) MapWork(done *model.Work, rec *model.WorkRecord) (*Outcome, error) {
	accepts := func(t model.WorkType) bool { return t == model.CuckooQA || t.IsCoding() }
	if err := checkCompleted(m.Name(), done, rec, accepts); err != nil {
		return nil, err
	}
	if done.Type == model.CuckooQA {
		return m.afterQA(done, rec)
	}
	return m.afterCoding(done, rec)
}

func (m QAMapper) afterCoding(done *model.Work, rec *model.WorkRecord) (*Outcome, error) {
	if err := requireSolution(m.Name(), done, rec); err != nil {
		return nil, err
	}
	input := carried(done.Input)
	input.Code = rec.SolutionCode
	input.SolutionURL = rec.SolutionURL
	input.OriginalType = originalType(done)
	input.AuthorID = rec.UserID

	next := append([]string{mustDeflate(m)}, Tail(done)...)
	qa := successor(done, model.CuckooQA, input, next)
	qa.ProhibitedWorkerID = rec.UserID
	if !slices.Contains(qa.Skills, m.skill()) {
		qa.Skills = append(qa.Skills, m.skill())
	}
	return &Outcome{Successors: []*model.Work{qa}}, nil
}

func (m QAMapper) afterQA(done *model.Work, rec *model.WorkRecord) (*Outcome, error) {
	if err := requireVerdict(m.Name(), done, rec); err != nil {
		return nil, err
	}
	if done.Input.AuthorID == "" {
		return nil, &ConsistencyError{Mapper: m.Name(), WorkID: done.ID, Reason: "qa work carries no author"}
	}
	if rec.ReviewStatus == model.ReviewAdequate {
		return &Outcome{ReviewCompleted: true}, nil
	}
	remaining := m.Iterations - 1
	if remaining <= 0 {
		return &Outcome{ReviewCompleted: true, Flag: model.FlagQAIterationsExhausted}, nil
	}

	input := carried(done.Input)
	input.Code = done.Input.Code
	input.SolutionURL = done.Input.SolutionURL
	input.Feedback = rec.ReviewFeedback

	nextMapper := m
	nextMapper.Iterations = remaining
	next := append([]string{mustDeflate(nextMapper)}, Tail(done)...)

	w := successor(done, model.CuckooIteration, input, next)
	w.Skills = slices.DeleteFunc(w.Skills, func(s string) bool { return s == m.skill() })
	until := rec.EndTime().Add(m.reservation())
	w.ReservedWorkerID = done.Input.AuthorID
	w.ReservedUntil = &until
	return &Outcome{Successors: []*model.Work{w}}, nil
}
