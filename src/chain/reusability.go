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

import "marketengine/src/model"

const ReusabilityCheckMapperName = "ReusabilityCheckMapper"

// ReusabilityCheckMapper runs a solution through a reusability check and, if
// the check fails, one rework round. ModificationCompleted is set on the
// descriptor carried by the rework so the chain cannot branch again.
type ReusabilityCheckMapper struct {
	ModificationCompleted bool `json:"modification_completed"`
}

func (ReusabilityCheckMapper) Name() string { return ReusabilityCheckMapperName }

func (m ReusabilityCheckMapper) MapWork(done *model.Work, rec *model.WorkRecord) (*Outcome, error) {
	accepts := func(t model.WorkType) bool { return t == model.CheckReusability || t.IsCoding() }
	if err := checkCompleted(m.Name(), done, rec, accepts); err != nil {
		return nil, err
	}

	if done.Type == model.CheckReusability {
		if err := requireVerdict(m.Name(), done, rec); err != nil {
			return nil, err
		}
		if m.ModificationCompleted || rec.ReviewStatus == model.ReviewAdequate {
			return &Outcome{ReviewCompleted: true}, nil
		}
		input := carried(done.Input)
		input.Code = done.Input.Code
		input.SolutionURL = done.Input.SolutionURL
		input.Feedback = rec.ReviewFeedback
		if input.OriginalType == "" {
			input.OriginalType = model.CheckReusability
		}
		next := append([]string{mustDeflate(ReusabilityCheckMapper{ModificationCompleted: true})}, Tail(done)...)
		w := successor(done, model.ModifyFunction, input, next)
		return &Outcome{Successors: []*model.Work{w}}, nil
	}

	if err := requireSolution(m.Name(), done, rec); err != nil {
		return nil, err
	}
	if m.ModificationCompleted {
		return &Outcome{ReviewCompleted: true}, nil
	}
	input := carried(done.Input)
	input.Code = rec.SolutionCode
	input.SolutionURL = rec.SolutionURL
	input.OriginalType = originalType(done)
	input.AuthorID = rec.UserID
	next := append([]string{mustDeflate(ReusabilityCheckMapper{})}, Tail(done)...)
	w := successor(done, model.CheckReusability, input, next)
	return &Outcome{Successors: []*model.Work{w}}, nil
}
