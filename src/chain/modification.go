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

const ModificationMapperName = "ModificationMapper"

// ModificationMapper reads a review verdict and either ends the chain or
// sends the solution back for another coding round followed by a review.
// Iterations is the number of further rounds still allowed.
type ModificationMapper struct {
	Iterations int `json:"iterations"`
}

func (ModificationMapper) Name() string { return ModificationMapperName }

func (m ModificationMapper) MapWork(done *model.Work, rec *model.WorkRecord) (*Outcome, error) {
	isReview := func(t model.WorkType) bool { return t == model.ReviewTask }
	if err := checkCompleted(m.Name(), done, rec, isReview); err != nil {
		return nil, err
	}
	if err := requireVerdict(m.Name(), done, rec); err != nil {
		return nil, err
	}
	if done.Input.OriginalType == "" {
		return nil, &ConsistencyError{Mapper: m.Name(), WorkID: done.ID, Reason: "review carries no original work type"}
	}

	if rec.ReviewStatus == model.ReviewAdequate || m.Iterations <= 0 {
		return &Outcome{ReviewCompleted: true}, nil
	}

	input := carried(done.Input)
	input.Feedback = rec.ReviewFeedback
	switch rec.ReviewStatus {
	case model.ReviewInadequate:
		// start over from the code the task began with
		input.Code = done.Input.OriginalCode
	default:
		input.Code = done.Input.Code
		input.SolutionURL = done.Input.SolutionURL
	}

	next := append([]string{
		mustDeflate(ReviewMapper{}),
		mustDeflate(ModificationMapper{Iterations: m.Iterations - 1}),
	}, Tail(done)...)
	w := successor(done, done.Input.OriginalType, input, next)
	return &Outcome{Successors: []*model.Work{w}}, nil
}
