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

const ReviewMapperName = "ReviewMapper"

// ReviewMapper turns a solved coding Work into a single REVIEW_TASK.
type ReviewMapper struct{}

func (ReviewMapper) Name() string { return ReviewMapperName }

func (m ReviewMapper) MapWork(done *model.Work, rec *model.WorkRecord) (*Outcome, error) {
	if err := checkCompleted(m.Name(), done, rec, model.WorkType.IsCoding); err != nil {
		return nil, err
	}
	if err := requireSolution(m.Name(), done, rec); err != nil {
		return nil, err
	}

	input := carried(done.Input)
	input.Code = rec.SolutionCode
	input.SolutionURL = rec.SolutionURL
	input.OriginalType = originalType(done)
	input.AuthorID = rec.UserID
	if input.OriginalCode == "" {
		input.OriginalCode = done.Input.Code
	}

	review := successor(done, model.ReviewTask, input, Tail(done))
	return &Outcome{Successors: []*model.Work{review}}, nil
}
