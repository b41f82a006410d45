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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketengine/src/model"
)

func TestPolicySeed(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name     string
		task     model.Task
		wantType model.WorkType
		want     []string
	}{
		{
			name:     "default review chain",
			task:     model.Task{Type: model.CreateFunction},
			wantType: model.CreateFunction,
			want:     []string{mustDeflate(ReviewMapper{}), mustDeflate(ModificationMapper{Iterations: 2})},
		},
		{
			name:     "qa chain option",
			task:     model.Task{Type: model.CuckooCoding, AdvancedOptions: model.AdvancedOptions{OptQAChain: true, OptQAIterations: float64(3)}},
			wantType: model.CuckooCoding,
			want:     []string{mustDeflate(QAMapper{Iterations: 3})},
		},
		{
			name:     "review chain option",
			task:     model.Task{Type: model.OpenTask, AdvancedOptions: model.AdvancedOptions{OptReviewChain: true, OptReviewIterations: 1}},
			wantType: model.OpenTask,
			want:     []string{mustDeflate(ReviewMapper{}), mustDeflate(ModificationMapper{Iterations: 1})},
		},
		{
			name:     "no chain option",
			task:     model.Task{Type: model.CuckooCoding, AdvancedOptions: model.AdvancedOptions{OptNoChain: true}},
			wantType: model.CuckooCoding,
		},
		{
			name:     "open task has no chain",
			task:     model.Task{Type: model.OpenTask},
			wantType: model.OpenTask,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, chain := p.Seed(&tt.task)
			assert.Equal(t, tt.wantType, typ)
			assert.Equal(t, tt.want, chain)
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	doc := `
task_types:
  OPEN_TASK:
    chain:
      - kind: qa
        iterations: 4
        reservation_hours: 8
  REVIEW_TASK:
    work_type: REVIEW_TASK
`
	p, err := LoadPolicy(strings.NewReader(doc))
	require.NoError(t, err)

	typ, chain := p.Seed(&model.Task{Type: model.OpenTask})
	assert.Equal(t, model.OpenTask, typ)
	assert.Equal(t, []string{mustDeflate(QAMapper{Iterations: 4, ReservationHours: 8})}, chain)

	// defaults survive for types the file does not mention
	_, chain = p.Seed(&model.Task{Type: model.CuckooCoding})
	assert.Equal(t, []string{mustDeflate(QAMapper{Iterations: 2})}, chain)
}

func TestLoadPolicy_Invalid(t *testing.T) {
	_, err := LoadPolicy(strings.NewReader("task_types:\n  OPEN_TASK:\n    chain:\n      - kind: lint\n"))
	assert.ErrorContains(t, err, "unknown step kind")

	_, err = LoadPolicy(strings.NewReader("task_types:\n  BAKE_CAKE: {}\n"))
	assert.ErrorContains(t, err, "unknown task type")

	p, err := LoadPolicy(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)
}
