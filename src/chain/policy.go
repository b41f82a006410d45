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
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"marketengine/src/model"
)

type StepKind string

const (
	StepReview      StepKind = "review"
	StepQA          StepKind = "qa"
	StepReusability StepKind = "reusability"
)

// Advanced option keys understood by Seed.
const (
	OptQAChain          = "qa_chain"
	OptQAIterations     = "qa_iterations"
	OptReviewChain      = "review_chain"
	OptReviewIterations = "review_iterations"
	OptReusabilityCheck = "reusability_check"
	OptNoChain          = "no_chain"
)

const defaultIterations = 2

// Step is one chain template entry in the policy file.
type Step struct {
	Kind             StepKind `yaml:"kind"`
	Iterations       int      `yaml:"iterations,omitempty"`
	ReservationHours int      `yaml:"reservation_hours,omitempty"`
	Skill            string   `yaml:"skill,omitempty"`
}

// Rule says which Work a task type starts with and which chain it carries.
type Rule struct {
	WorkType model.WorkType `yaml:"work_type,omitempty"`
	Chain    []Step         `yaml:"chain,omitempty"`
}

// Policy maps task types to their derivation rule.
type Policy struct {
	TaskTypes map[model.WorkType]Rule `yaml:"task_types"`
}

func DefaultPolicy() Policy {
	return Policy{TaskTypes: map[model.WorkType]Rule{
		model.CreateFunction:   {Chain: []Step{{Kind: StepReview, Iterations: defaultIterations}}},
		model.ModifyFunction:   {Chain: []Step{{Kind: StepReview, Iterations: defaultIterations}}},
		model.CuckooCoding:     {Chain: []Step{{Kind: StepQA, Iterations: defaultIterations}}},
		model.CuckooIteration:  {Chain: []Step{{Kind: StepQA, Iterations: defaultIterations}}},
		model.CheckReusability: {Chain: []Step{{Kind: StepReusability}}},
	}}
}

// LoadPolicyFile reads a YAML policy and layers it over DefaultPolicy.
func LoadPolicyFile(path string) (Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return Policy{}, err
	}
	defer f.Close()
	return LoadPolicy(f)
}

func LoadPolicy(r io.Reader) (Policy, error) {
	var file Policy
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("parse chain policy: %w", err)
	}
	p := DefaultPolicy()
	for typ, rule := range file.TaskTypes {
		if !typ.Valid() {
			return Policy{}, fmt.Errorf("chain policy: unknown task type %q", typ)
		}
		if rule.WorkType != "" && !rule.WorkType.Valid() {
			return Policy{}, fmt.Errorf("chain policy: unknown work type %q for %s", rule.WorkType, typ)
		}
		for _, st := range rule.Chain {
			if err := st.validate(); err != nil {
				return Policy{}, fmt.Errorf("chain policy for %s: %w", typ, err)
			}
		}
		p.TaskTypes[typ] = rule
	}
	return p, nil
}

func (s Step) validate() error {
	switch s.Kind {
	case StepReview, StepQA, StepReusability:
		return nil
	}
	return fmt.Errorf("unknown step kind %q", s.Kind)
}

func (s Step) descriptors() []string {
	iterations := s.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	switch s.Kind {
	case StepReview:
		return []string{mustDeflate(ReviewMapper{}), mustDeflate(ModificationMapper{Iterations: iterations})}
	case StepQA:
		return []string{mustDeflate(QAMapper{Iterations: iterations, ReservationHours: s.ReservationHours, Skill: s.Skill})}
	case StepReusability:
		return []string{mustDeflate(ReusabilityCheckMapper{})}
	}
	return nil
}

// Seed decides the initial Work type and chain for a new task. Advanced
// options take precedence over the policy: qa_chain, then review_chain, then
// reusability_check; no_chain yields a terminal Work.
func (p Policy) Seed(task *model.Task) (model.WorkType, []string) {
	rule := p.TaskTypes[task.Type]
	typ := task.Type
	if rule.WorkType != "" {
		typ = rule.WorkType
	}

	opts := task.AdvancedOptions
	steps := rule.Chain
	switch {
	case opts.Bool(OptNoChain):
		steps = nil
	case opts.Bool(OptQAChain):
		steps = []Step{{Kind: StepQA, Iterations: opts.Int(OptQAIterations, defaultIterations)}}
	case opts.Bool(OptReviewChain):
		steps = []Step{{Kind: StepReview, Iterations: opts.Int(OptReviewIterations, defaultIterations)}}
	case opts.Bool(OptReusabilityCheck):
		steps = []Step{{Kind: StepReusability}}
	}

	var descriptors []string
	for _, st := range steps {
		descriptors = append(descriptors, st.descriptors()...)
	}
	return typ, descriptors
}
