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

// Package chain holds the closed set of chain mappers that decide which Work
// follows a completed Work item, and their persisted text encoding.
//
// A chain is stored on Work as an ordered list of descriptors of the form
// "MapperName|-|{json params}". The head descriptor runs when the Work
// completes; successors inherit the tail, so a mapper that re-schedules
// itself simply prepends a new descriptor with a smaller counter.
package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"marketengine/src/model"
)

// Separator splits a descriptor's name from its JSON parameters. It is part
// of the on-disk format and must not change.
const Separator = "|-|"

var (
	ErrUnknownMapper = errors.New("unknown chain mapper")
	ErrConsistency   = errors.New("chain consistency violation")
)

// ConsistencyError reports a mapper invoked on Work or a WorkRecord that does
// not satisfy its preconditions. It matches ErrConsistency with errors.Is.
type ConsistencyError struct {
	Mapper string
	WorkID string
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s on work %s: %s", e.Mapper, e.WorkID, e.Reason)
}

func (e *ConsistencyError) Is(target error) bool {
	return target == ErrConsistency
}

// Outcome is what a mapper decided. Empty Successors means the chain ends
// here legitimately.
type Outcome struct {
	Successors      []*model.Work
	ReviewCompleted bool
	Flag            string
}

// Mapper produces the successors of a completed Work item. Successors are
// built but never persisted by the mapper.
type Mapper interface {
	Name() string
	MapWork(done *model.Work, rec *model.WorkRecord) (*Outcome, error)
}

type decodeFunc func(raw []byte) (Mapper, error)

var registry = map[string]decodeFunc{
	ReviewMapperName:           decodeAs[ReviewMapper],
	ModificationMapperName:     decodeAs[ModificationMapper],
	ReusabilityCheckMapperName: decodeAs[ReusabilityCheckMapper],
	QAMapperName:               decodeAs[QAMapper],
}

func decodeAs[T Mapper](raw []byte) (Mapper, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Registered returns the names Inflate accepts.
func Registered() []string {
	return []string{ReviewMapperName, ModificationMapperName, ReusabilityCheckMapperName, QAMapperName}
}

// Deflate encodes a mapper for storage on Work.Chain.
func Deflate(m Mapper) (string, error) {
	if _, ok := registry[m.Name()]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownMapper, m.Name())
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", m.Name(), err)
	}
	return m.Name() + Separator + string(raw), nil
}

// Inflate decodes a descriptor produced by Deflate.
func Inflate(s string) (Mapper, error) {
	name, params, ok := strings.Cut(s, Separator)
	if !ok {
		return nil, fmt.Errorf("%w: malformed descriptor %q", ErrUnknownMapper, s)
	}
	decode, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s, want one of %s", ErrUnknownMapper, name, strings.Join(Registered(), ", "))
	}
	if params == "" {
		params = "{}"
	}
	m, err := decode([]byte(params))
	if err != nil {
		return nil, fmt.Errorf("decode %s params: %w", name, err)
	}
	return m, nil
}

// mustDeflate is for mappers built in this package, whose parameters always
// encode.
func mustDeflate(m Mapper) string {
	s, err := Deflate(m)
	if err != nil {
		panic(err)
	}
	return s
}

// Advance runs the head mapper of done.Chain. A Work with an empty chain is
// terminal and yields an empty Outcome.
func Advance(done *model.Work, rec *model.WorkRecord) (*Outcome, error) {
	if len(done.Chain) == 0 {
		return &Outcome{}, nil
	}
	m, err := Inflate(done.Chain[0])
	if err != nil {
		return nil, &ConsistencyError{Mapper: "chain", WorkID: done.ID, Reason: err.Error()}
	}
	return m.MapWork(done, rec)
}

// Tail is the chain a successor of done inherits.
func Tail(done *model.Work) []string {
	if len(done.Chain) <= 1 {
		return nil
	}
	out := make([]string, len(done.Chain)-1)
	copy(out, done.Chain[1:])
	return out
}

func checkCompleted(name string, done *model.Work, rec *model.WorkRecord, accepts func(model.WorkType) bool) error {
	if !accepts(done.Type) {
		return &ConsistencyError{Mapper: name, WorkID: done.ID, Reason: fmt.Sprintf("work type %s not accepted", done.Type)}
	}
	if done.Status != model.WorkComplete {
		return &ConsistencyError{Mapper: name, WorkID: done.ID, Reason: fmt.Sprintf("work status is %s", done.Status)}
	}
	if rec == nil || rec.WorkID != done.ID {
		return &ConsistencyError{Mapper: name, WorkID: done.ID, Reason: "record does not belong to work"}
	}
	if rec.Outcome != model.OutcomeSolved {
		return &ConsistencyError{Mapper: name, WorkID: done.ID, Reason: fmt.Sprintf("record outcome is %q", rec.Outcome)}
	}
	return nil
}

func requireSolution(name string, done *model.Work, rec *model.WorkRecord) error {
	if !rec.HasSolution() {
		return &ConsistencyError{Mapper: name, WorkID: done.ID, Reason: "record carries no solution"}
	}
	return nil
}

func requireVerdict(name string, done *model.Work, rec *model.WorkRecord) error {
	if !rec.ReviewStatus.Valid() {
		return &ConsistencyError{Mapper: name, WorkID: done.ID, Reason: "record carries no review verdict"}
	}
	return nil
}

// successor builds a new AVAILABLE Work on the same task as done.
func successor(done *model.Work, typ model.WorkType, input model.WorkInput, chain []string) *model.Work {
	w := &model.Work{
		TaskID:      done.TaskID,
		Status:      model.WorkAvailable,
		Type:        typ,
		Description: done.Description,
		Input:       input,
		Chain:       chain,
		Priority:    done.Priority,
	}
	w.Tags = append(w.Tags, done.Tags...)
	w.Skills = append(w.Skills, done.Skills...)
	return w
}

// originalType is the coding type a chain returns to after a verdict.
func originalType(done *model.Work) model.WorkType {
	if done.Input.OriginalType != "" {
		return done.Input.OriginalType
	}
	return done.Type
}

// carried copies the metadata every stage accumulates.
func carried(in model.WorkInput) model.WorkInput {
	return model.WorkInput{
		Context:         in.Context,
		Requirements:    append([]string(nil), in.Requirements...),
		InstallCommands: append([]string(nil), in.InstallCommands...),
		OriginalType:    in.OriginalType,
		OriginalCode:    in.OriginalCode,
		AuthorID:        in.AuthorID,
	}
}
