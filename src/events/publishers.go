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

package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// LogPublisher writes events to a logger and always accepts them. It is used
// when no broker is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, e Event) error {
	p.Logger.InfoContext(ctx, "domain event",
		"event_id", e.ID,
		"type", string(e.Type),
		"task_id", e.TaskID,
		"work_id", e.WorkID,
		"worker_id", e.WorkerID)
	return nil
}

// Recorder keeps published events in memory and can be told to reject
// specific types.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	reject map[Type]bool
}

func NewRecorder() *Recorder {
	return &Recorder{reject: make(map[Type]bool)}
}

// Reject makes subsequent publishes of the given types fail.
func (r *Recorder) Reject(types ...Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		r.reject[t] = true
	}
}

// Accept undoes Reject.
func (r *Recorder) Accept(types ...Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		delete(r.reject, t)
	}
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject[e.Type] {
		return fmt.Errorf("%w: %s", ErrRejected, e.Type)
	}
	r.events = append(r.events, e)
	return nil
}

// Events returns accepted events in publish order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns accepted events of one type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
