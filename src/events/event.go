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

// Package events defines the domain events emitted on state transitions and
// the publishers that hand them to downstream integrations.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	WorkAccepted         Type = "WORK_ACCEPTED"
	WorkSolved           Type = "WORK_SOLVED"
	WorkCanceled         Type = "WORK_CANCELED"
	WorkDeserted         Type = "WORK_DESERTED"
	WorkReserved         Type = "WORK_RESERVED"
	WorkDismissed        Type = "WORK_DISMISSED"
	WorkProhibited       Type = "WORK_PROHIBITED"
	WorkUnprohibited     Type = "WORK_UNPROHIBITED"
	WorkDesertionWarning Type = "WORK_DESERTION_WARNING"
	TaskDelegated        Type = "TASK_DELEGATED"
)

// ErrRejected means a downstream consumer did not accept an event.
var ErrRejected = errors.New("event rejected by consumer")

type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	TaskID     string            `json:"task_id,omitempty"`
	WorkID     string            `json:"work_id,omitempty"`
	WorkerID   string            `json:"worker_id,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func New(typ Type, taskID, workID, workerID string, at time.Time) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       typ,
		TaskID:     taskID,
		WorkID:     workID,
		WorkerID:   workerID,
		OccurredAt: at,
	}
}

// With returns a copy of the event carrying one more attribute.
func (e Event) With(key, value string) Event {
	attrs := make(map[string]string, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	e.Attributes = attrs
	return e
}

// Publisher delivers events. An error means the event was not accepted and
// callers decide whether that rolls back their transition.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}
