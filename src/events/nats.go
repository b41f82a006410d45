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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSPublisher publishes events to a JetStream stream and treats a missing
// or failed publish ack as a rejection.
type NATSPublisher struct {
	js      jetstream.JetStream
	prefix  string
	timeout time.Duration
}

var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher ensures the stream exists and captures prefix.> subjects.
func NewNATSPublisher(ctx context.Context, nc *nats.Conn, stream, prefix string) (*NATSPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{prefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", stream, err)
	}
	return &NATSPublisher{js: js, prefix: prefix, timeout: 5 * time.Second}, nil
}

// Subject is where an event of this type is published.
func (p *NATSPublisher) Subject(t Type) string {
	return p.prefix + "." + strings.ToLower(string(t))
}

func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.Type, err)
	}
	pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := p.js.Publish(pubCtx, p.Subject(e.Type), data, jetstream.WithMsgID(e.ID)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRejected, e.Type, err)
	}
	return nil
}
