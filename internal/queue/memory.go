package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nyxloma/guacamole-hub/internal/domain"
)

// Memory is an in-process Consumer backed by a buffered channel, for
// local development and tests without a Redis dependency.
type Memory struct {
	ch     chan []byte
	mu     sync.Mutex
	closed bool
}

// NewMemory builds an in-memory queue with the given channel capacity.
func NewMemory(capacity int) *Memory {
	return &Memory{ch: make(chan []byte, capacity)}
}

// Publish enqueues a raw envelope frame for delivery. Malformed payloads
// are still accepted here — decode failure is handled by the consumer
// loop, not the publisher, matching real broker semantics where the
// queue itself is opaque to message content.
func (m *Memory) Publish(raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.ch <- raw
}

// Subscribe implements Consumer.
func (m *Memory) Subscribe(ctx context.Context, handler Handler, sink ErrorSink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-m.ch:
			if !ok {
				return nil
			}
			m.deliver(ctx, raw, handler, sink)
		}
	}
}

func (m *Memory) deliver(ctx context.Context, raw []byte, handler Handler, sink ErrorSink) {
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Malformed payloads are dropped, not reported as handler errors
		// (spec §4.4) — they can never be processed.
		slog.Warn("queue(memory): dropping malformed message", "error", err)
		return
	}
	msg := domain.QueueMessage{Payload: env, Raw: raw}
	var rejected bool
	ack := func() {}
	reject := func(retryable bool) { rejected = retryable }

	Run(ctx, msg, handler, ack, reject, sink)

	if rejected {
		// retryable: re-enqueue for another pass, matching the durable
		// adapter's "re-claims the message to the same consumer" intent
		// in the simplest form this in-memory transport can express.
		m.mu.Lock()
		if !m.closed {
			m.ch <- raw
		}
		m.mu.Unlock()
	}
}

// Close stops accepting new publishes and closes the channel, which ends
// Subscribe's read loop.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.ch)
	return nil
}

var _ Consumer = (*Memory)(nil)
