// Package queue implements the external work-queue consumer contract
// (spec §4.4, §6): for each delivered message the consumer calls the
// hub's broadcast, then ack/retry based on the outcome.
package queue

import (
	"context"
	"log/slog"

	"github.com/nyxloma/guacamole-hub/internal/domain"
)

// Handler processes one queue message. A non-nil error is treated as
// retryable by the consumer loop (spec §4.4).
type Handler func(ctx context.Context, msg domain.QueueMessage) error

// ErrorSink receives broadcast errors the consumer loop can't itself
// resolve, for out-of-band reporting (spec §7 "report to error sink").
type ErrorSink func(msg domain.QueueMessage, err error)

// Consumer is the contract a transport-specific adapter implements.
type Consumer interface {
	// Subscribe starts delivering messages to handler until ctx is
	// cancelled or Close is called. It blocks.
	Subscribe(ctx context.Context, handler Handler, sink ErrorSink) error

	// Close stops the read loop between reads; in-flight handlers finish.
	Close() error
}

// Run is the shared driver loop: call handler, then ack or
// reject(retryable) based on the outcome, exactly as spec §4.4
// describes. Transport adapters call this from their Subscribe.
func Run(ctx context.Context, msg domain.QueueMessage, handler Handler, ack func(), reject func(retryable bool), sink ErrorSink) {
	if err := handler(ctx, msg); err != nil {
		slog.Warn("queue: broadcast handler failed, rejecting for retry", "message_id", msg.ID, "error", err)
		if sink != nil {
			sink(msg, err)
		}
		reject(true)
		return
	}
	ack()
}
