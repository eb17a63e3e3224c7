package hub

import (
	"context"

	"github.com/nyxloma/guacamole-hub/internal/domain"
	"github.com/nyxloma/guacamole-hub/internal/queue"
)

// QueueHandler adapts Hub.broadcast to the queue.Handler shape expected
// by a queue.Consumer's Subscribe (spec §4.4).
func (h *Hub) QueueHandler() queue.Handler {
	return func(ctx context.Context, msg domain.QueueMessage) error {
		h.broadcast(ctx, msg)
		return nil
	}
}

// QueueErrorSink logs delivery failures the consumer driver reports
// after a handler error (spec §4.4).
func (h *Hub) QueueErrorSink() queue.ErrorSink {
	return func(msg domain.QueueMessage, err error) {
		h.log.Error("queue message delivery failed", "message_id", msg.ID, "error", err)
	}
}
