package hub

import (
	"context"
	"errors"

	"github.com/nyxloma/guacamole-hub/internal/domain"
	"github.com/nyxloma/guacamole-hub/internal/envelope"
	"github.com/nyxloma/guacamole-hub/internal/metrics"
)

// HandleFrame is the per-inbound-frame entry point (spec §4.7): rate
// limit, decode, dedupe, dispatch, and ack. raw is the exact bytes read
// off the wire.
func (h *Hub) HandleFrame(ctx context.Context, c *Connection, raw []byte) {
	if h.msgLimit != nil && !h.msgLimit.Consume(c.AccountID) {
		c.Close(1008, "message_rate_limited")
		return
	}

	env, err := envelope.Decode(raw)
	if err != nil {
		h.handleDecodeError(ctx, c, err)
		return
	}

	c.touchLastSeen()
	h.scheduleHeartbeat(c)

	if env.Type == domain.FrameResume {
		h.handleResume(ctx, c, env)
		return
	}

	if c.checkAndMarkInFlight(env.ID) {
		h.sendRejectedAck(ctx, c, env.ID, "duplicate")
		return
	}

	seq := c.nextClientSequence()
	h.rec.Record(ctx, metrics.WSAckSent, metrics.Fields{AccountID: c.AccountID, DeviceID: c.DeviceID})
	ack, err := envelope.Encode(domain.AckPayload{
		Type:   domain.FrameAck,
		ID:     env.ID,
		Status: domain.AckAccepted,
		Seq:    seq,
	})
	if err != nil {
		h.log.Error("failed to encode ack", "client_id", c.ClientID, "error", err)
		return
	}
	h.safeSend(c, ack)
}

func (h *Hub) handleDecodeError(ctx context.Context, c *Connection, err error) {
	var reject *envelope.Reject
	if errors.As(err, &reject) && reject.Code == 1009 {
		h.rec.Record(ctx, metrics.WSInvalidSize, metrics.Fields{AccountID: c.AccountID, DeviceID: c.DeviceID})
		c.Close(1009, "message_too_large")
		return
	}

	h.rec.Record(ctx, metrics.WSInvalidFrame, metrics.Fields{AccountID: c.AccountID, DeviceID: c.DeviceID})
	c.Close(1002, "protocol_error")
}

// sendRejectedAck sends a rejected ack via the SendGuard's backpressure
// check (spec §4.7 step 7, scenario S2) — a duplicate frame still owes
// the client an explicit ack, not silence.
func (h *Hub) sendRejectedAck(ctx context.Context, c *Connection, id, reason string) {
	h.rec.Record(ctx, metrics.WSAckRejected, metrics.Fields{AccountID: c.AccountID, DeviceID: c.DeviceID, Reason: reason})

	raw, err := envelope.Encode(domain.AckPayload{
		Type:   domain.FrameAck,
		ID:     id,
		Status: domain.AckRejected,
		Reason: reason,
	})
	if err != nil {
		h.log.Error("failed to encode rejected ack", "client_id", c.ClientID, "error", err)
		return
	}
	h.safeSend(c, raw)
}
