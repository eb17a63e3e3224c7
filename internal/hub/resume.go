package hub

import (
	"context"
	"time"

	"github.com/nyxloma/guacamole-hub/internal/domain"
	"github.com/nyxloma/guacamole-hub/internal/envelope"
	"github.com/nyxloma/guacamole-hub/internal/metrics"
)

// handleResume runs the resume/replay engine (spec §4.8). It first
// classifies the presented token: a connection re-presenting its own
// still-current token is a same-session rotation (step 4 — the stored
// copy may already look expired, so validation is best-effort); any
// other token is a cross-session recovery against the durable store
// and gets the full validation chain (steps 2-3).
func (h *Hub) handleResume(ctx context.Context, c *Connection, env *domain.Envelope) {
	payload, err := envelope.DecodeResumePayload(env)
	if err != nil {
		c.Close(1002, "invalid_resume")
		return
	}

	c.mu.Lock()
	sameSession := c.resumeToken != "" && payload.ResumeToken == c.resumeToken
	c.mu.Unlock()

	if sameSession {
		h.rotateSameSession(ctx, c, payload)
		return
	}
	h.recoverCrossSession(ctx, c, payload)
}

// rotateSameSession handles a live connection rotating its own token
// (spec §4.8 step 4): drop the old token best-effort — it may already
// be expired in the store — and mint a fresh one without touching the
// store's view of serverSequence/outboundLog, since this connection's
// in-memory state is already authoritative.
func (h *Hub) rotateSameSession(ctx context.Context, c *Connection, payload *domain.ResumePayload) {
	_ = h.store.Drop(ctx, payload.ResumeToken)

	c.mu.Lock()
	toReplay := framesAfter(c.outboundLog, payload.LastClientSeq)
	c.mu.Unlock()

	newToken, newExpiresAt := h.nextResumeToken()
	c.mu.Lock()
	c.resumeToken = newToken
	c.resumeTokenExpiresAt = newExpiresAt
	c.mu.Unlock()

	h.persistSnapshot(ctx, c)
	h.rec.Record(ctx, metrics.WSResumeTokenRotated, metrics.Fields{AccountID: c.AccountID, DeviceID: c.DeviceID})
	h.log.Info("resume token rotated (same session)", "client_id", c.ClientID, "new_token", redactToken(newToken))

	h.sendResumeAckAndReplay(ctx, c, payload, newToken, toReplay)
}

// recoverCrossSession handles a new connection recovering a prior
// session's state from the durable store (spec §4.8 steps 2-3):
// validate the token's existence, expiry and ownership, adopt the
// prior session's sequence/log, then rotate.
func (h *Hub) recoverCrossSession(ctx context.Context, c *Connection, payload *domain.ResumePayload) {
	state, err := h.store.Load(ctx, payload.ResumeToken)
	if err != nil {
		h.log.Error("resume store load failed", "client_id", c.ClientID, "error", err)
		c.Close(1011, "store_error")
		return
	}
	if state == nil {
		c.Close(1008, "invalid_token")
		return
	}
	if state.ExpiresAt < time.Now().UnixMilli() {
		_ = h.store.Drop(ctx, payload.ResumeToken)
		c.Close(1008, "expired_token")
		return
	}
	if state.AccountID != c.AccountID || state.DeviceID != c.DeviceID {
		c.Close(1008, "token_conflict")
		return
	}

	toReplay := framesAfter(state.OutboundFrames, payload.LastClientSeq)

	c.mu.Lock()
	c.serverSequence = state.LastServerSeq
	c.outboundLog = append([]domain.OutboundFrame(nil), state.OutboundFrames...)
	c.mu.Unlock()

	newToken, newExpiresAt := h.nextResumeToken()
	c.mu.Lock()
	priorToken := c.resumeToken
	c.resumeToken = newToken
	c.resumeTokenExpiresAt = newExpiresAt
	c.mu.Unlock()

	if priorToken != "" && priorToken != payload.ResumeToken {
		_ = h.store.Drop(ctx, priorToken)
	}
	_ = h.store.Drop(ctx, payload.ResumeToken)
	h.persistSnapshot(ctx, c)

	h.rec.Record(ctx, metrics.WSResumeTokenRotated, metrics.Fields{AccountID: c.AccountID, DeviceID: c.DeviceID})
	h.log.Info("resume token rotated", "client_id", c.ClientID, "old_token", redactToken(payload.ResumeToken), "new_token", redactToken(newToken))

	h.sendResumeAckAndReplay(ctx, c, payload, newToken, toReplay)
}

// sendResumeAckAndReplay sends the resume_ack (fromSeq is always
// lastClientSeq+1, spec §4.8 step 6 / invariant 5 — independent of
// whether the outbound log has been front-truncated) and then runs the
// replay engine.
func (h *Hub) sendResumeAckAndReplay(ctx context.Context, c *Connection, payload *domain.ResumePayload, newToken string, toReplay []domain.OutboundFrame) {
	c.encodeAndSend(domain.ResumeAckPayload{
		Type:        domain.FrameResumeAck,
		FromSeq:     payload.LastClientSeq + 1,
		ExpiresInMs: h.opts.ResumeTokenTTL.Milliseconds(),
		ResumeToken: newToken,
	})

	h.rec.Record(ctx, metrics.WSReplayStart, metrics.Fields{AccountID: c.AccountID, DeviceID: c.DeviceID})
	h.replay(ctx, c, toReplay)
}

// replay sends toReplay in batches of at most MaxReplayBatchSize,
// halting if the socket reports backpressure (spec §4.8).
func (h *Hub) replay(ctx context.Context, c *Connection, frames []domain.OutboundFrame) {
	batches := 0
	for start := 0; start < len(frames); start += h.opts.MaxReplayBatchSize {
		end := start + h.opts.MaxReplayBatchSize
		if end > len(frames) {
			end = len(frames)
		}
		batch := frames[start:end]

		h.rec.Record(ctx, metrics.WSReplayBatchSent, metrics.Fields{AccountID: c.AccountID, DeviceID: c.DeviceID})
		batches++

		for _, f := range batch {
			raw, err := envelope.Encode(f)
			if err != nil {
				h.log.Error("failed to encode replay frame", "client_id", c.ClientID, "error", err)
				continue
			}
			if !h.safeSendWithBackpressure(c, raw) {
				h.rec.Record(ctx, metrics.WSReplayBackpressure, metrics.Fields{AccountID: c.AccountID, DeviceID: c.DeviceID, Count: len(frames) - start})
				return
			}
		}
	}

	h.rec.Record(ctx, metrics.WSReplayComplete, metrics.Fields{AccountID: c.AccountID, DeviceID: c.DeviceID, Batches: batches})
}

// framesAfter returns the suffix of log with Seq > lastClientSeq,
// assuming log is ordered by ascending Seq.
func framesAfter(log []domain.OutboundFrame, lastClientSeq int) []domain.OutboundFrame {
	for i, f := range log {
		if f.Seq > lastClientSeq {
			return log[i:]
		}
	}
	return nil
}
