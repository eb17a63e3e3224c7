package hub

import (
	"context"
	"time"

	"github.com/nyxloma/guacamole-hub/internal/metrics"
)

// scheduleHeartbeat arms (or re-arms) c's single pending timer (spec
// §4.3 invariant: at most one heartbeat timer per connection).
//
// coder/websocket's Ping blocks for the full round trip rather than
// exposing separate ping-sent/pong-received events, so the two-stage
// "ping, then a second timer that terminates on no pong" state machine
// collapses into one context-bounded Ping call: a context timeout of
// half the heartbeat interval stands in for the second timer, and a
// successful return is the pong.
func (h *Hub) scheduleHeartbeat(c *Connection) {
	c.mu.Lock()
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
	}
	c.heartbeatTimer = time.AfterFunc(h.opts.HeartbeatInterval, func() { h.fireHeartbeat(c) })
	c.mu.Unlock()
}

func (h *Hub) fireHeartbeat(c *Connection) {
	c.mu.Lock()
	idle := time.Since(c.lastSeenAt) >= h.opts.HeartbeatInterval
	if !idle {
		c.mu.Unlock()
		h.scheduleHeartbeat(c)
		return
	}
	now := time.Now()
	c.lastPingSentAt = &now
	c.mu.Unlock()

	go h.ping(c, now)
}

func (h *Hub) ping(c *Connection, sentAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.HeartbeatInterval/2)
	defer cancel()

	if err := c.sock.Ping(ctx); err != nil {
		h.terminateOnHeartbeatFailure(c)
		return
	}

	latency := time.Since(sentAt)
	c.mu.Lock()
	c.lastSeenAt = time.Now()
	c.lastPingSentAt = nil
	c.mu.Unlock()

	h.rec.Record(context.Background(), metrics.WSPingLatency, metrics.Fields{AccountID: c.AccountID, DeviceID: c.DeviceID, LatencyMs: float64(latency.Milliseconds())})
	h.scheduleHeartbeat(c)
}

// terminateOnHeartbeatFailure closes the connection exactly once (spec
// §4.3 invariant) when a ping round trip fails or times out.
func (h *Hub) terminateOnHeartbeatFailure(c *Connection) {
	h.rec.Record(context.Background(), metrics.WSHeartbeatTerminate, metrics.Fields{AccountID: c.AccountID, DeviceID: c.DeviceID})
	c.sock.Terminate()
	c.destroy(1006, "heartbeat_timeout")
}
