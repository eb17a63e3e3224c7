package hub

import (
	"context"
	"net/http"

	"github.com/nyxloma/guacamole-hub/internal/metrics"
	"github.com/nyxloma/guacamole-hub/internal/socket"
)

// Register runs the connect-time sequence (spec §4.6): authenticate,
// rate-limit, build and register the Connection, persist its initial
// resume snapshot, emit ws_connected, and arm the heartbeat.
//
// A nil, nil return means the caller already closed sock (unauthorized
// or rate-limited) and should tear down without further bookkeeping.
func (h *Hub) Register(ctx context.Context, sock socket.Socket, headers http.Header) (*Connection, error) {
	clientID, err := newAnonClientID()
	if err != nil {
		return nil, err
	}

	identity, err := h.auth.Authenticate(headers, clientID)
	if err != nil || identity == nil {
		sock.Close(1008, "unauthorized")
		return nil, nil
	}

	if h.connLimit != nil && !h.connLimit.Consume(identity.AccountID) {
		sock.Close(1013, "rate_limited")
		return nil, nil
	}

	conn := newConnection(clientID, identity.AccountID, identity.DeviceID, sock, h.log, h.rec, h.opts.MaxQueueLength, h.opts.OutboundLogLimit)
	conn.onDestroy = h.handleConnectionDestroyed
	if h.onSendError != nil {
		conn.errorSink = func(c *Connection, err error) {
			h.onSendError(c.ClientID, c.AccountID, c.DeviceID, err)
		}
	}

	token, expiresAt := h.nextResumeToken()
	conn.mu.Lock()
	conn.resumeToken = token
	conn.resumeTokenExpiresAt = expiresAt
	conn.mu.Unlock()

	h.add(conn)
	h.persistSnapshot(ctx, conn)

	h.rec.Record(ctx, metrics.WSConnected, metrics.Fields{AccountID: identity.AccountID, DeviceID: identity.DeviceID})
	h.scheduleHeartbeat(conn)

	h.log.Info("connection registered", "client_id", clientID, "account_id", identity.AccountID, "device_id", identity.DeviceID)
	return conn, nil
}

// handleConnectionDestroyed is the single cleanup path every destruction
// route (overload, send failure, heartbeat timeout, socket close, caller
// shutdown) funnels through: remove from the registry, persist a final
// snapshot, and notify the configured onClose hook (spec §4.6 step 4).
func (h *Hub) handleConnectionDestroyed(c *Connection, code int, reason string) {
	h.remove(c.ClientID)
	c.mu.Lock()
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
	}
	c.mu.Unlock()

	h.persistSnapshot(context.Background(), c)

	if h.onClose != nil {
		h.onClose(c.ClientID, c.AccountID, c.DeviceID, code, reason)
	}
}

// HandleClose destroys c with the given close code and reason. Callers
// drive the connection's read loop themselves: loop sock.Read (or
// equivalent), hand each inbound frame to HandleFrame, and call
// HandleClose once the read loop ends for any reason (EOF, protocol
// error at the transport level, context cancellation).
func (h *Hub) HandleClose(c *Connection, code int, reason string) {
	c.destroy(code, reason)
}
