// Package hub implements the live fan-out registry, per-connection send
// queues, heartbeat state machine, frame dispatch, and resume/replay
// engine (spec §4.5-§4.8).
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nyxloma/guacamole-hub/internal/domain"
	"github.com/nyxloma/guacamole-hub/internal/envelope"
	"github.com/nyxloma/guacamole-hub/internal/metrics"
	"github.com/nyxloma/guacamole-hub/internal/socket"
)

// Connection is one live attached client (spec §3).
type Connection struct {
	ClientID  string
	AccountID string
	DeviceID  string

	sock socket.Socket
	log  *slog.Logger
	rec  *metrics.Recorder

	// mu serializes every mutation below, matching the per-connection
	// executor the concurrency model requires (spec §5).
	mu sync.Mutex

	resumeToken          string
	resumeTokenExpiresAt int64 // epoch ms

	serverSequence int
	clientSequence int

	inFlight map[string]struct{}

	outboundLog      []domain.OutboundFrame
	outboundLogLimit int

	lastSeenAt     time.Time
	lastPingSentAt *time.Time
	heartbeatTimer *time.Timer

	sendCh            chan []byte
	hadFatalSendError bool
	sendDone          chan struct{}

	onDestroy func(c *Connection, code int, reason string)
	errorSink func(c *Connection, err error)

	closeOnce sync.Once
}

func newConnection(clientID, accountID, deviceID string, sock socket.Socket, log *slog.Logger, rec *metrics.Recorder, maxQueueLength, outboundLogLimit int) *Connection {
	c := &Connection{
		ClientID:         clientID,
		AccountID:        accountID,
		DeviceID:         deviceID,
		sock:             sock,
		log:              log,
		rec:              rec,
		inFlight:         make(map[string]struct{}),
		outboundLogLimit: outboundLogLimit,
		lastSeenAt:       time.Now(),
		sendCh:           make(chan []byte, maxQueueLength),
		sendDone:         make(chan struct{}),
	}
	go c.flushLoop()
	return c
}

// Enqueue appends payload to the per-connection FIFO (spec §4.2).
// Enqueue fails silently once hadFatalSendError is latched, and closes
// the connection overloaded if the queue is already at capacity.
func (c *Connection) Enqueue(payload []byte) {
	c.mu.Lock()
	if c.hadFatalSendError {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	select {
	case c.sendCh <- payload:
	default:
		c.rec.Record(context.Background(), metrics.WSOverloaded, metrics.Fields{AccountID: c.AccountID, DeviceID: c.DeviceID})
		c.Close(1013, "overloaded")
	}
}

// flushLoop is the single-worker drain loop (spec §4.2): it pops one
// payload at a time and hands it to the socket's send primitive, in
// order, until the channel is closed (fatal error or connection close).
func (c *Connection) flushLoop() {
	defer close(c.sendDone)

	for payload := range c.sendCh {
		err := c.sock.Send(context.Background(), payload)
		if err != nil {
			c.handleSendFailure(err)
			return
		}
		c.rec.Record(context.Background(), metrics.WSFrameSent, metrics.Fields{AccountID: c.AccountID, DeviceID: c.DeviceID})
	}
}

// handleSendFailure is latched: it sets hadFatalSendError, drains the
// remaining queue without sending, emits ws_send_error, invokes the
// configured error sink, then closes 1011 send_failure (spec §4.2).
func (c *Connection) handleSendFailure(err error) {
	c.mu.Lock()
	c.hadFatalSendError = true
	c.mu.Unlock()

	drained := 0
	for {
		select {
		case <-c.sendCh:
			drained++
		default:
			goto doneDraining
		}
	}
doneDraining:

	c.log.Warn("connection send failed, latching fatal error", "client_id", c.ClientID, "error", sanitize(err), "drained", drained)
	c.rec.Record(context.Background(), metrics.WSSendError, metrics.Fields{AccountID: c.AccountID, DeviceID: c.DeviceID})

	if c.errorSink != nil {
		c.errorSink(c, err)
	}

	c.destroy(1011, "send_failure")
}

// sanitize returns the error's message for logging ("" for nil). The
// message text is passed through unchanged; nothing is redacted.
func sanitize(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Close closes the underlying socket and emits ws_closed (spec §4.2) by
// delegating to destroy, so registry cleanup always happens alongside
// it. Only the first Close or destroy call on a connection has effect.
func (c *Connection) Close(code int, reason string) {
	c.destroy(code, reason)
}

// destroy is idempotent: only the first caller actually closes the
// socket and notifies onDestroy (lifecycle cleanup, snapshot, onClose).
func (c *Connection) destroy(code int, reason string) {
	c.closeOnce.Do(func() {
		if err := c.sock.Close(code, reason); err != nil {
			c.log.Debug("connection close error", "client_id", c.ClientID, "error", err)
		}
		c.rec.Record(context.Background(), metrics.WSClosed, metrics.Fields{AccountID: c.AccountID, DeviceID: c.DeviceID, Code: code, Reason: reason})
		if c.onDestroy != nil {
			c.onDestroy(c, code, reason)
		}
	})
}

// appendOutbound appends a new {seq, payload} entry and truncates the
// log to the configured limit, keeping the newest entries (spec §4.5).
// Returns the assigned sequence number.
func (c *Connection) appendOutbound(raw []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.serverSequence++
	seq := c.serverSequence
	c.outboundLog = append(c.outboundLog, domain.OutboundFrame{Seq: seq, Payload: string(raw)})
	if len(c.outboundLog) > c.outboundLogLimit {
		c.outboundLog = c.outboundLog[len(c.outboundLog)-c.outboundLogLimit:]
	}
	return seq
}

// snapshotLocked must be called with c.mu held; it returns copies safe
// to use after unlocking.
func (c *Connection) snapshotLocked() domain.ResumeState {
	frames := make([]domain.OutboundFrame, len(c.outboundLog))
	copy(frames, c.outboundLog)
	return domain.ResumeState{
		ResumeToken:    c.resumeToken,
		AccountID:      c.AccountID,
		DeviceID:       c.DeviceID,
		LastServerSeq:  c.serverSequence,
		ExpiresAt:      c.resumeTokenExpiresAt,
		OutboundFrames: frames,
	}
}

// checkAndMarkInFlight reports whether envelope id is already in the
// in-flight set, and records it there if not (spec §4.7, §3 invariant).
func (c *Connection) checkAndMarkInFlight(id string) (duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inFlight[id]; ok {
		return true
	}
	c.inFlight[id] = struct{}{}
	return false
}

func (c *Connection) nextClientSequence() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientSequence++
	return c.clientSequence
}

func (c *Connection) touchLastSeen() {
	c.mu.Lock()
	c.lastSeenAt = time.Now()
	c.mu.Unlock()
}

// encodeAndSend marshals v and enqueues it via the connection's FIFO
// without the send guard's bufferedAmount check (used for the
// resume_ack, which must not be dropped on overload — only a fatal send
// error or a full queue closes the connection).
func (c *Connection) encodeAndSend(v any) {
	raw, err := envelope.Encode(v)
	if err != nil {
		c.log.Error("failed to encode outbound payload", "client_id", c.ClientID, "error", err)
		return
	}
	c.Enqueue(raw)
}
