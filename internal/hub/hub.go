package hub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nyxloma/guacamole-hub/internal/auth"
	"github.com/nyxloma/guacamole-hub/internal/domain"
	"github.com/nyxloma/guacamole-hub/internal/metrics"
	"github.com/nyxloma/guacamole-hub/internal/ratelimit"
	"github.com/nyxloma/guacamole-hub/internal/resumestore"
)

// Options carries the hub's tunable limits (spec §4.1, §4.5, §4.8), all
// with the spec-given defaults.
type Options struct {
	MaxBufferedBytes    int
	MaxQueueLength      int
	OutboundLogLimit    int
	HeartbeatInterval   time.Duration
	ResumeTokenTTL      time.Duration
	MaxReplayBatchSize  int
	ConnectRatePerSec   float64
	ConnectBurst        int
	MessageRatePerSec   float64
	MessageBurst        int
}

// DefaultOptions returns the spec-mandated defaults.
func DefaultOptions() Options {
	return Options{
		MaxBufferedBytes:   5 * 1024 * 1024,
		MaxQueueLength:     1024,
		OutboundLogLimit:   500,
		HeartbeatInterval:  60 * time.Second,
		ResumeTokenTTL:     15 * time.Minute,
		MaxReplayBatchSize: 100,
		ConnectRatePerSec:  5,
		ConnectBurst:       10,
		MessageRatePerSec:  20,
		MessageBurst:       40,
	}
}

// Hub is the live connection registry and fan-out point (spec §3, §4.5).
type Hub struct {
	opts Options

	mu          sync.RWMutex
	connections map[string]*Connection

	auth       auth.Authenticator
	store      resumestore.Store
	rec        *metrics.Recorder
	log        *slog.Logger
	connLimit  ratelimit.Limiter
	msgLimit   ratelimit.Limiter

	onClose     func(clientID, accountID, deviceID string, code int, reason string)
	onSendError func(clientID, accountID, deviceID string, err error)
}

// Config bundles the collaborators a Hub needs. Authenticator and Store
// are required; a nil Logger falls back to slog.Default(), and Metrics,
// the rate limiters and the callbacks may be left nil.
type Config struct {
	Options       Options
	Authenticator auth.Authenticator
	Store         resumestore.Store
	Metrics       *metrics.Recorder
	Logger        *slog.Logger
	ConnectLimit  ratelimit.Limiter
	MessageLimit  ratelimit.Limiter
	OnClose       func(clientID, accountID, deviceID string, code int, reason string)
	// OnSendError is invoked when a connection's send primitive fails
	// fatally, for out-of-band reporting alongside the ws_send_error
	// metric (spec §4.2's "configured error sink").
	OnSendError func(clientID, accountID, deviceID string, err error)
}

// New builds a Hub ready to accept connections.
func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		opts:        cfg.Options,
		connections: make(map[string]*Connection),
		auth:        cfg.Authenticator,
		store:       cfg.Store,
		rec:         cfg.Metrics,
		log:         cfg.Logger,
		connLimit:   cfg.ConnectLimit,
		msgLimit:    cfg.MessageLimit,
		onClose:     cfg.OnClose,
		onSendError: cfg.OnSendError,
	}
}

// Get returns the live connection for clientID, if any.
func (h *Hub) Get(clientID string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.connections[clientID]
	return c, ok
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// CountForAccount returns the number of live connections for accountID,
// derived from the registry (SPEC_FULL supplement). It is not exported
// as a metric instrument.
func (h *Hub) CountForAccount(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.connections {
		if c.AccountID == accountID {
			n++
		}
	}
	return n
}

func (h *Hub) add(c *Connection) {
	h.mu.Lock()
	h.connections[c.ClientID] = c
	h.mu.Unlock()
}

func (h *Hub) remove(clientID string) {
	h.mu.Lock()
	delete(h.connections, clientID)
	h.mu.Unlock()
}

// broadcast fans out a queue message to every live connection, assigning
// each its own per-connection sequence number (spec §4.5, §4.1).
func (h *Hub) broadcast(ctx context.Context, msg domain.QueueMessage) {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliverOne(ctx, c, msg)
	}
}

func (h *Hub) deliverOne(ctx context.Context, c *Connection, msg domain.QueueMessage) {
	seq := c.appendOutbound(msg.Raw)
	out := domain.OutboundFrame{Seq: seq, Payload: string(msg.Raw)}
	raw, err := encodeOutbound(out)
	if err != nil {
		h.log.Error("failed to encode broadcast frame", "client_id", c.ClientID, "error", err)
		return
	}
	h.safeSend(c, raw)
}

// safeSend enqueues payload for c, closing the connection overloaded if
// the socket's buffered bytes already exceed the configured limit (spec
// §4.2, used for fresh fan-out and acks — never halts silently).
func (h *Hub) safeSend(c *Connection, payload []byte) {
	newSendGuard(c, h.opts.MaxBufferedBytes).send(payload)
}

// safeSendWithBackpressure is the replay engine's variant: it returns
// false instead of closing, signalling the caller to halt the batch.
func (h *Hub) safeSendWithBackpressure(c *Connection, payload []byte) bool {
	return newSendGuard(c, h.opts.MaxBufferedBytes).sendWithBackpressure(payload)
}

// nextResumeToken mints a fresh resume token and its expiry (spec §4.8).
func (h *Hub) nextResumeToken() (token string, expiresAt int64) {
	token = uuid.New().String()
	expiresAt = time.Now().Add(h.opts.ResumeTokenTTL).UnixMilli()
	return token, expiresAt
}

// redactToken keeps only the first and last 4 characters, for safe
// inclusion in logs and the ws_resume_token_rotated metric (spec §4.8).
func redactToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// persistSnapshot writes c's current resume state to the store.
func (h *Hub) persistSnapshot(ctx context.Context, c *Connection) {
	c.mu.Lock()
	state := c.snapshotLocked()
	c.mu.Unlock()

	if state.ResumeToken == "" {
		return
	}
	if err := h.store.Persist(ctx, &state); err != nil {
		h.log.Error("failed to persist resume snapshot", "client_id", c.ClientID, "resume_token", redactToken(state.ResumeToken), "error", err)
	}
}

func encodeOutbound(f domain.OutboundFrame) ([]byte, error) {
	return json.Marshal(f)
}

// newAnonClientID is used for the transport-level identifier (distinct
// from account/device identity), to key the live registry before
// authentication completes.
func newAnonClientID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("hub: generate client id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
