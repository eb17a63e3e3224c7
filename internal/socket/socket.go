// Package socket defines the transport primitive the hub consumes (spec §6)
// and a concrete adapter over github.com/coder/websocket.
package socket

import "context"

// ReadyState mirrors the WebSocket readyState enum.
type ReadyState int

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

// SendFunc completes asynchronously via the returned error, or may be
// invoked synchronously before returning — the hub only requires exactly
// one completion signal per payload (spec §4.2, §9).
type SendFunc func(ctx context.Context, data []byte) error

// Socket is the minimal transport surface the hub depends on. A concrete
// implementation adapts a real network connection; tests use a fake.
type Socket interface {
	// ReadyState reports the current connection state.
	ReadyState() ReadyState

	// BufferedAmount reports the platform outbound buffer size in bytes.
	BufferedAmount() int

	// Send writes one payload. It may return synchronously or the error
	// may reflect a prior asynchronous failure surfaced on the next call;
	// the hub's per-connection flush loop treats any returned error as
	// fatal for the connection.
	Send(ctx context.Context, data []byte) error

	// Close closes the underlying connection with a protocol close code
	// and a human-readable reason.
	Close(code int, reason string) error

	// Terminate forcibly tears down the connection without a close handshake.
	Terminate() error

	// Ping sends a transport-level ping (heartbeat probe).
	Ping(ctx context.Context) error
}
