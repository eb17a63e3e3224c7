package socket

import (
	"context"
	"sync/atomic"

	"github.com/coder/websocket"
)

// WSAdapter adapts a *websocket.Conn to the Socket interface.
//
// coder/websocket writes synchronously to the underlying net.Conn and does
// not expose a browser-style bufferedAmount, so BufferedAmount is
// approximated as the number of bytes currently in flight through Send —
// accurate enough for the single-flush-worker usage pattern in
// internal/hub, where at most one Send is ever outstanding per connection.
type WSAdapter struct {
	conn     *websocket.Conn
	inFlight int64
}

// NewWSAdapter wraps an accepted websocket connection.
func NewWSAdapter(conn *websocket.Conn) *WSAdapter {
	return &WSAdapter{conn: conn}
}

func (a *WSAdapter) ReadyState() ReadyState {
	// coder/websocket has no readyState accessor; a live *Conn is always
	// OPEN until Close/CloseNow is called, at which point further Send
	// calls return an error that the caller treats as fatal.
	return Open
}

func (a *WSAdapter) BufferedAmount() int {
	return int(atomic.LoadInt64(&a.inFlight))
}

func (a *WSAdapter) Send(ctx context.Context, data []byte) error {
	atomic.AddInt64(&a.inFlight, int64(len(data)))
	defer atomic.AddInt64(&a.inFlight, -int64(len(data)))
	return a.conn.Write(ctx, websocket.MessageText, data)
}

func (a *WSAdapter) Close(code int, reason string) error {
	return a.conn.Close(websocket.StatusCode(code), reason)
}

func (a *WSAdapter) Terminate() error {
	return a.conn.CloseNow()
}

func (a *WSAdapter) Ping(ctx context.Context) error {
	return a.conn.Ping(ctx)
}

// Read blocks for the next inbound frame. It is not part of the Socket
// interface (inbound framing lives with the caller's read loop), but the
// adapter exposes it so cmd/hub can drive a read loop over the same
// underlying connection it wraps for sends.
func (a *WSAdapter) Read(ctx context.Context) ([]byte, error) {
	_, data, err := a.conn.Read(ctx)
	return data, err
}

// CloseStatus extracts a close status code from a read/write error, or -1
// if err does not carry one.
func CloseStatus(err error) int {
	return int(websocket.CloseStatus(err))
}
