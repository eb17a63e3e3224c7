package hub

import (
	"context"

	"github.com/nyxloma/guacamole-hub/internal/metrics"
	"github.com/nyxloma/guacamole-hub/internal/socket"
)

// sendGuard wraps a Connection for callers that can tolerate
// backpressure (spec §4.2, §4.8): it consults the socket's reported
// bufferedAmount before handing a payload to the per-connection queue.
type sendGuard struct {
	conn             *Connection
	maxBufferedBytes int
}

func newSendGuard(conn *Connection, maxBufferedBytes int) *sendGuard {
	return &sendGuard{conn: conn, maxBufferedBytes: maxBufferedBytes}
}

// send is used for fresh fan-out and acks: overload closes the
// connection outright (1013 overloaded).
func (g *sendGuard) send(payload []byte) {
	if g.conn.sock.ReadyState() != socket.Open {
		return
	}
	if g.conn.sock.BufferedAmount() > g.maxBufferedBytes {
		g.conn.rec.Record(context.Background(), metrics.WSOverloaded, metrics.Fields{AccountID: g.conn.AccountID, DeviceID: g.conn.DeviceID})
		g.conn.Close(1013, "overloaded")
		return
	}
	g.conn.Enqueue(payload)
}

// sendWithBackpressure is used by the replay engine: overload does not
// close the connection, it signals the caller to halt the batch.
func (g *sendGuard) sendWithBackpressure(payload []byte) bool {
	if g.conn.sock.ReadyState() != socket.Open {
		return false
	}
	if g.conn.sock.BufferedAmount() > g.maxBufferedBytes {
		return false
	}
	g.conn.Enqueue(payload)
	return true
}
