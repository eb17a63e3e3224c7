package hub

import (
	"context"
	"sync"

	"github.com/nyxloma/guacamole-hub/internal/socket"
)

// fakeSocket is a controllable Socket double for hub tests.
type fakeSocket struct {
	mu sync.Mutex

	state socket.ReadyState
	sent  [][]byte

	bufferedAmount int
	sendErr        error
	pingErr        error

	closedCode   int
	closedReason string
	terminated   bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{state: socket.Open}
}

func (f *fakeSocket) ReadyState() socket.ReadyState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSocket) BufferedAmount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bufferedAmount
}

func (f *fakeSocket) Send(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := append([]byte(nil), data...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeSocket) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = socket.Closed
	f.closedCode = code
	f.closedReason = reason
	return nil
}

func (f *fakeSocket) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = socket.Closed
	f.terminated = true
	return nil
}

func (f *fakeSocket) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeSocket) snapshotSent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

var _ socket.Socket = (*fakeSocket)(nil)
