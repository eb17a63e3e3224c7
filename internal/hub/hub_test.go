package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/nyxloma/guacamole-hub/internal/auth"
	"github.com/nyxloma/guacamole-hub/internal/domain"
	"github.com/nyxloma/guacamole-hub/internal/envelope"
	"github.com/nyxloma/guacamole-hub/internal/metrics"
	"github.com/nyxloma/guacamole-hub/internal/resumestore"
	"github.com/nyxloma/guacamole-hub/internal/socket"
)

// fixedAuth always authenticates as the same identity, for deterministic
// test assertions.
type fixedAuth struct{ id auth.Identity }

func (f fixedAuth) Authenticate(http.Header, string) (*auth.Identity, error) {
	id := f.id
	return &id, nil
}

type rejectAuth struct{}

func (rejectAuth) Authenticate(http.Header, string) (*auth.Identity, error) { return nil, nil }

func newTestHub(t *testing.T, a auth.Authenticator, opts Options) (*Hub, resumestore.Store) {
	t.Helper()
	rec, err := metrics.New(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}
	store := resumestore.NewMemory()
	h := New(Config{
		Options:       opts,
		Authenticator: a,
		Store:         store,
		Metrics:       rec,
		Logger:        nil,
	})
	return h, store
}

func registerTestConn(t *testing.T, h *Hub, sock *fakeSocket) *Connection {
	t.Helper()
	conn, err := h.Register(context.Background(), sock, http.Header{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if conn == nil {
		t.Fatalf("Register: connection was rejected")
	}
	return conn
}

func TestRegister_Unauthorized(t *testing.T) {
	h, _ := newTestHub(t, rejectAuth{}, DefaultOptions())
	sock := newFakeSocket()

	conn, err := h.Register(context.Background(), sock, http.Header{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if conn != nil {
		t.Fatalf("expected nil connection for unauthorized caller")
	}
	if sock.closedCode != 1008 {
		t.Fatalf("expected close code 1008, got %d", sock.closedCode)
	}
}

func TestHandleFrame_MsgAccepted(t *testing.T) {
	h, _ := newTestHub(t, fixedAuth{auth.Identity{AccountID: "acc1", DeviceID: "dev1"}}, DefaultOptions())
	sock := newFakeSocket()
	conn := registerTestConn(t, h, sock)

	raw := mustEncodeEnvelope(t, "id-1", domain.FrameMsg, domain.MsgPayload{Seq: 0})
	h.HandleFrame(context.Background(), conn, raw)

	// allow the connection's flush goroutine to drain
	waitForSent(t, sock, 1)
	sent := sock.snapshotSent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly 1 ack frame sent, got %d", len(sent))
	}
	var ack domain.AckPayload
	if err := json.Unmarshal(sent[0], &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Status != domain.AckAccepted || ack.ID != "id-1" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestHandleFrame_DuplicateSuppressed(t *testing.T) {
	h, _ := newTestHub(t, fixedAuth{auth.Identity{AccountID: "acc1", DeviceID: "dev1"}}, DefaultOptions())
	sock := newFakeSocket()
	conn := registerTestConn(t, h, sock)

	raw := mustEncodeEnvelope(t, "dup-1", domain.FrameMsg, domain.MsgPayload{Seq: 0})
	h.HandleFrame(context.Background(), conn, raw)
	h.HandleFrame(context.Background(), conn, raw)

	waitForSent(t, sock, 2)
	sent := sock.snapshotSent()
	if len(sent) != 2 {
		t.Fatalf("expected a rejected duplicate ack alongside the first accepted ack, got %d acks", len(sent))
	}
	var dup domain.AckPayload
	if err := json.Unmarshal(sent[1], &dup); err != nil {
		t.Fatalf("unmarshal duplicate ack: %v", err)
	}
	if dup.Status != domain.AckRejected || dup.Reason != "duplicate" || dup.ID != "dup-1" {
		t.Fatalf("unexpected duplicate ack: %+v", dup)
	}
}

func TestHandleFrame_TooLargeClosesConnection(t *testing.T) {
	h, _ := newTestHub(t, fixedAuth{auth.Identity{AccountID: "acc1", DeviceID: "dev1"}}, DefaultOptions())
	sock := newFakeSocket()
	conn := registerTestConn(t, h, sock)

	big := make([]byte, domain.MaxFrameBytes+1)
	h.HandleFrame(context.Background(), conn, big)

	if sock.closedCode != 1009 {
		t.Fatalf("expected close code 1009 for oversized frame, got %d", sock.closedCode)
	}
}

func TestBroadcast_DeliversToConnection(t *testing.T) {
	h, _ := newTestHub(t, fixedAuth{auth.Identity{AccountID: "acc1", DeviceID: "dev1"}}, DefaultOptions())
	sock := newFakeSocket()
	conn := registerTestConn(t, h, sock)

	env := domain.Envelope{V: 1, ID: "m1", Type: domain.FrameMsg, Size: 10}
	raw, _ := json.Marshal(env)
	h.broadcast(context.Background(), domain.QueueMessage{Payload: env, Raw: raw})

	// allow the connection's flush goroutine to drain
	waitForSent(t, sock, 1)

	var f domain.OutboundFrame
	if err := json.Unmarshal(sock.snapshotSent()[0], &f); err != nil {
		t.Fatalf("unmarshal outbound frame: %v", err)
	}
	if f.Seq != 1 {
		t.Fatalf("expected first broadcast to be seq 1, got %d", f.Seq)
	}
}

func TestResume_ReplaysUnseenFrames(t *testing.T) {
	identity := auth.Identity{AccountID: "acc1", DeviceID: "dev1"}
	h, store := newTestHub(t, fixedAuth{identity}, DefaultOptions())

	sock1 := newFakeSocket()
	conn1 := registerTestConn(t, h, sock1)

	for i := 0; i < 3; i++ {
		env := domain.Envelope{V: 1, ID: "m", Type: domain.FrameMsg, Size: 10}
		raw, _ := json.Marshal(env)
		h.broadcast(context.Background(), domain.QueueMessage{Payload: env, Raw: raw})
	}
	waitForSent(t, sock1, 3)

	oldToken := conn1.resumeToken
	conn1.Close(1001, "test_disconnect")

	// second connection, fresh socket, resumes using the old token
	sock2 := newFakeSocket()
	conn2 := registerTestConn(t, h, sock2)

	resumeRaw := mustEncodeEnvelope(t, "resume-1", domain.FrameResume, domain.ResumePayload{ResumeToken: oldToken, LastClientSeq: 1})
	h.HandleFrame(context.Background(), conn2, resumeRaw)

	waitForSent(t, sock2, 3) // resume_ack + 2 replayed frames

	sent := sock2.snapshotSent()
	var resumeAck domain.ResumeAckPayload
	if err := json.Unmarshal(sent[0], &resumeAck); err != nil {
		t.Fatalf("unmarshal resume ack: %v", err)
	}
	if resumeAck.FromSeq != 2 {
		t.Fatalf("expected replay to start at seq 2, got %d", resumeAck.FromSeq)
	}
	if resumeAck.ResumeToken == oldToken {
		t.Fatalf("expected resume token to rotate")
	}

	dropped, err := store.Load(context.Background(), oldToken)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if dropped != nil {
		t.Fatalf("expected old resume token to be dropped after a successful resume")
	}
}

func TestResume_UnknownTokenRejected(t *testing.T) {
	h, _ := newTestHub(t, fixedAuth{auth.Identity{AccountID: "acc1", DeviceID: "dev1"}}, DefaultOptions())
	sock := newFakeSocket()
	conn := registerTestConn(t, h, sock)

	resumeRaw := mustEncodeEnvelope(t, "resume-1", domain.FrameResume, domain.ResumePayload{ResumeToken: "nonexistent", LastClientSeq: 0})
	h.HandleFrame(context.Background(), conn, resumeRaw)

	deadline := time.Now().Add(2 * time.Second)
	for sock.ReadyState() != socket.Closed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if sock.closedCode != 1008 || sock.closedReason != "invalid_token" {
		t.Fatalf("expected close 1008 invalid_token, got code=%d reason=%q", sock.closedCode, sock.closedReason)
	}
	if len(sock.snapshotSent()) != 0 {
		t.Fatalf("expected no resume_ack for an unknown token, got %d frames", len(sock.snapshotSent()))
	}
}

func TestSendGuard_BackpressureHaltsReplayWithoutClosing(t *testing.T) {
	identity := auth.Identity{AccountID: "acc1", DeviceID: "dev1"}
	opts := DefaultOptions()
	opts.MaxBufferedBytes = 1
	h, _ := newTestHub(t, fixedAuth{identity}, opts)

	sock1 := newFakeSocket()
	conn1 := registerTestConn(t, h, sock1)
	for i := 0; i < 2; i++ {
		env := domain.Envelope{V: 1, ID: "m", Type: domain.FrameMsg, Size: 10}
		raw, _ := json.Marshal(env)
		h.broadcast(context.Background(), domain.QueueMessage{Payload: env, Raw: raw})
	}
	waitForSent(t, sock1, 2)
	oldToken := conn1.resumeToken
	conn1.Close(1001, "test_disconnect")

	sock2 := newFakeSocket()
	sock2.bufferedAmount = 999999 // force every backpressure check to fail
	conn2 := registerTestConn(t, h, sock2)

	resumeRaw := mustEncodeEnvelope(t, "resume-1", domain.FrameResume, domain.ResumePayload{ResumeToken: oldToken, LastClientSeq: 0})
	h.HandleFrame(context.Background(), conn2, resumeRaw)

	waitForSent(t, sock2, 1) // resume_ack only; replay halts immediately on backpressure

	if sock2.ReadyState() == socket.Closed {
		t.Fatalf("backpressure during replay must not close the connection")
	}
}

func mustEncodeEnvelope(t *testing.T, id string, ft domain.FrameType, payload any) []byte {
	t.Helper()
	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := domain.Envelope{V: 1, ID: id, Type: ft, Size: len(payloadRaw), Payload: payloadRaw}
	raw, err := envelope.Encode(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return raw
}

func waitForSent(t *testing.T, sock *fakeSocket, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sock.snapshotSent()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent frames, got %d", n, len(sock.snapshotSent()))
}
