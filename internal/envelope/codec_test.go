package envelope

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/nyxloma/guacamole-hub/internal/domain"
)

func TestDecode_ValidMsg(t *testing.T) {
	raw := []byte(`{"v":1,"id":"m1","type":"msg","size":10,"payload":{"seq":1}}`)

	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != domain.FrameMsg {
		t.Errorf("expected type msg, got %q", env.Type)
	}
	if env.ID != "m1" {
		t.Errorf("expected id m1, got %q", env.ID)
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	in := domain.Envelope{
		V:       1,
		ID:      "m2",
		Type:    domain.FrameTyping,
		Size:    20,
		Payload: json.RawMessage(`{"conversationId":"c1","state":"start"}`),
	}
	raw, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != in.ID || out.Type != in.Type {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	raw := []byte(`{"v":1,"id":"m3","type":"bogus","size":5,"payload":{}}`)
	_, err := Decode(raw)
	assertReject(t, err, 1002, "protocol_error")
}

func TestDecode_Unparseable(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assertReject(t, err, 1002, "protocol_error")
}

func TestDecode_MissingID(t *testing.T) {
	raw := []byte(`{"v":1,"type":"msg","size":5,"payload":{"seq":0}}`)
	_, err := Decode(raw)
	assertReject(t, err, 1002, "protocol_error")
}

func TestDecode_TooLarge(t *testing.T) {
	huge := strings.Repeat("a", domain.MaxFrameBytes+1)
	_, err := Decode([]byte(huge))
	assertReject(t, err, 1009, "message_too_large")
}

func TestDecode_InvalidTypingState(t *testing.T) {
	raw := []byte(`{"v":1,"id":"m4","type":"typing","size":5,"payload":{"conversationId":"c1","state":"idle"}}`)
	_, err := Decode(raw)
	assertReject(t, err, 1002, "protocol_error")
}

func TestDecode_ReadTooManyMessageIDs(t *testing.T) {
	ids := make([]string, domain.MaxReadMessageIDs+1)
	for i := range ids {
		ids[i] = "m"
	}
	payload, _ := json.Marshal(domain.ReadPayload{ConversationID: "c1", MessageIDs: ids})
	env := domain.Envelope{V: 1, ID: "m5", Type: domain.FrameRead, Size: 5, Payload: payload}
	raw, _ := Encode(env)

	_, err := Decode(raw)
	assertReject(t, err, 1002, "protocol_error")
}

func assertReject(t *testing.T, err error, wantCode int, wantReason string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	var reject *Reject
	if !asReject(err, &reject) {
		t.Fatalf("expected *Reject, got %T: %v", err, err)
	}
	if reject.Code != wantCode {
		t.Errorf("expected code %d, got %d", wantCode, reject.Code)
	}
	if reject.Reason != wantReason {
		t.Errorf("expected reason %q, got %q", wantReason, reject.Reason)
	}
}

func asReject(err error, target **Reject) bool {
	if r, ok := err.(*Reject); ok {
		*target = r
		return true
	}
	return false
}
