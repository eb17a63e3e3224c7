// Package envelope implements the wire codec and schema guard for hub
// frames (spec §4.1). The codec is pure: it performs no I/O and has no
// knowledge of connections, sockets, or the hub.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nyxloma/guacamole-hub/internal/domain"
)

// Reject is returned when a raw frame fails schema validation or exceeds
// the size cap. Code is the WebSocket close code the caller should use.
type Reject struct {
	Code   int
	Reason string
	Err    error
}

func (r *Reject) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Reason, r.Err)
	}
	return r.Reason
}

func (r *Reject) Unwrap() error { return r.Err }

func protocolError(format string, args ...any) *Reject {
	return &Reject{Code: 1002, Reason: "protocol_error", Err: fmt.Errorf(format, args...)}
}

func tooLarge(n int) *Reject {
	return &Reject{Code: 1009, Reason: "message_too_large", Err: fmt.Errorf("frame is %d bytes, max %d", n, domain.MaxFrameBytes)}
}

var errUnknownType = errors.New("unknown envelope type")

// Decode parses and validates a raw inbound frame. The size cap is
// enforced against the actual byte length of raw, not the declared
// Envelope.Size hint (spec §4.1).
func Decode(raw []byte) (*domain.Envelope, error) {
	if len(raw) > domain.MaxFrameBytes {
		return nil, tooLarge(len(raw))
	}

	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, protocolError("unmarshal envelope: %w", err)
	}

	if env.V != 1 {
		return nil, protocolError("unsupported envelope version %d", env.V)
	}
	if env.ID == "" {
		return nil, protocolError("missing envelope id")
	}
	if env.Size < 1 || env.Size > domain.MaxFrameBytes {
		return nil, protocolError("declared size %d out of range", env.Size)
	}

	if err := validatePayload(env.Type, env.Payload); err != nil {
		return nil, err
	}

	return &env, nil
}

// Encode serializes an envelope (or any outbound payload type) to its
// wire form.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func validatePayload(t domain.FrameType, raw json.RawMessage) error {
	switch t {
	case domain.FrameMsg:
		var p domain.MsgPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return protocolError("invalid msg payload: %w", err)
		}
		if p.Seq < 0 {
			return protocolError("msg.seq must be >= 0")
		}
		return nil

	case domain.FrameTyping:
		var p domain.TypingPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return protocolError("invalid typing payload: %w", err)
		}
		if p.ConversationID == "" {
			return protocolError("typing.conversationId is required")
		}
		if p.State != domain.TypingStart && p.State != domain.TypingStop {
			return protocolError("typing.state must be start or stop")
		}
		return nil

	case domain.FrameRead:
		var p domain.ReadPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return protocolError("invalid read payload: %w", err)
		}
		if p.ConversationID == "" {
			return protocolError("read.conversationId is required")
		}
		if len(p.MessageIDs) > domain.MaxReadMessageIDs {
			return protocolError("read.messageIds exceeds %d entries", domain.MaxReadMessageIDs)
		}
		return nil

	case domain.FrameResume:
		var p domain.ResumePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return protocolError("invalid resume payload: %w", err)
		}
		if p.ResumeToken == "" {
			return protocolError("resume.resumeToken is required")
		}
		if p.LastClientSeq < 0 {
			return protocolError("resume.lastClientSeq must be >= 0")
		}
		return nil

	default:
		return protocolError("%w: %q", errUnknownType, t)
	}
}

// DecodeResumePayload extracts and validates the resume payload of an
// already-decoded envelope. Used by the resume engine (C8), which
// re-validates on the same envelope it was handed by the frame handler.
func DecodeResumePayload(env *domain.Envelope) (*domain.ResumePayload, error) {
	if env.Type != domain.FrameResume {
		return nil, protocolError("not a resume envelope")
	}
	var p domain.ResumePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, protocolError("invalid resume payload: %w", err)
	}
	if p.ResumeToken == "" {
		return nil, protocolError("resume.resumeToken is required")
	}
	if p.LastClientSeq < 0 {
		return nil, protocolError("resume.lastClientSeq must be >= 0")
	}
	return &p, nil
}
