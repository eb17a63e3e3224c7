// Package domain contains the core wire and persistence types for the hub.
package domain

import "encoding/json"

// FrameType is the discriminant of an Envelope.
type FrameType string

const (
	FrameMsg       FrameType = "msg"
	FrameTyping    FrameType = "typing"
	FrameRead      FrameType = "read"
	FrameResume    FrameType = "resume"
	FrameAck       FrameType = "ack"
	FrameResumeAck FrameType = "resume_ack"
)

// MaxFrameBytes is the hard cap on a single wire frame (§6).
const MaxFrameBytes = 64 * 1024

// Envelope is the inbound/outbound frame envelope (spec §3).
type Envelope struct {
	V       int             `json:"v"`
	ID      string          `json:"id"`
	Type    FrameType       `json:"type"`
	Size    int             `json:"size"`
	Payload json.RawMessage `json:"payload"`
}

// MsgPayload is the ack-bearing application message payload.
type MsgPayload struct {
	Seq  int             `json:"seq"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TypingState is the discriminant of TypingPayload.State.
type TypingState string

const (
	TypingStart TypingState = "start"
	TypingStop  TypingState = "stop"
)

// TypingPayload is an ephemeral typing-indicator payload.
type TypingPayload struct {
	ConversationID string      `json:"conversationId"`
	State          TypingState `json:"state"`
}

// ReadPayload marks messages as read in a conversation.
type ReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// MaxReadMessageIDs bounds ReadPayload.MessageIDs (spec §3).
const MaxReadMessageIDs = 100

// ResumePayload requests replay from a prior session.
type ResumePayload struct {
	ResumeToken   string `json:"resumeToken"`
	LastClientSeq int    `json:"lastClientSeq"`
}

// AckStatus is the discriminant of AckPayload.Status.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckRejected AckStatus = "rejected"
)

// AckPayload is emitted by the hub in response to msg/typing/read frames.
type AckPayload struct {
	Type   FrameType `json:"type"`
	ID     string    `json:"id"`
	Status AckStatus `json:"status"`
	Seq    int       `json:"seq,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// ResumeAckPayload is emitted once per successful resume.
type ResumeAckPayload struct {
	Type          FrameType `json:"type"`
	FromSeq       int       `json:"fromSeq"`
	ExpiresInMs   int64     `json:"expiresInMs"`
	ResumeToken   string    `json:"resumeToken"`
}

// OutboundFrame is one entry in a Connection's outbound log.
type OutboundFrame struct {
	Seq     int    `json:"seq"`
	Payload string `json:"payload"`
}

// QueueMessage is one message delivered by the external queue (spec §3, §6).
type QueueMessage struct {
	ID      string
	Payload Envelope
	Raw     []byte
}
