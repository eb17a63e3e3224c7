package domain

// ResumeState is the durable snapshot persisted by the resume store (spec §3, §6).
//
// Invariant: OutboundFrames is a suffix of the connection's outbound log at
// snapshot time, ordered strictly increasing by Seq.
type ResumeState struct {
	ResumeToken   string          `json:"resumeToken"`
	AccountID     string          `json:"accountId"`
	DeviceID      string          `json:"deviceId"`
	LastServerSeq int             `json:"lastServerSeq"`
	ExpiresAt     int64           `json:"expiresAt"`
	OutboundFrames []OutboundFrame `json:"outboundFrames"`
}
