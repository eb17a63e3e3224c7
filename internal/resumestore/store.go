// Package resumestore provides the durable resumeToken -> ResumeState
// mapping the resume/replay engine depends on (spec §4.3). Load returns
// nil for unknown or evicted tokens; the store never enforces ownership —
// the hub does (spec §4.8 step 3).
package resumestore

import (
	"context"

	"github.com/nyxloma/guacamole-hub/internal/domain"
)

// Store is the resume-state persistence contract.
type Store interface {
	Load(ctx context.Context, token string) (*domain.ResumeState, error)
	Persist(ctx context.Context, state *domain.ResumeState) error
	// Drop removes a token's state. It must be idempotent — dropping an
	// already-absent token is not an error.
	Drop(ctx context.Context, token string) error
}
