package resumestore

import (
	"context"
	"sync"

	"github.com/nyxloma/guacamole-hub/internal/domain"
)

// Memory is an in-process Store with no TTL cleanup thread; expiry is
// checked by the caller at load time, per spec §4.3.
type Memory struct {
	mu    sync.Mutex
	state map[string]domain.ResumeState
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: make(map[string]domain.ResumeState)}
}

func (m *Memory) Load(_ context.Context, token string) (*domain.ResumeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.state[token]
	if !ok {
		return nil, nil
	}
	cp := s
	cp.OutboundFrames = append([]domain.OutboundFrame(nil), s.OutboundFrames...)
	return &cp, nil
}

func (m *Memory) Persist(_ context.Context, state *domain.ResumeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *state
	cp.OutboundFrames = append([]domain.OutboundFrame(nil), state.OutboundFrames...)
	m.state[state.ResumeToken] = cp
	return nil
}

func (m *Memory) Drop(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.state, token)
	return nil
}

var _ Store = (*Memory)(nil)
