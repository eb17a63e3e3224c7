package resumestore

import (
	"context"
	"testing"

	"github.com/nyxloma/guacamole-hub/internal/domain"
)

func TestMemory_PersistLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	state := &domain.ResumeState{
		ResumeToken:   "tok-1",
		AccountID:     "acct-1",
		DeviceID:      "dev-1",
		LastServerSeq: 42,
		ExpiresAt:     1000,
		OutboundFrames: []domain.OutboundFrame{
			{Seq: 41, Payload: "a"},
			{Seq: 42, Payload: "b"},
		},
	}

	if err := store.Persist(ctx, state); err != nil {
		t.Fatalf("persist: %v", err)
	}

	got, err := store.Load(ctx, "tok-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil {
		t.Fatal("expected state, got nil")
	}
	if got.AccountID != state.AccountID || got.LastServerSeq != state.LastServerSeq {
		t.Errorf("loaded state mismatch: got %+v, want %+v", got, state)
	}
	if len(got.OutboundFrames) != 2 {
		t.Errorf("expected 2 outbound frames, got %d", len(got.OutboundFrames))
	}
}

func TestMemory_LoadUnknownReturnsNil(t *testing.T) {
	store := NewMemory()
	got, err := store.Load(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown token, got %+v", got)
	}
}

func TestMemory_DropIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	state := &domain.ResumeState{ResumeToken: "tok-2", AccountID: "a", DeviceID: "d"}
	if err := store.Persist(ctx, state); err != nil {
		t.Fatalf("persist: %v", err)
	}

	if err := store.Drop(ctx, "tok-2"); err != nil {
		t.Fatalf("first drop: %v", err)
	}
	if err := store.Drop(ctx, "tok-2"); err != nil {
		t.Fatalf("second drop (idempotent) failed: %v", err)
	}

	got, err := store.Load(ctx, "tok-2")
	if err != nil {
		t.Fatalf("load after drop: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after drop, got %+v", got)
	}
}

func TestMemory_LoadReturnsIndependentCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	state := &domain.ResumeState{
		ResumeToken:    "tok-3",
		OutboundFrames: []domain.OutboundFrame{{Seq: 1, Payload: "a"}},
	}
	if err := store.Persist(ctx, state); err != nil {
		t.Fatalf("persist: %v", err)
	}

	got, _ := store.Load(ctx, "tok-3")
	got.OutboundFrames[0].Payload = "mutated"

	got2, _ := store.Load(ctx, "tok-3")
	if got2.OutboundFrames[0].Payload != "a" {
		t.Errorf("mutation of loaded copy leaked into store: %q", got2.OutboundFrames[0].Payload)
	}
}
