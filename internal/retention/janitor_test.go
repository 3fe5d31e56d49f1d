package retention

import (
	"context"
	"testing"
	"time"

	"github.com/a2agate/a2agate/internal/store"
	"github.com/a2agate/a2agate/pkg/models"
)

func TestSweepDeletesIdleSessions(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	old := &models.Session{
		ID:            "stale",
		UserID:        "alice",
		AgentID:       1,
		CreatedAt:     time.Now().Add(-100 * 24 * time.Hour),
		LastMessageAt: time.Now().Add(-100 * 24 * time.Hour),
	}
	fresh := &models.Session{
		ID:            "fresh",
		UserID:        "alice",
		AgentID:       1,
		CreatedAt:     time.Now(),
		LastMessageAt: time.Now(),
	}
	if err := s.CreateSession(ctx, old); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := s.CreateSession(ctx, fresh); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := s.SetSessionTrace(ctx, "stale", "trace-old", time.Hour); err != nil {
		t.Fatalf("SetSessionTrace() error = %v", err)
	}

	j := NewJanitor(s, DefaultSessionRetention, DefaultSweepInterval)
	if deleted := j.Sweep(ctx); deleted != 1 {
		t.Fatalf("Sweep() deleted = %d, want 1", deleted)
	}

	if _, err := s.GetSession(ctx, "stale"); !store.IsNotFound(err) {
		t.Fatalf("GetSession(stale) error = %v, want not found", err)
	}
	if _, err := s.GetSession(ctx, "fresh"); err != nil {
		t.Fatalf("GetSession(fresh) error = %v", err)
	}
	if _, err := s.GetSessionTrace(ctx, "stale"); !store.IsNotFound(err) {
		t.Fatalf("GetSessionTrace(stale) error = %v, want not found", err)
	}
}

func TestSweepSurvivesEmptyStore(t *testing.T) {
	j := NewJanitor(store.NewMemoryStore(), 0, 0)
	if j.retention != DefaultSessionRetention {
		t.Fatalf("retention = %v, want default", j.retention)
	}
	if deleted := j.Sweep(context.Background()); deleted != 0 {
		t.Fatalf("Sweep() deleted = %d, want 0", deleted)
	}
}
