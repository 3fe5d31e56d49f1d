package store

import (
	"context"
	"testing"
	"time"

	"github.com/a2agate/a2agate/pkg/models"
)

func seedAgent(s *MemoryStore, id int64, name string) {
	s.PutAgent(&models.Agent{
		ID:               id,
		Name:             name,
		Framework:        models.FrameworkADK,
		OriginalEndpoint: "http://localhost:9000",
		Status:           models.StatusDeployedAll,
		Visibility:       models.VisibilityPublic,
		OwnerID:          "alice",
	})
}

func TestAgentLookup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAgent(s, 7, "mathbot")

	byID, err := s.GetAgentByID(ctx, 7)
	if err != nil {
		t.Fatalf("GetAgentByID() error = %v", err)
	}
	if byID.Name != "mathbot" {
		t.Fatalf("GetAgentByID() name = %q, want mathbot", byID.Name)
	}

	byName, err := s.GetAgentByName(ctx, "mathbot")
	if err != nil {
		t.Fatalf("GetAgentByName() error = %v", err)
	}
	if byName.ID != 7 {
		t.Fatalf("GetAgentByName() id = %d, want 7", byName.ID)
	}

	if _, err := s.GetAgentByName(ctx, "nope"); !IsNotFound(err) {
		t.Fatalf("GetAgentByName(nope) error = %v, want not found", err)
	}
}

func TestEnsureTraceIDSetsOnlyWhenEmpty(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAgent(s, 1, "mathbot")

	first, err := s.EnsureTraceID(ctx, 1, "trace-a")
	if err != nil {
		t.Fatalf("EnsureTraceID() error = %v", err)
	}
	if first != "trace-a" {
		t.Fatalf("EnsureTraceID() = %q, want trace-a", first)
	}

	// A second candidate must lose to the stored value.
	second, err := s.EnsureTraceID(ctx, 1, "trace-b")
	if err != nil {
		t.Fatalf("EnsureTraceID() error = %v", err)
	}
	if second != "trace-a" {
		t.Fatalf("EnsureTraceID() = %q, want trace-a", second)
	}

	agent, err := s.GetAgentByTraceID(ctx, "trace-a")
	if err != nil {
		t.Fatalf("GetAgentByTraceID() error = %v", err)
	}
	if agent.ID != 1 {
		t.Fatalf("GetAgentByTraceID() id = %d, want 1", agent.ID)
	}
	if _, err := s.GetAgentByTraceID(ctx, "trace-b"); !IsNotFound(err) {
		t.Fatalf("GetAgentByTraceID(trace-b) error = %v, want not found", err)
	}
}

func TestSetHealthStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAgent(s, 1, "mathbot")

	at := time.Now()
	if err := s.SetHealthStatus(ctx, 1, models.HealthUnhealthy, at); err != nil {
		t.Fatalf("SetHealthStatus() error = %v", err)
	}
	// Replaying the same observation is fine.
	if err := s.SetHealthStatus(ctx, 1, models.HealthUnhealthy, at); err != nil {
		t.Fatalf("SetHealthStatus() replay error = %v", err)
	}

	agent, err := s.GetAgentByID(ctx, 1)
	if err != nil {
		t.Fatalf("GetAgentByID() error = %v", err)
	}
	if agent.LastHealthCheck != models.HealthUnhealthy {
		t.Fatalf("LastHealthCheck = %q, want unhealthy", agent.LastHealthCheck)
	}

	if err := s.SetHealthStatus(ctx, 99, models.HealthHealthy, at); !IsNotFound(err) {
		t.Fatalf("SetHealthStatus(99) error = %v, want not found", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sess := &models.Session{
		ID:            "s-1",
		UserID:        "alice",
		AgentID:       1,
		CreatedAt:     time.Now(),
		LastMessageAt: time.Now(),
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	sess.Messages = append(sess.Messages, models.SessionMessage{
		ID: "m-1", Role: models.RoleUser, Content: "hi", Timestamp: time.Now(),
	})
	sess.SessionName = "hi"
	if err := s.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}

	got, err := s.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "hi" {
		t.Fatalf("GetSession() messages = %+v", got.Messages)
	}

	// Mutating the returned copy must not touch the stored session.
	got.Messages[0].Content = "tampered"
	again, _ := s.GetSession(ctx, "s-1")
	if again.Messages[0].Content != "hi" {
		t.Fatalf("stored session mutated through returned copy")
	}

	listed, err := s.ListSessionsByUser(ctx, "alice", 0, 10)
	if err != nil {
		t.Fatalf("ListSessionsByUser() error = %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("ListSessionsByUser() len = %d, want 1", len(listed))
	}

	if err := s.DeleteSession(ctx, "s-1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, err := s.GetSession(ctx, "s-1"); !IsNotFound(err) {
		t.Fatalf("GetSession() after delete error = %v, want not found", err)
	}
}

func TestListIdleSessionIDs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mk := func(id string, idle time.Duration) {
		err := s.CreateSession(ctx, &models.Session{
			ID: id, UserID: "alice", AgentID: 1,
			CreatedAt:     time.Now().Add(-idle),
			LastMessageAt: time.Now().Add(-idle),
		})
		if err != nil {
			t.Fatalf("CreateSession(%s) error = %v", id, err)
		}
	}
	mk("oldest", 72*time.Hour)
	mk("older", 48*time.Hour)
	mk("recent", time.Minute)

	ids, err := s.ListIdleSessionIDs(ctx, time.Now().Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListIdleSessionIDs() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "oldest" || ids[1] != "older" {
		t.Fatalf("ListIdleSessionIDs() = %v, want [oldest older]", ids)
	}

	ids, err = s.ListIdleSessionIDs(ctx, time.Now().Add(-24*time.Hour), 1)
	if err != nil {
		t.Fatalf("ListIdleSessionIDs() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "oldest" {
		t.Fatalf("ListIdleSessionIDs(limit=1) = %v, want [oldest]", ids)
	}
}

func TestSessionTraceMap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SetSessionTrace(ctx, "s-1", "trace-1", time.Hour); err != nil {
		t.Fatalf("SetSessionTrace() error = %v", err)
	}
	got, err := s.GetSessionTrace(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSessionTrace() error = %v", err)
	}
	if got != "trace-1" {
		t.Fatalf("GetSessionTrace() = %q, want trace-1", got)
	}

	if _, err := s.GetSessionTrace(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("GetSessionTrace(missing) error = %v, want not found", err)
	}

	if err := s.DeleteSessionTrace(ctx, "s-1"); err != nil {
		t.Fatalf("DeleteSessionTrace() error = %v", err)
	}
	if _, err := s.GetSessionTrace(ctx, "s-1"); !IsNotFound(err) {
		t.Fatalf("GetSessionTrace() after delete error = %v, want not found", err)
	}
}

func TestPruneSessionTraces(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SetSessionTrace(ctx, "live", "trace-live", 0); err != nil {
		t.Fatalf("SetSessionTrace() error = %v", err)
	}
	// Force an already-expired entry past the TTL floor.
	s.mu.Lock()
	s.traceMap["dead"] = traceEntry{traceID: "trace-dead", expiresAt: time.Now().Add(-time.Minute)}
	s.mu.Unlock()

	pruned, err := s.PruneSessionTraces(ctx)
	if err != nil {
		t.Fatalf("PruneSessionTraces() error = %v", err)
	}
	if pruned != 1 {
		t.Fatalf("PruneSessionTraces() = %d, want 1", pruned)
	}
	if _, err := s.GetSessionTrace(ctx, "live"); err != nil {
		t.Fatalf("GetSessionTrace(live) error = %v", err)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	key := &models.APIKey{Key: "a2g_abc", UserID: "alice", IsActive: true, Created: time.Now()}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("CreateAPIKey() error = %v", err)
	}

	used := time.Now()
	if err := s.TouchAPIKey(ctx, "a2g_abc", used); err != nil {
		t.Fatalf("TouchAPIKey() error = %v", err)
	}
	got, err := s.GetAPIKey(ctx, "a2g_abc")
	if err != nil {
		t.Fatalf("GetAPIKey() error = %v", err)
	}
	if !got.LastUsed.Equal(used) {
		t.Fatalf("LastUsed = %v, want %v", got.LastUsed, used)
	}

	if err := s.RevokeAPIKey(ctx, "a2g_abc"); err != nil {
		t.Fatalf("RevokeAPIKey() error = %v", err)
	}
	got, err = s.GetAPIKey(ctx, "a2g_abc")
	if err != nil {
		t.Fatalf("GetAPIKey() after revoke error = %v", err)
	}
	if got.IsActive {
		t.Fatalf("IsActive = true after revoke")
	}
}

func TestCallRecordsByTrace(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i, trace := range []string{"t-1", "t-2", "t-1"} {
		err := s.CreateCallRecord(ctx, &models.LLMCallRecord{
			ID:      "r-" + string(rune('a'+i)),
			TraceID: trace,
			Model:   "gemini-1.5",
		})
		if err != nil {
			t.Fatalf("CreateCallRecord() error = %v", err)
		}
	}

	records, err := s.ListCallRecordsByTrace(ctx, "t-1", 10)
	if err != nil {
		t.Fatalf("ListCallRecordsByTrace() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("ListCallRecordsByTrace() len = %d, want 2", len(records))
	}
	// Newest first.
	if records[0].ID != "r-c" {
		t.Fatalf("ListCallRecordsByTrace()[0].ID = %q, want r-c", records[0].ID)
	}
}
