// Package store provides the storage contracts the A2AGate core consumes.
// The authoritative rows (agents, sessions, call records, keys, model
// configs) are owned by external collaborators; the core talks to them
// through these interfaces. Two implementations ship: an in-memory store
// for tests and single-node runs, and a PostgreSQL store backed by pgx.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/a2agate/a2agate/pkg/models"
)

// Store is the composed storage interface the server wires together.
type Store interface {
	AgentStore
	SessionStore
	CallRecordStore
	StatsStore
	APIKeyStore
	ModelStore
	TraceMapStore

	// Ping checks whether the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Agent Store ─────────────────────────────────────────────

// AgentStore reads agent registry rows. The core mutates them in exactly
// two places: trace-id assignment (set only when empty) and health-check
// relay (idempotent write).
type AgentStore interface {
	GetAgentByID(ctx context.Context, id int64) (*models.Agent, error)
	GetAgentByName(ctx context.Context, name string) (*models.Agent, error)
	GetAgentByTraceID(ctx context.Context, traceID string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]models.Agent, error)

	// EnsureTraceID assigns traceID to the agent if its trace_id is
	// currently empty and returns the effective value. An existing
	// trace id is never overwritten.
	EnsureTraceID(ctx context.Context, agentID int64, traceID string) (string, error)

	// SetHealthStatus records the latest health-check result relayed
	// from the external poller.
	SetHealthStatus(ctx context.Context, agentID int64, status models.HealthStatus, at time.Time) error
}

// ── Session Store ───────────────────────────────────────────

// SessionStore persists Hub chat sessions. The Hub engine is the only
// writer and never interleaves writes for the same session.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	CreateSession(ctx context.Context, session *models.Session) error
	UpdateSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessionsByUser(ctx context.Context, userID string, agentID int64, limit int) ([]models.Session, error)

	// ListIdleSessionIDs returns ids of sessions whose last message is
	// older than before, oldest first. Used by the retention janitor.
	ListIdleSessionIDs(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// ── LLM Call Record Store ───────────────────────────────────

type CallRecordStore interface {
	CreateCallRecord(ctx context.Context, record *models.LLMCallRecord) error
	ListCallRecordsByTrace(ctx context.Context, traceID string, limit int) ([]models.LLMCallRecord, error)
}

// ── Call Statistics Store ───────────────────────────────────

type StatsStore interface {
	CreateCallStatistic(ctx context.Context, stat *models.CallStatistic) error
}

// ── Platform API Key Store ──────────────────────────────────

type APIKeyStore interface {
	GetAPIKey(ctx context.Context, key string) (*models.APIKey, error)
	CreateAPIKey(ctx context.Context, apiKey *models.APIKey) error
	RevokeAPIKey(ctx context.Context, key string) error

	// TouchAPIKey updates last_used after a successful authentication.
	TouchAPIKey(ctx context.Context, key string, usedAt time.Time) error
}

// ── LLM Model Registry ──────────────────────────────────────

type ModelStore interface {
	GetModelConfig(ctx context.Context, name string) (*models.ModelConfig, error)
	ListModelConfigs(ctx context.Context) ([]models.ModelConfig, error)
}

// ── Session-to-Trace Map ────────────────────────────────────

// TraceMapStore is the fast session_id → trace_id map. Entries live at
// least 24 hours and are removed on session deletion. Reads and writes
// are atomic per key.
type TraceMapStore interface {
	SetSessionTrace(ctx context.Context, sessionID, traceID string, ttl time.Duration) error
	GetSessionTrace(ctx context.Context, sessionID string) (string, error)
	DeleteSessionTrace(ctx context.Context, sessionID string) error

	// PruneSessionTraces drops entries past their expiry and reports how
	// many were removed.
	PruneSessionTraces(ctx context.Context) (int, error)
}

// SessionTraceTTL is the minimum lifetime of a session-to-trace entry.
const SessionTraceTTL = 24 * time.Hour

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is a store not-found error.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
