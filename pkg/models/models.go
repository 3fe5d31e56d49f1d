// Package models defines the shared data model for the A2AGate platform:
// agent registry rows, Hub chat sessions, LLM call records, call statistics,
// platform API keys, and LLM model configurations.
//
// The registry rows are owned by external collaborators (identity store,
// agent registry database); the core reads them and mutates only the
// trace-id field (set-when-empty) and health-check results.
package models

import (
	"strings"
	"time"
)

// ── Framework ────────────────────────────────────────────────

// Framework identifies the backend agent runtime family.
type Framework string

const (
	FrameworkADK       Framework = "ADK"
	FrameworkAgno      Framework = "Agno"
	FrameworkLangchain Framework = "Langchain"
)

// ParseFramework normalises a framework string from the registry.
func ParseFramework(s string) Framework {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "adk":
		return FrameworkADK
	case "agno":
		return FrameworkAgno
	case "langchain":
		return FrameworkLangchain
	}
	return Framework(s)
}

// ── Agent ────────────────────────────────────────────────────

// AgentStatus is the deployment lifecycle state of a registered agent.
type AgentStatus string

const (
	StatusDevelopment  AgentStatus = "DEVELOPMENT"
	StatusDeployedTeam AgentStatus = "DEPLOYED_TEAM"
	StatusDeployedAll  AgentStatus = "DEPLOYED_ALL"
	StatusDeployedDept AgentStatus = "DEPLOYED_DEPT"
	StatusProduction   AgentStatus = "PRODUCTION"
	StatusArchived     AgentStatus = "ARCHIVED"
)

// Deployed reports whether the status allows public entrypoints to
// dispatch to the agent.
func (s AgentStatus) Deployed() bool {
	switch s {
	case StatusDeployedTeam, StatusDeployedAll, StatusDeployedDept, StatusProduction:
		return true
	}
	return false
}

// Visibility controls who may invoke an agent besides its owner.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityTeam    Visibility = "team"
	VisibilityPrivate Visibility = "private"
)

// HealthStatus is the last health-check result relayed from the external
// poller. The core writes it idempotently; it never gates dispatch.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Agent is a registry row for a user-hosted agent endpoint.
type Agent struct {
	ID                int64        `json:"id" db:"id"`
	Name              string       `json:"name" db:"name"`
	Description       string       `json:"description,omitempty" db:"description"`
	Framework         Framework    `json:"framework" db:"framework"`
	OriginalEndpoint  string       `json:"original_endpoint" db:"original_endpoint"`
	ValidatedEndpoint string       `json:"validated_endpoint,omitempty" db:"validated_endpoint"`
	Status            AgentStatus  `json:"status" db:"status"`
	Visibility        Visibility   `json:"visibility" db:"visibility"`
	OwnerID           string       `json:"owner_id" db:"owner_id"`
	Department        string       `json:"department,omitempty" db:"department"`
	AllowedUsers      []string     `json:"allowed_users,omitempty" db:"allowed_users"`
	TraceID           string       `json:"trace_id,omitempty" db:"trace_id"`
	ResponseFormat    string       `json:"response_format,omitempty" db:"response_format"`
	AgentCardJSON     string       `json:"agent_card_json,omitempty" db:"agent_card_json"`
	LastHealthCheck   HealthStatus `json:"last_health_check,omitempty" db:"last_health_check"`
	LastHealthAt      time.Time    `json:"last_health_at,omitempty" db:"last_health_at"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at" db:"updated_at"`
}

// EffectiveEndpoint returns the validated endpoint when set, otherwise
// the originally registered one.
func (a *Agent) EffectiveEndpoint() string {
	if a.ValidatedEndpoint != "" {
		return a.ValidatedEndpoint
	}
	return a.OriginalEndpoint
}

// ── Identity ─────────────────────────────────────────────────

// Identity is the authenticated caller, produced by the auth provider
// chain from either a platform API key or an SSO identity assertion.
type Identity struct {
	UserID     string `json:"user_id"`
	Department string `json:"department,omitempty"`
	Provider   string `json:"provider"` // "apikey" or "sso"
}

// ── Hub session ──────────────────────────────────────────────

// MessageRole is the author role of a session message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// SessionMessage is one entry in a session's append-only message log.
type SessionMessage struct {
	ID           string      `json:"id"`
	Role         MessageRole `json:"role"`
	Content      string      `json:"content"`
	Timestamp    time.Time   `json:"timestamp"`
	SystemEvents []string    `json:"systemEvents,omitempty"`
}

// Session is a server-persisted Hub conversation bound to (user, agent).
// Append-only from the client's perspective.
type Session struct {
	ID            string           `json:"id" db:"id"`
	UserID        string           `json:"user_id" db:"user_id"`
	AgentID       int64            `json:"agent_id" db:"agent_id"`
	SessionName   string           `json:"session_name,omitempty" db:"session_name"`
	Messages      []SessionMessage `json:"messages" db:"messages"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	LastMessageAt time.Time        `json:"last_message_at" db:"last_message_at"`
}

// ── LLM call record ──────────────────────────────────────────

// LLMCallRecord is written exactly once per upstream LLM invocation
// through the proxy, keyed by the agent-scoped trace id.
type LLMCallRecord struct {
	ID              string        `json:"id" db:"id"`
	AgentID         int64         `json:"agent_id,omitempty" db:"agent_id"`
	SessionID       string        `json:"session_id,omitempty" db:"session_id"`
	TraceID         string        `json:"trace_id,omitempty" db:"trace_id"`
	UserID          string        `json:"user_id,omitempty" db:"user_id"`
	Provider        string        `json:"provider" db:"provider"`
	Model           string        `json:"model" db:"model"`
	RequestMessages string        `json:"request_messages,omitempty" db:"request_messages"`
	RequestParams   string        `json:"request_params,omitempty" db:"request_params"`
	ResponseContent string        `json:"response_content,omitempty" db:"response_content"`
	RequestTokens   int64         `json:"request_tokens" db:"request_tokens"`
	ResponseTokens  int64         `json:"response_tokens" db:"response_tokens"`
	TotalTokens     int64         `json:"total_tokens" db:"total_tokens"`
	Latency         time.Duration `json:"latency_ms" db:"latency_ms"`
	Success         bool          `json:"success" db:"success"`
	ErrorMessage    string        `json:"error_message,omitempty" db:"error_message"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	CompletedAt     time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// ── Call statistics ──────────────────────────────────────────

// CallType distinguishes the entrypoint that dispatched an agent call.
type CallType string

const (
	CallTypeChat      CallType = "chat"
	CallTypeA2ARouter CallType = "a2a_router"
)

// CallStatistic is emitted at most once per successful dispatch.
// Emission is best-effort; a failed write never aborts the user stream.
type CallStatistic struct {
	AgentID           int64       `json:"agent_id" db:"agent_id"`
	UserID            string      `json:"user_id" db:"user_id"`
	CallType          CallType    `json:"call_type" db:"call_type"`
	AgentStatusAtTime AgentStatus `json:"agent_status_at_time" db:"agent_status_at_time"`
	CalledAt          time.Time   `json:"called_at" db:"called_at"`
}

// ── Platform API key ─────────────────────────────────────────

// APIKeyPrefix is the literal prefix every platform key carries.
// Keys are "a2g_" followed by 64 hex characters.
const APIKeyPrefix = "a2g_"

// APIKey maps an opaque platform credential to a user.
type APIKey struct {
	Key      string    `json:"key" db:"key"`
	UserID   string    `json:"user_id" db:"user_id"`
	IsActive bool      `json:"is_active" db:"is_active"`
	LastUsed time.Time `json:"last_used,omitempty" db:"last_used"`
	Created  time.Time `json:"created_at" db:"created_at"`
}

// ── LLM model registry ───────────────────────────────────────

// ModelConfig is a row in the LLM model registry: the upstream endpoint
// and credential the proxy uses for one model name.
type ModelConfig struct {
	Name     string `json:"name" db:"name"`
	Provider string `json:"provider" db:"provider"`
	Endpoint string `json:"endpoint" db:"endpoint"`
	APIKey   string `json:"-" db:"api_key"`
}
