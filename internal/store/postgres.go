package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/a2agate/a2agate/pkg/models"
)

// PostgresStore implements Store on PostgreSQL via pgx. Connections come
// from a bounded pool and are held only for the duration of one query;
// no transaction spans a streaming I/O boundary.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and verifies reachability.
// Schema migrations are owned by an external collaborator; this store
// assumes the tables exist.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Msg("PostgreSQL store connected")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Agents ──────────────────────────────────────────────────

const agentColumns = `id, name, description, framework, original_endpoint,
	coalesce(validated_endpoint, ''), status, visibility, owner_id,
	coalesce(department, ''), coalesce(allowed_users, '{}'),
	coalesce(trace_id, ''), coalesce(response_format, ''), coalesce(agent_card_json, ''),
	coalesce(last_health_check, 'unknown'), coalesce(last_health_at, 'epoch'::timestamptz),
	created_at, updated_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	var framework, status, visibility, health string
	err := row.Scan(&a.ID, &a.Name, &a.Description, &framework, &a.OriginalEndpoint,
		&a.ValidatedEndpoint, &status, &visibility, &a.OwnerID,
		&a.Department, &a.AllowedUsers,
		&a.TraceID, &a.ResponseFormat, &a.AgentCardJSON,
		&health, &a.LastHealthAt,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Framework = models.ParseFramework(framework)
	a.Status = models.AgentStatus(status)
	a.Visibility = models.Visibility(visibility)
	a.LastHealthCheck = models.HealthStatus(health)
	return &a, nil
}

func (s *PostgresStore) GetAgentByID(ctx context.Context, id int64) (*models.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: formatID(id)}
	}
	return agent, err
}

func (s *PostgresStore) GetAgentByName(ctx context.Context, name string) (*models.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = $1`, name)
	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: name}
	}
	return agent, err
}

func (s *PostgresStore) GetAgentByTraceID(ctx context.Context, traceID string) (*models.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE trace_id = $1`, traceID)
	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: traceID}
	}
	return agent, err
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *agent)
	}
	return out, rows.Err()
}

// EnsureTraceID sets trace_id only when it is currently empty; the update
// is a single compare-and-set statement, so concurrent callers converge
// on one value.
func (s *PostgresStore) EnsureTraceID(ctx context.Context, agentID int64, traceID string) (string, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET trace_id = $2, updated_at = now()
		 WHERE id = $1 AND (trace_id IS NULL OR trace_id = '')`, agentID, traceID)
	if err != nil {
		return "", fmt.Errorf("ensure trace id: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return traceID, nil
	}
	agent, err := s.GetAgentByID(ctx, agentID)
	if err != nil {
		return "", err
	}
	return agent.TraceID, nil
}

func (s *PostgresStore) SetHealthStatus(ctx context.Context, agentID int64, status models.HealthStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET last_health_check = $2, last_health_at = $3 WHERE id = $1`,
		agentID, string(status), at)
	if err != nil {
		return fmt.Errorf("set health status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "agent", Key: formatID(agentID)}
	}
	return nil
}

// ── Sessions ────────────────────────────────────────────────

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	var messagesJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, agent_id, coalesce(session_name, ''), messages, created_at, last_message_at
		 FROM hub_sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.UserID, &sess.AgentID, &sess.SessionName, &messagesJSON,
			&sess.CreatedAt, &sess.LastMessageAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if len(messagesJSON) > 0 {
		if err := json.Unmarshal(messagesJSON, &sess.Messages); err != nil {
			return nil, fmt.Errorf("decode session messages: %w", err)
		}
	}
	return &sess, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
	messagesJSON, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("encode session messages: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO hub_sessions (id, user_id, agent_id, session_name, messages, created_at, last_message_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.ID, session.UserID, session.AgentID, session.SessionName, messagesJSON,
		session.CreatedAt, session.LastMessageAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, session *models.Session) error {
	messagesJSON, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("encode session messages: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE hub_sessions SET session_name = $2, messages = $3, last_message_at = $4 WHERE id = $1`,
		session.ID, session.SessionName, messagesJSON, session.LastMessageAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "session", Key: session.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM hub_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	_ = s.DeleteSessionTrace(ctx, id)
	return nil
}

func (s *PostgresStore) ListSessionsByUser(ctx context.Context, userID string, agentID int64, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, agent_id, coalesce(session_name, ''), messages, created_at, last_message_at
		 FROM hub_sessions
		 WHERE user_id = $1 AND ($2 = 0 OR agent_id = $2)
		 ORDER BY last_message_at DESC LIMIT $3`, userID, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		var sess models.Session
		var messagesJSON []byte
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.AgentID, &sess.SessionName,
			&messagesJSON, &sess.CreatedAt, &sess.LastMessageAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if len(messagesJSON) > 0 {
			if err := json.Unmarshal(messagesJSON, &sess.Messages); err != nil {
				return nil, fmt.Errorf("decode session messages: %w", err)
			}
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListIdleSessionIDs(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM hub_sessions WHERE last_message_at < $1
		 ORDER BY last_message_at ASC LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ── LLM call records ────────────────────────────────────────

func (s *PostgresStore) CreateCallRecord(ctx context.Context, r *models.LLMCallRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO llm_call_records
		 (id, agent_id, session_id, trace_id, user_id, provider, model,
		  request_messages, request_params, response_content,
		  request_tokens, response_tokens, total_tokens, latency_ms,
		  success, error_message, created_at, completed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		r.ID, r.AgentID, r.SessionID, r.TraceID, r.UserID, r.Provider, r.Model,
		r.RequestMessages, r.RequestParams, r.ResponseContent,
		r.RequestTokens, r.ResponseTokens, r.TotalTokens, r.Latency.Milliseconds(),
		r.Success, r.ErrorMessage, r.CreatedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("create call record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCallRecordsByTrace(ctx context.Context, traceID string, limit int) ([]models.LLMCallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, coalesce(session_id, ''), coalesce(trace_id, ''),
		        coalesce(user_id, ''), provider, model,
		        coalesce(request_messages, ''), coalesce(request_params, ''),
		        coalesce(response_content, ''),
		        request_tokens, response_tokens, total_tokens, latency_ms,
		        success, coalesce(error_message, ''), created_at,
		        coalesce(completed_at, 'epoch'::timestamptz)
		 FROM llm_call_records WHERE trace_id = $1
		 ORDER BY created_at DESC LIMIT $2`, traceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list call records: %w", err)
	}
	defer rows.Close()

	var out []models.LLMCallRecord
	for rows.Next() {
		var r models.LLMCallRecord
		var latencyMs int64
		if err := rows.Scan(&r.ID, &r.AgentID, &r.SessionID, &r.TraceID, &r.UserID,
			&r.Provider, &r.Model, &r.RequestMessages, &r.RequestParams, &r.ResponseContent,
			&r.RequestTokens, &r.ResponseTokens, &r.TotalTokens, &latencyMs,
			&r.Success, &r.ErrorMessage, &r.CreatedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		r.Latency = time.Duration(latencyMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── Call statistics ─────────────────────────────────────────

func (s *PostgresStore) CreateCallStatistic(ctx context.Context, stat *models.CallStatistic) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_statistics (agent_id, user_id, call_type, agent_status_at_time, called_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		stat.AgentID, stat.UserID, string(stat.CallType), string(stat.AgentStatusAtTime), stat.CalledAt)
	if err != nil {
		return fmt.Errorf("create call statistic: %w", err)
	}
	return nil
}

// ── API keys ────────────────────────────────────────────────

func (s *PostgresStore) GetAPIKey(ctx context.Context, key string) (*models.APIKey, error) {
	var k models.APIKey
	err := s.pool.QueryRow(ctx,
		`SELECT key, user_id, is_active, coalesce(last_used, 'epoch'::timestamptz), created_at
		 FROM api_keys WHERE key = $1`, key).
		Scan(&k.Key, &k.UserID, &k.IsActive, &k.LastUsed, &k.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "api key", Key: redactKey(key)}
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &k, nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, apiKey *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (key, user_id, is_active, created_at) VALUES ($1, $2, $3, $4)`,
		apiKey.Key, apiKey.UserID, apiKey.IsActive, apiKey.Created)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE api_keys SET is_active = false WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "api key", Key: redactKey(key)}
	}
	return nil
}

func (s *PostgresStore) TouchAPIKey(ctx context.Context, key string, usedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used = $2 WHERE key = $1`, key, usedAt)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

// ── Model registry ──────────────────────────────────────────

func (s *PostgresStore) GetModelConfig(ctx context.Context, name string) (*models.ModelConfig, error) {
	var cfg models.ModelConfig
	err := s.pool.QueryRow(ctx,
		`SELECT name, provider, endpoint, coalesce(api_key, '') FROM llm_models WHERE name = $1`, name).
		Scan(&cfg.Name, &cfg.Provider, &cfg.Endpoint, &cfg.APIKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "model", Key: name}
	}
	if err != nil {
		return nil, fmt.Errorf("get model config: %w", err)
	}
	return &cfg, nil
}

func (s *PostgresStore) ListModelConfigs(ctx context.Context) ([]models.ModelConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, provider, endpoint, coalesce(api_key, '') FROM llm_models ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list model configs: %w", err)
	}
	defer rows.Close()

	var out []models.ModelConfig
	for rows.Next() {
		var cfg models.ModelConfig
		if err := rows.Scan(&cfg.Name, &cfg.Provider, &cfg.Endpoint, &cfg.APIKey); err != nil {
			return nil, fmt.Errorf("scan model config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// ── Session-to-trace map ────────────────────────────────────

func (s *PostgresStore) SetSessionTrace(ctx context.Context, sessionID, traceID string, ttl time.Duration) error {
	if ttl < SessionTraceTTL {
		ttl = SessionTraceTTL
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_traces (session_id, trace_id, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_id) DO UPDATE SET trace_id = $2, expires_at = $3`,
		sessionID, traceID, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("set session trace: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSessionTrace(ctx context.Context, sessionID string) (string, error) {
	var traceID string
	err := s.pool.QueryRow(ctx,
		`SELECT trace_id FROM session_traces WHERE session_id = $1 AND expires_at > now()`,
		sessionID).Scan(&traceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &ErrNotFound{Entity: "session trace", Key: sessionID}
	}
	if err != nil {
		return "", fmt.Errorf("get session trace: %w", err)
	}
	return traceID, nil
}

func (s *PostgresStore) DeleteSessionTrace(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM session_traces WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session trace: %w", err)
	}
	return nil
}

func (s *PostgresStore) PruneSessionTraces(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM session_traces WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("prune session traces: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)
