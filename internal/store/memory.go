package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/a2agate/a2agate/pkg/models"
)

// MemoryStore is a thread-safe in-memory implementation of Store.
// Used by tests and zero-configuration single-node deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[int64]*models.Agent
	byName   map[string]int64
	byTrace  map[string]int64
	sessions map[string]*models.Session
	records  []models.LLMCallRecord
	stats    []models.CallStatistic
	keys     map[string]*models.APIKey
	llmodels map[string]*models.ModelConfig
	traceMap map[string]traceEntry
}

type traceEntry struct {
	traceID   string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[int64]*models.Agent),
		byName:   make(map[string]int64),
		byTrace:  make(map[string]int64),
		sessions: make(map[string]*models.Session),
		keys:     make(map[string]*models.APIKey),
		llmodels: make(map[string]*models.ModelConfig),
		traceMap: make(map[string]traceEntry),
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }
func (s *MemoryStore) Close() error                 { return nil }

// ── Agents ──────────────────────────────────────────────────

// PutAgent seeds or replaces an agent row. Registry rows are owned by an
// external collaborator; this exists for tests and local bootstrap.
func (s *MemoryStore) PutAgent(agent *models.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *agent
	s.agents[cp.ID] = &cp
	s.byName[cp.Name] = cp.ID
	if cp.TraceID != "" {
		s.byTrace[cp.TraceID] = cp.ID
	}
}

func (s *MemoryStore) GetAgentByID(_ context.Context, id int64) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: formatID(id)}
	}
	cp := *agent
	return &cp, nil
}

func (s *MemoryStore) GetAgentByName(_ context.Context, name string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: name}
	}
	cp := *s.agents[id]
	return &cp, nil
}

func (s *MemoryStore) GetAgentByTraceID(_ context.Context, traceID string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTrace[traceID]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: traceID}
	}
	cp := *s.agents[id]
	return &cp, nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) EnsureTraceID(_ context.Context, agentID int64, traceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return "", &ErrNotFound{Entity: "agent", Key: formatID(agentID)}
	}
	if agent.TraceID != "" {
		return agent.TraceID, nil
	}
	agent.TraceID = traceID
	s.byTrace[traceID] = agentID
	return traceID, nil
}

func (s *MemoryStore) SetHealthStatus(_ context.Context, agentID int64, status models.HealthStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return &ErrNotFound{Entity: "agent", Key: formatID(agentID)}
	}
	agent.LastHealthCheck = status
	agent.LastHealthAt = at
	return nil
}

// ── Sessions ────────────────────────────────────────────────

func (s *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	cp := *sess
	cp.Messages = append([]models.SessionMessage(nil), sess.Messages...)
	return &cp, nil
}

func (s *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	cp.Messages = append([]models.SessionMessage(nil), session.Messages...)
	s.sessions[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return &ErrNotFound{Entity: "session", Key: session.ID}
	}
	cp := *session
	cp.Messages = append([]models.SessionMessage(nil), session.Messages...)
	s.sessions[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	delete(s.sessions, id)
	delete(s.traceMap, id)
	return nil
}

func (s *MemoryStore) ListSessionsByUser(_ context.Context, userID string, agentID int64, limit int) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		if agentID != 0 && sess.AgentID != agentID {
			continue
		}
		cp := *sess
		cp.Messages = append([]models.SessionMessage(nil), sess.Messages...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListIdleSessionIDs(_ context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var idle []*models.Session
	for _, sess := range s.sessions {
		if sess.LastMessageAt.Before(before) {
			idle = append(idle, sess)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].LastMessageAt.Before(idle[j].LastMessageAt) })
	if limit > 0 && len(idle) > limit {
		idle = idle[:limit]
	}
	out := make([]string, len(idle))
	for i, sess := range idle {
		out[i] = sess.ID
	}
	return out, nil
}

// ── LLM call records ────────────────────────────────────────

func (s *MemoryStore) CreateCallRecord(_ context.Context, record *models.LLMCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *record)
	return nil
}

func (s *MemoryStore) ListCallRecordsByTrace(_ context.Context, traceID string, limit int) ([]models.LLMCallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LLMCallRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].TraceID == traceID {
			out = append(out, s.records[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// ── Call statistics ─────────────────────────────────────────

func (s *MemoryStore) CreateCallStatistic(_ context.Context, stat *models.CallStatistic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, *stat)
	return nil
}

// CallStatistics returns a snapshot of recorded statistics (test helper).
func (s *MemoryStore) CallStatistics() []models.CallStatistic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.CallStatistic(nil), s.stats...)
}

// CallRecords returns a snapshot of recorded LLM calls (test helper).
func (s *MemoryStore) CallRecords() []models.LLMCallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.LLMCallRecord(nil), s.records...)
}

// ── API keys ────────────────────────────────────────────────

func (s *MemoryStore) GetAPIKey(_ context.Context, key string) (*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[key]
	if !ok {
		return nil, &ErrNotFound{Entity: "api key", Key: redactKey(key)}
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, apiKey *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *apiKey
	s.keys[cp.Key] = &cp
	return nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[key]
	if !ok {
		return &ErrNotFound{Entity: "api key", Key: redactKey(key)}
	}
	k.IsActive = false
	return nil
}

func (s *MemoryStore) TouchAPIKey(_ context.Context, key string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[key]
	if !ok {
		return &ErrNotFound{Entity: "api key", Key: redactKey(key)}
	}
	k.LastUsed = usedAt
	return nil
}

// ── Model registry ──────────────────────────────────────────

// PutModelConfig seeds a model configuration (tests and bootstrap).
func (s *MemoryStore) PutModelConfig(cfg *models.ModelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.llmodels[cp.Name] = &cp
}

func (s *MemoryStore) GetModelConfig(_ context.Context, name string) (*models.ModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.llmodels[name]
	if !ok {
		return nil, &ErrNotFound{Entity: "model", Key: name}
	}
	cp := *cfg
	return &cp, nil
}

func (s *MemoryStore) ListModelConfigs(_ context.Context) ([]models.ModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ModelConfig, 0, len(s.llmodels))
	for _, cfg := range s.llmodels {
		out = append(out, *cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ── Session-to-trace map ────────────────────────────────────

func (s *MemoryStore) SetSessionTrace(_ context.Context, sessionID, traceID string, ttl time.Duration) error {
	if ttl < SessionTraceTTL {
		ttl = SessionTraceTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traceMap[sessionID] = traceEntry{traceID: traceID, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) GetSessionTrace(_ context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	entry, ok := s.traceMap[sessionID]
	s.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return "", &ErrNotFound{Entity: "session trace", Key: sessionID}
	}
	return entry.traceID, nil
}

func (s *MemoryStore) DeleteSessionTrace(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.traceMap, sessionID)
	return nil
}

func (s *MemoryStore) PruneSessionTraces(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	pruned := 0
	for id, entry := range s.traceMap {
		if now.After(entry.expiresAt) {
			delete(s.traceMap, id)
			pruned++
		}
	}
	return pruned, nil
}

// ── Helpers ─────────────────────────────────────────────────

func formatID(id int64) string {
	return "id=" + strconv.FormatInt(id, 10)
}

// redactKey hides the key body in error messages, keeping the prefix.
func redactKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:8] + "…"
}
