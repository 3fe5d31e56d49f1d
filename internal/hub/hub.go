// Package hub is the streaming chat engine behind the platform UI. Each
// chat call streams one agent answer over SSE and commits the exchange
// to the session's append-only message log after the stream ends.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/a2agate/a2agate/internal/adapter"
	"github.com/a2agate/a2agate/internal/auth"
	"github.com/a2agate/a2agate/internal/platerr"
	"github.com/a2agate/a2agate/internal/registry"
	"github.com/a2agate/a2agate/internal/store"
	"github.com/a2agate/a2agate/internal/upstream"
	"github.com/a2agate/a2agate/pkg/models"
)

// sessionNameLimit caps the derived session name length.
const sessionNameLimit = 60

// Engine runs Hub chat streams and owns session persistence.
type Engine struct {
	store    store.Store
	registry *registry.Service
	client   *upstream.Client
	chain    *auth.Chain

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine wires the Hub engine.
func NewEngine(s store.Store, reg *registry.Service, client *upstream.Client, chain *auth.Chain) *Engine {
	return &Engine{
		store:    s,
		registry: reg,
		client:   client,
		chain:    chain,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Routes mounts the Hub surface.
func (e *Engine) Routes(r chi.Router) {
	r.Post("/chat", e.chat)
	r.Get("/sessions", e.listSessions)
	r.Get("/sessions/{id}", e.getSession)
	r.Delete("/sessions/{id}", e.deleteSession)
}

// ── Chat ────────────────────────────────────────────────────

// ChatRequest is the inbound chat call. Messages carries the client-side
// view of the conversation; only the trailing user entry is dispatched.
type ChatRequest struct {
	AgentID   int64  `json:"agent_id"`
	SessionID string `json:"session_id"`
	TeamID    string `json:"team_id,omitempty"`
	AgnoAgent string `json:"agno_agent_id,omitempty"`

	Messages []struct {
		Role    models.MessageRole `json:"role"`
		Content string             `json:"content"`
	} `json:"messages"`
}

func (req *ChatRequest) latestUserText() string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == models.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

func (req *ChatRequest) subResource() adapter.SubResource {
	if req.TeamID != "" {
		return adapter.SubResource{Type: "team", ID: req.TeamID}
	}
	if req.AgnoAgent != "" {
		return adapter.SubResource{Type: "agent", ID: req.AgnoAgent}
	}
	return adapter.SubResource{}
}

func (e *Engine) chat(w http.ResponseWriter, r *http.Request) {
	identity, err := e.chain.Authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if identity == nil {
		writeError(w, platerr.New(platerr.KindForbidden, "authentication required"))
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, platerr.New(platerr.KindInvalidRequest, "malformed chat request"))
		return
	}
	userText := req.latestUserText()
	if userText == "" {
		writeError(w, platerr.New(platerr.KindInvalidRequest, "chat request carries no user message"))
		return
	}

	agent, err := e.store.GetAgentByID(r.Context(), req.AgentID)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, platerr.New(platerr.KindNotFound, "Agent %d not found.", req.AgentID))
		} else {
			writeError(w, platerr.Wrap(platerr.KindInternal, err, "load agent"))
		}
		return
	}
	if err := e.registry.CheckAccess(agent, identity); err != nil {
		writeError(w, err)
		return
	}

	e.ensureTrace(r.Context(), agent)

	session, err := e.acquireSession(r.Context(), identity.UserID, agent, req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	lock := e.sessionLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	// Another chat on the same session may have committed while we
	// waited for the lock; re-read so the commit below appends to the
	// latest message log instead of a stale snapshot.
	if fresh, err := e.store.GetSession(r.Context(), session.ID); err == nil {
		session = fresh
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, platerr.New(platerr.KindInternal, "streaming unsupported by connection"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	out := &sseWriter{w: w, flusher: flusher}

	start := map[string]interface{}{"type": "stream_start", "session_id": session.ID}
	if agent.TraceID != "" {
		start["trace_id"] = agent.TraceID
	}
	if err := out.emit(start); err != nil {
		return
	}

	d := &dispatch{
		client:  e.client,
		agent:   agent,
		sub:     req.subResource(),
		session: session,
		userID:  identity.UserID,
	}
	assistant, err := d.run(r.Context(), userText, out)
	if err != nil {
		if errors.Is(err, context.Canceled) || r.Context().Err() != nil {
			// Client went away; nothing is committed.
			return
		}
		out.emit(map[string]interface{}{"type": "error", "message": errMessage(err)})
		return
	}

	out.emit(map[string]interface{}{"type": "stream_end"})

	e.commit(session, userText, assistant)
	e.recordStatistic(agent, identity.UserID)
}

// acquireSession loads the caller's session or creates a fresh one with
// the trace-map entry the LLM proxy resolves against.
func (e *Engine) acquireSession(ctx context.Context, userID string, agent *models.Agent, sessionID string) (*models.Session, error) {
	if sessionID != "" {
		session, err := e.store.GetSession(ctx, sessionID)
		if err == nil && session.UserID == userID {
			return session, nil
		}
		if err != nil && !store.IsNotFound(err) {
			return nil, platerr.Wrap(platerr.KindInternal, err, "load session")
		}
		// Unknown or foreign id: fall through to a fresh session.
	}

	now := time.Now()
	session := &models.Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		AgentID:       agent.ID,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	if err := e.store.CreateSession(ctx, session); err != nil {
		return nil, platerr.Wrap(platerr.KindInternal, err, "create session")
	}
	if agent.TraceID != "" {
		if err := e.store.SetSessionTrace(ctx, session.ID, agent.TraceID, store.SessionTraceTTL); err != nil {
			log.Warn().Err(err).Str("session_id", session.ID).Msg("Failed to map session to trace")
		}
	}
	return session, nil
}

// commit appends the exchange after stream_end. Uses a fresh context so a
// disconnecting client cannot abort a stream that already ended cleanly.
func (e *Engine) commit(session *models.Session, userText, assistant string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	session.Messages = append(session.Messages, models.SessionMessage{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   userText,
		Timestamp: now,
	})
	if assistant != "" {
		session.Messages = append(session.Messages, models.SessionMessage{
			ID:        uuid.NewString(),
			Role:      models.RoleAssistant,
			Content:   assistant,
			Timestamp: now,
		})
	}
	if session.SessionName == "" {
		session.SessionName = deriveSessionName(userText)
	}
	session.LastMessageAt = now

	if err := e.store.UpdateSession(ctx, session); err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("Failed to commit session messages")
	}
}

func deriveSessionName(userText string) string {
	name := strings.TrimSpace(userText)
	if len(name) > sessionNameLimit {
		name = name[:sessionNameLimit]
	}
	return name
}

func (e *Engine) ensureTrace(ctx context.Context, agent *models.Agent) {
	if agent.TraceID != "" {
		return
	}
	traceID, err := e.store.EnsureTraceID(ctx, agent.ID, uuid.NewString())
	if err != nil {
		log.Warn().Err(err).Int64("agent_id", agent.ID).Msg("Failed to ensure trace id")
		return
	}
	agent.TraceID = traceID
}

func (e *Engine) recordStatistic(agent *models.Agent, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := e.store.CreateCallStatistic(ctx, &models.CallStatistic{
		AgentID:           agent.ID,
		UserID:            userID,
		CallType:          models.CallTypeChat,
		AgentStatusAtTime: agent.Status,
		CalledAt:          time.Now(),
	})
	if err != nil {
		log.Warn().Err(err).Int64("agent_id", agent.ID).Msg("Failed to record call statistic")
	}
}

// sessionLock serialises appends per session.
func (e *Engine) sessionLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	return lock
}

// dropSessionLock releases the lock entry once the session is gone.
func (e *Engine) dropSessionLock(id string) {
	e.mu.Lock()
	delete(e.locks, id)
	e.mu.Unlock()
}

// ── Session CRUD ────────────────────────────────────────────

func (e *Engine) listSessions(w http.ResponseWriter, r *http.Request) {
	identity, err := e.requireIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	agentID, _ := strconv.ParseInt(r.URL.Query().Get("agent_id"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	sessions, err := e.store.ListSessionsByUser(r.Context(), identity.UserID, agentID, limit)
	if err != nil {
		writeError(w, platerr.Wrap(platerr.KindInternal, err, "list sessions"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (e *Engine) getSession(w http.ResponseWriter, r *http.Request) {
	identity, err := e.requireIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	session, err := e.ownedSession(r.Context(), identity, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (e *Engine) deleteSession(w http.ResponseWriter, r *http.Request) {
	identity, err := e.requireIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	session, err := e.ownedSession(r.Context(), identity, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := e.store.DeleteSession(r.Context(), session.ID); err != nil {
		writeError(w, platerr.Wrap(platerr.KindInternal, err, "delete session"))
		return
	}
	e.dropSessionLock(session.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) ownedSession(ctx context.Context, identity *models.Identity, id string) (*models.Session, error) {
	session, err := e.store.GetSession(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, platerr.New(platerr.KindNotFound, "Session '%s' not found.", id)
		}
		return nil, platerr.Wrap(platerr.KindInternal, err, "load session")
	}
	if session.UserID != identity.UserID {
		return nil, platerr.New(platerr.KindNotFound, "Session '%s' not found.", id)
	}
	return session, nil
}

func (e *Engine) requireIdentity(r *http.Request) (*models.Identity, error) {
	identity, err := e.chain.Authenticate(r)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, platerr.New(platerr.KindForbidden, "authentication required")
	}
	return identity, nil
}

// ── SSE writer ──────────────────────────────────────────────

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) emit(event interface{}) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(raw); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) emitRaw(line []byte) error {
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// ── Response helpers ────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, platerr.HTTPStatus(err), map[string]string{"error": errMessage(err)})
}

func errMessage(err error) string {
	var pe *platerr.Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}
