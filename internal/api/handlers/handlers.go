// Package handlers implements the control-plane REST surface: the agent
// registry read endpoints, platform API key management, the health-check
// relay, and trace inspection. Registry rows are owned by external
// collaborators; everything here is read-only except the two sanctioned
// writes (health relay, key lifecycle).
package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/a2agate/a2agate/internal/auth"
	"github.com/a2agate/a2agate/internal/platerr"
	"github.com/a2agate/a2agate/internal/registry"
	"github.com/a2agate/a2agate/internal/store"
	"github.com/a2agate/a2agate/pkg/models"
)

// Handlers carries the dependencies of the REST surface.
type Handlers struct {
	store    store.Store
	registry *registry.Service
}

// New wires the REST handlers.
func New(s store.Store, reg *registry.Service) *Handlers {
	return &Handlers{store: s, registry: reg}
}

// ── Agents ──────────────────────────────────────────────────

// ListAgents returns the registry rows the caller may see. Visibility
// follows the same gate that guards dispatch.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFrom(r.Context())
	agents, err := h.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, platerr.Wrap(platerr.KindInternal, err, "list agents"))
		return
	}
	visible := make([]models.Agent, 0, len(agents))
	for i := range agents {
		if h.registry.CheckAccess(&agents[i], identity) == nil {
			visible = append(visible, agents[i])
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": visible})
}

// GetAgent returns one registry row by numeric id or name.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.registry.ResolveRef(r.Context(), chi.URLParam(r, "agentRef"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.registry.CheckAccess(agent, auth.IdentityFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// healthRelayRequest is the payload the external health poller posts.
type healthRelayRequest struct {
	Status    models.HealthStatus `json:"status"`
	CheckedAt time.Time           `json:"checked_at"`
}

// RelayHealth records the latest health-check result for an agent. The
// write is idempotent; replaying the same observation is harmless.
func (h *Handlers) RelayHealth(w http.ResponseWriter, r *http.Request) {
	agent, err := h.registry.ResolveRef(r.Context(), chi.URLParam(r, "agentRef"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req healthRelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, platerr.New(platerr.KindInvalidRequest, "malformed health relay payload"))
		return
	}
	switch req.Status {
	case models.HealthHealthy, models.HealthUnhealthy, models.HealthUnknown:
	default:
		writeError(w, platerr.New(platerr.KindInvalidRequest, "unknown health status %q", req.Status))
		return
	}
	if req.CheckedAt.IsZero() {
		req.CheckedAt = time.Now()
	}

	if err := h.store.SetHealthStatus(r.Context(), agent.ID, req.Status, req.CheckedAt); err != nil {
		writeError(w, platerr.Wrap(platerr.KindInternal, err, "record health status"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(req.Status)})
}

// ── API keys ────────────────────────────────────────────────

// CreateAPIKey issues a fresh platform key for the authenticated caller.
// The key value is returned exactly once.
func (h *Handlers) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFrom(r.Context())
	if identity == nil {
		writeError(w, platerr.New(platerr.KindForbidden, "authentication required"))
		return
	}

	key, err := generateKey()
	if err != nil {
		writeError(w, platerr.Wrap(platerr.KindInternal, err, "generate key"))
		return
	}
	apiKey := &models.APIKey{
		Key:      key,
		UserID:   identity.UserID,
		IsActive: true,
		Created:  time.Now(),
	}
	if err := h.store.CreateAPIKey(r.Context(), apiKey); err != nil {
		writeError(w, platerr.Wrap(platerr.KindInternal, err, "store key"))
		return
	}
	log.Info().Str("user_id", identity.UserID).Msg("Platform API key issued")
	writeJSON(w, http.StatusCreated, apiKey)
}

// RevokeAPIKey deactivates one of the caller's keys.
func (h *Handlers) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFrom(r.Context())
	if identity == nil {
		writeError(w, platerr.New(platerr.KindForbidden, "authentication required"))
		return
	}

	key := chi.URLParam(r, "key")
	stored, err := h.store.GetAPIKey(r.Context(), key)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, platerr.New(platerr.KindNotFound, "API key not found"))
			return
		}
		writeError(w, platerr.Wrap(platerr.KindInternal, err, "look up key"))
		return
	}
	if stored.UserID != identity.UserID {
		// Foreign keys are indistinguishable from absent ones.
		writeError(w, platerr.New(platerr.KindNotFound, "API key not found"))
		return
	}
	if err := h.store.RevokeAPIKey(r.Context(), key); err != nil {
		writeError(w, platerr.Wrap(platerr.KindInternal, err, "revoke key"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// generateKey mints a platform key: the "a2g_" prefix plus 64 hex chars.
func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return models.APIKeyPrefix + hex.EncodeToString(buf), nil
}

// ── Traces ──────────────────────────────────────────────────

// ListTraceCalls returns the LLM call records attributed to a trace.
func (h *Handlers) ListTraceCalls(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceId")
	records, err := h.store.ListCallRecordsByTrace(r.Context(), traceID, 100)
	if err != nil {
		writeError(w, platerr.Wrap(platerr.KindInternal, err, "list call records"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trace_id": traceID,
		"calls":    records,
	})
}

// ── Helpers ─────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	var pe *platerr.Error
	msg := err.Error()
	if errors.As(err, &pe) {
		msg = pe.Message
	}
	writeJSON(w, platerr.HTTPStatus(err), map[string]string{"error": msg})
}
