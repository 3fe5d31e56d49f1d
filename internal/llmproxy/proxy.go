// Package llmproxy is the OpenAI-compatible LLM endpoint. Every call is
// authenticated with a platform API key, attributed to an agent through
// its trace id, dispatched to the selected provider, and accounted with
// exactly one LLM-call record.
package llmproxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/a2agate/a2agate/internal/config"
	"github.com/a2agate/a2agate/internal/metrics"
	"github.com/a2agate/a2agate/internal/platerr"
	"github.com/a2agate/a2agate/internal/store"
	"github.com/a2agate/a2agate/internal/upstream"
	"github.com/a2agate/a2agate/pkg/models"
)

// Handler is the LLM proxy.
type Handler struct {
	store  store.Store
	client *upstream.Client
	llm    config.LLMConfig
}

// NewHandler wires the proxy.
func NewHandler(s store.Store, client *upstream.Client, llm config.LLMConfig) *Handler {
	return &Handler{store: s, client: client, llm: llm}
}

// Routes mounts the proxy surface. The three path shapes differ only in
// how the trace id is resolved.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/chat/completions", h.completions)
	r.Post("/trace/{trace}/v1/chat/completions", h.completions)
	r.Post("/session/{session}/v1/chat/completions", h.completions)
	r.Get("/v1/models", h.listModels)
}

// ── Completions ─────────────────────────────────────────────

func (h *Handler) completions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	traceID, err := h.resolveTrace(r)
	if err != nil {
		writeOpenAIError(w, platerr.HTTPStatus(err), errMessage(err))
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeOpenAIError(w, http.StatusBadRequest, "model and messages are required")
		return
	}

	call := &models.LLMCallRecord{
		ID:        uuid.NewString(),
		TraceID:   traceID,
		UserID:    userID,
		SessionID: chi.URLParam(r, "session"),
		Model:     req.Model,
		CreatedAt: time.Now(),
	}
	h.resolveAgent(r, call)
	if reqJSON, err := json.Marshal(req.Messages); err == nil {
		call.RequestMessages = string(reqJSON)
	}

	providerName := selectProvider(req.Model)
	call.Provider = providerName
	prov, err := h.provider(r.Context(), providerName, req.Model)
	if err != nil {
		h.finishRecord(call, "", nil, err)
		writeOpenAIError(w, platerr.HTTPStatus(err), errMessage(err))
		return
	}

	if req.Stream {
		h.streamCompletion(w, r, prov, &req, call)
	} else {
		h.blockingCompletion(w, r.Context(), prov, &req, call)
	}
}

func (h *Handler) blockingCompletion(w http.ResponseWriter, ctx context.Context, prov provider, req *ChatRequest, call *models.LLMCallRecord) {
	result, err := prov.complete(ctx, req)
	if err != nil {
		h.finishRecord(call, "", nil, err)
		writeOpenAIError(w, platerr.HTTPStatus(err), errMessage(err))
		return
	}
	h.finishRecord(call, result.content, &result.usage, nil)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result.openAIResponse(req.Model))
}

func (h *Handler) streamCompletion(w http.ResponseWriter, r *http.Request, prov provider, req *ChatRequest, call *models.LLMCallRecord) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		err := platerr.New(platerr.KindInternal, "streaming unsupported by connection")
		h.finishRecord(call, "", nil, err)
		writeOpenAIError(w, http.StatusInternalServerError, errMessage(err))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sink := &sseSink{w: w, flusher: flusher}
	result, err := prov.stream(r.Context(), req, sink)
	if err != nil {
		h.finishRecord(call, result.content, &result.usage, err)
		if !sink.started {
			writeOpenAIError(w, platerr.HTTPStatus(err), errMessage(err))
			return
		}
		// Mid-stream failure: the error rides the stream as its own
		// event before the terminator.
		payload, _ := json.Marshal(map[string]interface{}{
			"error": map[string]string{"message": errMessage(err)},
		})
		sink.chunk(payload)
		sink.done()
		return
	}
	h.finishRecord(call, result.content, &result.usage, nil)
	sink.done()
}

// sseSink writes OpenAI SSE frames downstream.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseSink) chunk(payload []byte) error {
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	s.started = true
	return nil
}

func (s *sseSink) done() {
	s.w.Write([]byte("data: " + upstream.DoneSentinel + "\n\n"))
	s.flusher.Flush()
}

// ── Authentication ──────────────────────────────────────────

// authenticate validates the platform bearer key. Tokens without the
// platform prefix are rejected before any store lookup.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		writeOpenAIError(w, http.StatusUnauthorized, "missing bearer token")
		return "", false
	}
	if !strings.HasPrefix(token, models.APIKeyPrefix) {
		writeOpenAIError(w, http.StatusUnauthorized, "invalid API key")
		return "", false
	}
	key, err := h.store.GetAPIKey(r.Context(), token)
	if err != nil {
		if store.IsNotFound(err) {
			writeOpenAIError(w, http.StatusUnauthorized, "invalid API key")
		} else {
			writeOpenAIError(w, http.StatusInternalServerError, "key lookup failed")
		}
		return "", false
	}
	if !key.IsActive {
		writeOpenAIError(w, http.StatusUnauthorized, "API key revoked")
		return "", false
	}
	if err := h.store.TouchAPIKey(r.Context(), token, time.Now()); err != nil {
		log.Warn().Err(err).Msg("Failed to record API key usage")
	}
	return key.UserID, true
}

// ── Trace resolution ────────────────────────────────────────

// resolveTrace determines the trace id: path segment, then X-Trace-ID
// header, then the session-to-trace map for session-scoped paths.
func (h *Handler) resolveTrace(r *http.Request) (string, error) {
	if trace := chi.URLParam(r, "trace"); trace != "" {
		return trace, nil
	}
	if trace := r.Header.Get("X-Trace-ID"); trace != "" {
		return trace, nil
	}
	if sessionID := chi.URLParam(r, "session"); sessionID != "" {
		trace, err := h.store.GetSessionTrace(r.Context(), sessionID)
		if err != nil {
			if store.IsNotFound(err) {
				return "", platerr.New(platerr.KindNotFound, "no trace mapping for session '%s'", sessionID)
			}
			return "", platerr.Wrap(platerr.KindInternal, err, "resolve session trace")
		}
		return trace, nil
	}
	// Untraced calls are allowed; the record simply has no agent.
	return "", nil
}

// resolveAgent attributes the call to an agent, preferring the explicit
// header over the trace-id lookup. Best-effort.
func (h *Handler) resolveAgent(r *http.Request, call *models.LLMCallRecord) {
	if raw := r.Header.Get("X-Agent-ID"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			call.AgentID = id
			return
		}
	}
	if call.TraceID == "" {
		return
	}
	agent, err := h.store.GetAgentByTraceID(r.Context(), call.TraceID)
	if err != nil {
		return
	}
	call.AgentID = agent.ID
}

// ── Provider wiring ─────────────────────────────────────────

// provider resolves the model's endpoint and credential from the model
// registry, falling back to the configured provider defaults.
func (h *Handler) provider(ctx context.Context, name, model string) (provider, error) {
	t := h.defaultTarget(name)
	if cfg, err := h.store.GetModelConfig(ctx, model); err == nil {
		if cfg.Endpoint != "" {
			t.endpoint = cfg.Endpoint
		}
		if cfg.APIKey != "" {
			t.apiKey = cfg.APIKey
		}
	} else if !store.IsNotFound(err) {
		return nil, platerr.Wrap(platerr.KindInternal, err, "look up model config")
	}
	if t.endpoint == "" {
		return nil, platerr.New(platerr.KindNotFound, "no endpoint configured for model '%s'", model)
	}

	switch name {
	case ProviderOpenAI:
		return &openAIProvider{client: h.client, target: t}, nil
	case ProviderAnthropic:
		return &anthropicProvider{client: h.client, target: t}, nil
	default:
		return &googleProvider{client: h.client, target: t}, nil
	}
}

func (h *Handler) defaultTarget(name string) target {
	switch name {
	case ProviderOpenAI:
		return target{endpoint: h.llm.OpenAIEndpoint, apiKey: h.llm.OpenAIAPIKey}
	case ProviderAnthropic:
		return target{endpoint: h.llm.AnthropicEndpoint, apiKey: h.llm.AnthropicAPIKey}
	default:
		return target{endpoint: h.llm.GoogleEndpoint, apiKey: h.llm.GoogleAPIKey}
	}
}

// ── Accounting ──────────────────────────────────────────────

// finishRecord writes the call record exactly once per call, success or
// failure. A failed write is logged, never surfaced.
func (h *Handler) finishRecord(call *models.LLMCallRecord, content string, usage *Usage, callErr error) {
	call.CompletedAt = time.Now()
	call.Latency = call.CompletedAt.Sub(call.CreatedAt)
	call.ResponseContent = content
	if usage != nil {
		call.RequestTokens = usage.PromptTokens
		call.ResponseTokens = usage.CompletionTokens
		call.TotalTokens = usage.TotalTokens
	}
	call.Success = callErr == nil
	if callErr != nil {
		call.ErrorMessage = errMessage(callErr)
	}
	metrics.LLMTokensTotal.WithLabelValues(call.Provider, "request").Add(float64(call.RequestTokens))
	metrics.LLMTokensTotal.WithLabelValues(call.Provider, "response").Add(float64(call.ResponseTokens))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.CreateCallRecord(ctx, call); err != nil {
		log.Error().Err(err).Str("trace_id", call.TraceID).Msg("Failed to write LLM call record")
	}
}

// ── Models listing ──────────────────────────────────────────

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	configs, err := h.store.ListModelConfigs(r.Context())
	if err != nil {
		writeOpenAIError(w, http.StatusInternalServerError, "model registry unavailable")
		return
	}
	data := make([]map[string]interface{}, 0, len(configs))
	for _, cfg := range configs {
		data = append(data, map[string]interface{}{
			"id":       cfg.Name,
			"object":   "model",
			"owned_by": cfg.Provider,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"object": "list", "data": data})
}

// ── Response helpers ────────────────────────────────────────

func writeOpenAIError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"message": message},
	})
}

func errMessage(err error) string {
	var pe *platerr.Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}
