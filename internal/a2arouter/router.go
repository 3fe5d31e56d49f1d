// Package a2arouter serves the public JSON-RPC surface of the platform:
// one A2A endpoint and one Agent Card per registered agent, dispatched to
// the agent's backend through its framework adapter.
package a2arouter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/a2agate/a2agate/internal/adapter"
	"github.com/a2agate/a2agate/internal/auth"
	"github.com/a2agate/a2agate/internal/config"
	"github.com/a2agate/a2agate/internal/metrics"
	"github.com/a2agate/a2agate/internal/platerr"
	"github.com/a2agate/a2agate/internal/registry"
	"github.com/a2agate/a2agate/internal/store"
	"github.com/a2agate/a2agate/internal/upstream"
	"github.com/a2agate/a2agate/pkg/a2a"
	"github.com/a2agate/a2agate/pkg/models"
)

// cardFetchTimeout caps the live Agent Card fetch from ADK backends.
const cardFetchTimeout = 5 * time.Second

// maxBodySize caps inbound JSON-RPC request bodies.
const maxBodySize = 4 << 20

// Handler is the A2A router.
type Handler struct {
	registry *registry.Service
	adapters *adapter.Registry
	client   *upstream.Client
	store    store.Store
	chain    *auth.Chain
	platform config.PlatformConfig
	version  string
}

// NewHandler wires the router.
func NewHandler(reg *registry.Service, adapters *adapter.Registry, client *upstream.Client, s store.Store, chain *auth.Chain, platform config.PlatformConfig, version string) *Handler {
	return &Handler{
		registry: reg,
		adapters: adapters,
		client:   client,
		store:    s,
		chain:    chain,
		platform: platform,
		version:  version,
	}
}

// Routes mounts the per-agent surface under the platform A2A path.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/{agent}/.well-known/agent-card.json", h.agentCard)
	r.Post("/{agent}", h.rpc)
	r.HandleFunc("/{agent}/v1/tasks/{task}", h.tasksNotImplemented)
}

// ── JSON-RPC dispatch ───────────────────────────────────────

func (h *Handler) rpc(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeRPC(w, a2a.NewError(nil, a2a.CodeInvalidRequest, "failed to read request body"))
		return
	}

	var env a2a.Request
	if err := json.Unmarshal(body, &env); err != nil {
		writeRPC(w, a2a.NewError(nil, a2a.CodeParseError, "Parse error"))
		return
	}
	if env.Jsonrpc != a2a.Version {
		writeRPC(w, a2a.NewError(env.ID, a2a.CodeInvalidRequest, "Invalid Request: jsonrpc must be \"2.0\""))
		return
	}
	if env.Method != a2a.MethodMessageSend && env.Method != a2a.MethodMessageStream {
		writeRPC(w, a2a.NewError(env.ID, a2a.CodeMethodNotFound, "Method not found: "+env.Method))
		return
	}

	var params a2a.Params
	if err := json.Unmarshal(env.Params, &params); err != nil {
		writeRPC(w, a2a.NewError(env.ID, a2a.CodeInvalidRequest, "Invalid Request: malformed params"))
		return
	}
	if params.Message.MessageID == "" {
		writeRPC(w, a2a.NewError(env.ID, a2a.CodeInvalidRequest, "Invalid Request: message.messageId is required"))
		return
	}

	identity, err := h.chain.Authenticate(r)
	if err != nil {
		writeRPCError(w, env.ID, err)
		return
	}
	if identity == nil {
		writeRPCError(w, env.ID, platerr.New(platerr.KindForbidden, "authentication required"))
		return
	}

	agent, sub, err := h.admit(r.Context(), chi.URLParam(r, "agent"), identity)
	if err != nil {
		writeRPCError(w, env.ID, err)
		return
	}

	ad, err := h.adapters.For(agent.Framework)
	if err != nil {
		writeRPCError(w, env.ID, platerr.Wrap(platerr.KindInternal, err, "select adapter"))
		return
	}

	streaming := env.Method == a2a.MethodMessageStream
	if !streaming {
		// Blocking dispatch; adapters that encode the flag on the wire
		// (Agno's stream form field) need it set.
		params.Configuration.Blocking = true
	}

	upReq, err := ad.TranslateRequest(env.ID, &params, sub)
	if err != nil {
		writeRPCError(w, env.ID, err)
		return
	}
	target := strings.TrimRight(agent.EffectiveEndpoint(), "/") + ad.EndpointSuffix(sub)

	h.ensureTrace(r.Context(), agent)

	started := time.Now()
	var dispatchErr error
	if streaming {
		dispatchErr = h.dispatchStream(w, r, env.ID, &params, ad, upReq, target)
	} else {
		dispatchErr = h.dispatchBlocking(w, r.Context(), env.ID, &params, ad, upReq, target)
	}
	outcome := "ok"
	if dispatchErr != nil {
		outcome = "error"
	}
	metrics.DispatchesTotal.WithLabelValues(string(agent.Framework), outcome).Inc()
	metrics.DispatchDuration.WithLabelValues(string(agent.Framework)).Observe(time.Since(started).Seconds())

	if dispatchErr == nil {
		h.recordStatistic(agent, identity)
	}
}

// admit resolves the agent and runs every gate that guards public
// dispatch.
func (h *Handler) admit(ctx context.Context, name string, identity *models.Identity) (*models.Agent, adapter.SubResource, error) {
	agent, sub, err := h.registry.Resolve(ctx, name)
	if err != nil {
		return nil, adapter.SubResource{}, err
	}
	if err := h.registry.CheckDeployed(agent); err != nil {
		return nil, adapter.SubResource{}, err
	}
	if err := h.registry.CheckAccess(agent, identity); err != nil {
		return nil, adapter.SubResource{}, err
	}
	if !sub.IsZero() {
		if err := h.registry.ValidateSubResource(ctx, agent, sub); err != nil {
			return nil, adapter.SubResource{}, err
		}
	}
	return agent, sub, nil
}

func (h *Handler) dispatchBlocking(w http.ResponseWriter, ctx context.Context, id interface{}, params *a2a.Params, ad adapter.Adapter, upReq *adapter.Request, target string) error {
	raw, err := h.client.DoJSON(ctx, &upstream.Request{
		Method:   http.MethodPost,
		URL:      target,
		JSONBody: upReq.JSONBody,
		Form:     upReq.Form,
	})
	if err != nil {
		writeRPCError(w, id, err)
		return err
	}
	resp, err := ad.TranslateResponse(raw, id, params)
	if err != nil {
		writeRPCError(w, id, err)
		return err
	}
	writeRPC(w, resp)
	return nil
}

func (h *Handler) dispatchStream(w http.ResponseWriter, r *http.Request, id interface{}, params *a2a.Params, ad adapter.Adapter, upReq *adapter.Request, target string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		err := platerr.New(platerr.KindInternal, "streaming unsupported by connection")
		writeRPCError(w, id, err)
		return err
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	stream := ad.NewStream(id, params)
	started := false
	err := h.client.Stream(r.Context(), &upstream.Request{
		Method:   http.MethodPost,
		URL:      target,
		JSONBody: upReq.JSONBody,
		Form:     upReq.Form,
	}, func(line []byte) error {
		for _, chunk := range stream.Feed(line) {
			raw, err := json.Marshal(chunk)
			if err != nil {
				continue
			}
			w.Write([]byte("data: "))
			w.Write(raw)
			w.Write([]byte("\n\n"))
			flusher.Flush()
			started = true
		}
		if stream.Done() {
			return io.EOF
		}
		return nil
	})
	if err != nil && err != io.EOF && !started {
		// Nothing sent yet; the error can still go out as a JSON body.
		writeRPCError(w, id, err)
		return err
	}
	if err != nil && err != io.EOF {
		raw, _ := json.Marshal(a2a.NewError(id, platerr.RPCCode(err), err.Error()))
		w.Write([]byte("data: "))
		w.Write(raw)
		w.Write([]byte("\n\n"))
		w.Write([]byte("data: " + upstream.DoneSentinel + "\n\n"))
		flusher.Flush()
		return err
	}
	w.Write([]byte("data: " + upstream.DoneSentinel + "\n\n"))
	flusher.Flush()
	return nil
}

// ensureTrace assigns the agent its proxy trace id on first dispatch.
func (h *Handler) ensureTrace(ctx context.Context, agent *models.Agent) {
	if agent.TraceID != "" {
		return
	}
	traceID, err := h.store.EnsureTraceID(ctx, agent.ID, uuid.NewString())
	if err != nil {
		log.Warn().Err(err).Int64("agent_id", agent.ID).Msg("Failed to ensure trace id")
		return
	}
	agent.TraceID = traceID
}

// recordStatistic emits the dispatch statistic. Best-effort.
func (h *Handler) recordStatistic(agent *models.Agent, identity *models.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := h.store.CreateCallStatistic(ctx, &models.CallStatistic{
		AgentID:           agent.ID,
		UserID:            identity.UserID,
		CallType:          models.CallTypeA2ARouter,
		AgentStatusAtTime: agent.Status,
		CalledAt:          time.Now(),
	})
	if err != nil {
		log.Warn().Err(err).Int64("agent_id", agent.ID).Msg("Failed to record call statistic")
	}
}

// ── Tasks ───────────────────────────────────────────────────

// tasksNotImplemented answers the task polling surface some A2A clients
// probe. The platform dispatches synchronously and holds no task state.
func (h *Handler) tasksNotImplemented(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotImplemented)
	json.NewEncoder(w).Encode(map[string]string{
		"error": "task operations are not supported; messages are dispatched synchronously",
	})
}

// ── Responses ───────────────────────────────────────────────

func writeRPC(w http.ResponseWriter, resp *a2a.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON-RPC response")
	}
}

func writeRPCError(w http.ResponseWriter, id interface{}, err error) {
	writeRPC(w, a2a.NewError(id, platerr.RPCCode(err), errorMessage(err)))
}

// errorMessage strips wrapped internals from the user-facing message.
func errorMessage(err error) string {
	var pe *platerr.Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}
