package a2arouter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/a2agate/a2agate/internal/adapter"
	"github.com/a2agate/a2agate/internal/platerr"
	"github.com/a2agate/a2agate/internal/registry"
	"github.com/a2agate/a2agate/internal/upstream"
	"github.com/a2agate/a2agate/pkg/a2a"
	"github.com/a2agate/a2agate/pkg/models"
)

// agentCard serves the public Agent Card. Resolution is three-tier: a
// live fetch from ADK backends, then the stored card, then a synthesized
// one from the registry row. Whatever the source, the advertised URL is
// always rewritten to the platform address.
func (h *Handler) agentCard(w http.ResponseWriter, r *http.Request) {
	agent, sub, err := h.registry.Resolve(r.Context(), chi.URLParam(r, "agent"))
	if err != nil {
		writeCardError(w, err)
		return
	}
	if err := h.registry.CheckDeployed(agent); err != nil {
		writeCardError(w, err)
		return
	}

	card := h.resolveCard(r.Context(), agent)
	h.brandCard(r.Context(), card, agent, sub)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(card); err != nil {
		log.Error().Err(err).Msg("Failed to encode agent card")
	}
}

func (h *Handler) resolveCard(ctx context.Context, agent *models.Agent) *a2a.Card {
	if agent.Framework == models.FrameworkADK {
		if card := h.fetchLiveCard(ctx, agent); card != nil {
			return card
		}
	}
	if agent.AgentCardJSON != "" {
		var card a2a.Card
		if err := json.Unmarshal([]byte(agent.AgentCardJSON), &card); err == nil {
			return &card
		}
		log.Warn().Int64("agent_id", agent.ID).Msg("Stored agent card is not valid JSON, synthesizing")
	}
	return h.synthesizeCard(agent)
}

// fetchLiveCard pulls the card the ADK backend publishes itself. Any
// failure falls through to the next tier.
func (h *Handler) fetchLiveCard(ctx context.Context, agent *models.Agent) *a2a.Card {
	ctx, cancel := context.WithTimeout(ctx, cardFetchTimeout)
	defer cancel()

	raw, err := h.client.DoJSON(ctx, &upstream.Request{
		Method: http.MethodGet,
		URL:    strings.TrimRight(agent.EffectiveEndpoint(), "/") + "/.well-known/agent-card.json",
	})
	if err != nil {
		log.Debug().Err(err).Int64("agent_id", agent.ID).Msg("Live agent card fetch failed")
		return nil
	}
	var card a2a.Card
	if err := json.Unmarshal(raw, &card); err != nil {
		log.Debug().Err(err).Int64("agent_id", agent.ID).Msg("Live agent card is not valid JSON")
		return nil
	}
	return &card
}

func (h *Handler) synthesizeCard(agent *models.Agent) *a2a.Card {
	return &a2a.Card{
		Name:            agent.Name,
		Description:     agent.Description,
		Version:         h.version,
		ProtocolVersion: "0.2.6",
		Capabilities: a2a.Capabilities{
			Streaming: true,
		},
		PreferredTransport: "JSONRPC",
		Skills: []a2a.Skill{{
			ID:          agent.Name,
			Name:        agent.Name,
			Description: agent.Description,
		}},
	}
}

// brandCard applies the platform-mandated fields regardless of where the
// card came from.
func (h *Handler) brandCard(ctx context.Context, card *a2a.Card, agent *models.Agent, sub adapter.SubResource) {
	name := registry.CompoundName(agent, sub)
	card.URL = strings.TrimRight(h.platform.BaseURL, "/") + "/api/v1/a2a/" + name
	if card.Name == "" {
		card.Name = agent.Name
	}
	card.Provider = &a2a.Provider{
		Organization: h.platform.ProviderOrg,
		URL:          h.platform.ProviderURL,
	}
	if !sub.IsZero() {
		card.Name = name
		display := h.registry.SubResourceName(ctx, agent, sub)
		suffix := " (" + sub.Type + ": " + display + ")"
		if !strings.HasSuffix(card.Description, suffix) {
			card.Description += suffix
		}
		if card.Metadata == nil {
			card.Metadata = make(map[string]interface{})
		}
		card.Metadata["agno_resource_type"] = sub.Type
		card.Metadata["agno_resource_id"] = sub.ID
		card.Metadata["agno_resource_name"] = display
	}
}

func writeCardError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(platerr.HTTPStatus(err))
	json.NewEncoder(w).Encode(map[string]string{"error": errorMessage(err)})
}
