// Package registry resolves logical agent references against the agent
// registry and enforces the deployment and visibility gates on behalf of
// the public entrypoints.
package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/a2agate/a2agate/internal/adapter"
	"github.com/a2agate/a2agate/internal/platerr"
	"github.com/a2agate/a2agate/internal/store"
	"github.com/a2agate/a2agate/internal/upstream"
	"github.com/a2agate/a2agate/pkg/models"
)

// Service is the agent lookup and access gate.
type Service struct {
	store  store.AgentStore
	client *upstream.Client
}

// NewService creates the lookup service.
func NewService(s store.AgentStore, client *upstream.Client) *Service {
	return &Service{store: s, client: client}
}

// ── Compound names ──────────────────────────────────────────

// ParseCompoundName splits an inbound agent name into its base and an
// optional Agno sub-resource tail: "bot-team-math" → ("bot", team math).
// The last marker wins so base names containing earlier markers resolve.
func ParseCompoundName(name string) (string, adapter.SubResource) {
	teamIdx := strings.LastIndex(name, "-team-")
	agentIdx := strings.LastIndex(name, "-agent-")

	idx, typ := -1, ""
	if teamIdx > agentIdx {
		idx, typ = teamIdx, "team"
	} else if agentIdx >= 0 {
		idx, typ = agentIdx, "agent"
	}
	if idx <= 0 {
		return name, adapter.SubResource{}
	}
	id := name[idx+len("-"+typ+"-"):]
	if id == "" {
		return name, adapter.SubResource{}
	}
	return name[:idx], adapter.SubResource{Type: typ, ID: id}
}

// CompoundName renders the platform-visible name for an agent plus
// sub-resource, the inverse of ParseCompoundName.
func CompoundName(agent *models.Agent, sub adapter.SubResource) string {
	if sub.IsZero() {
		return agent.Name
	}
	return agent.Name + "-" + sub.Type + "-" + sub.ID
}

// ── Resolution ──────────────────────────────────────────────

// Resolve maps a possibly-compound inbound name onto an agent row and
// sub-resource, enforcing the framework/sub-resource pairing rules.
func (s *Service) Resolve(ctx context.Context, name string) (*models.Agent, adapter.SubResource, error) {
	base, sub := ParseCompoundName(name)

	agent, err := s.store.GetAgentByName(ctx, base)
	if err != nil && !sub.IsZero() {
		// The full name may itself be a registered agent whose name
		// happens to contain a marker.
		if full, fullErr := s.store.GetAgentByName(ctx, name); fullErr == nil {
			agent, sub, err = full, adapter.SubResource{}, nil
		}
	}
	if err != nil {
		if store.IsNotFound(err) {
			return nil, adapter.SubResource{}, platerr.New(platerr.KindNotFound, "Agent '%s' not found.", base)
		}
		return nil, adapter.SubResource{}, platerr.Wrap(platerr.KindInternal, err, "resolve agent %q", base)
	}

	if !sub.IsZero() && agent.Framework != models.FrameworkAgno {
		return nil, adapter.SubResource{}, platerr.New(platerr.KindInvalidRequest,
			"Agent '%s' is %s; team/agent specification is only valid for Agno agents.", base, agent.Framework)
	}
	if agent.Framework == models.FrameworkAgno && sub.IsZero() {
		return nil, adapter.SubResource{}, platerr.New(platerr.KindNotFound,
			"Agno agent '%s' requires team or agent specification.", base)
	}
	return agent, sub, nil
}

// ResolveRef resolves a numeric id or plain textual name (no compound
// parsing). Used by the Hub, whose callers address agents by id.
func (s *Service) ResolveRef(ctx context.Context, ref string) (*models.Agent, error) {
	var agent *models.Agent
	var err error
	if id, convErr := strconv.ParseInt(ref, 10, 64); convErr == nil {
		agent, err = s.store.GetAgentByID(ctx, id)
	} else {
		agent, err = s.store.GetAgentByName(ctx, ref)
	}
	if err != nil {
		if store.IsNotFound(err) {
			return nil, platerr.New(platerr.KindNotFound, "Agent '%s' not found.", ref)
		}
		return nil, platerr.Wrap(platerr.KindInternal, err, "resolve agent %q", ref)
	}
	return agent, nil
}

// ── Gates ───────────────────────────────────────────────────

// CheckDeployed enforces the deployment-status gate for public
// entrypoints.
func (s *Service) CheckDeployed(agent *models.Agent) error {
	if !agent.Status.Deployed() {
		return platerr.New(platerr.KindNotDeployed,
			"Agent '%s' is not deployed (status %s).", agent.Name, agent.Status)
	}
	return nil
}

// CheckAccess enforces the visibility rules for the calling identity.
func (s *Service) CheckAccess(agent *models.Agent, caller *models.Identity) error {
	if caller != nil {
		if agent.OwnerID == caller.UserID {
			return nil
		}
		for _, allowed := range agent.AllowedUsers {
			if allowed == caller.UserID {
				return nil
			}
		}
	}
	switch agent.Visibility {
	case models.VisibilityPublic:
		return nil
	case models.VisibilityTeam:
		if caller != nil && caller.Department != "" && caller.Department == agent.Department {
			return nil
		}
	}
	return platerr.New(platerr.KindForbidden, "Access to agent '%s' denied.", agent.Name)
}

// ── Agno sub-resource validation ────────────────────────────

// agnoResource is one entry of an Agno /teams or /agents listing. The
// runtime is inconsistent about the id key across versions, so all
// observed spellings are accepted.
type agnoResource struct {
	ID      string `json:"id"`
	TeamID  string `json:"team_id"`
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

func (r *agnoResource) matches(id string) bool {
	return r.ID == id || r.TeamID == id || r.AgentID == id || r.Name == id
}

// ValidateSubResource confirms the addressed team or agent exists on the
// Agno base endpoint.
func (s *Service) ValidateSubResource(ctx context.Context, agent *models.Agent, sub adapter.SubResource) error {
	_, err := s.lookupSubResource(ctx, agent, sub)
	return err
}

// SubResourceName fetches the display name of an Agno sub-resource for
// Agent Card annotation. Falls back to the raw id on any failure.
func (s *Service) SubResourceName(ctx context.Context, agent *models.Agent, sub adapter.SubResource) string {
	res, err := s.lookupSubResource(ctx, agent, sub)
	if err != nil || res.Name == "" {
		return sub.ID
	}
	return res.Name
}

func (s *Service) lookupSubResource(ctx context.Context, agent *models.Agent, sub adapter.SubResource) (*agnoResource, error) {
	listPath := "/teams"
	if sub.Type == "agent" {
		listPath = "/agents"
	}
	raw, err := s.client.DoJSON(ctx, &upstream.Request{
		Method: http.MethodGet,
		URL:    strings.TrimRight(agent.EffectiveEndpoint(), "/") + listPath,
	})
	if err != nil {
		return nil, err
	}

	var resources []agnoResource
	if err := json.Unmarshal(raw, &resources); err != nil {
		// Some Agno versions wrap the list in an object.
		var wrapped struct {
			Teams  []agnoResource `json:"teams"`
			Agents []agnoResource `json:"agents"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, platerr.Wrap(platerr.KindTranslateResponse, err, "decode Agno %s listing", sub.Type)
		}
		resources = append(wrapped.Teams, wrapped.Agents...)
	}

	for i := range resources {
		if resources[i].matches(sub.ID) {
			return &resources[i], nil
		}
	}
	return nil, platerr.New(platerr.KindNotFound,
		"%s '%s' not found on Agno endpoint of agent '%s'.", titleType(sub.Type), sub.ID, agent.Name)
}

func titleType(t string) string {
	if t == "" {
		return "Resource"
	}
	return strings.ToUpper(t[:1]) + t[1:]
}
