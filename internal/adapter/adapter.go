// Package adapter translates between the stable A2A envelope and the
// native request/response/stream formats of each backend framework
// family. Adapters are pure translation: they hold no per-call state
// other than stream cursors and are reused across calls.
package adapter

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/a2agate/a2agate/pkg/a2a"
	"github.com/a2agate/a2agate/pkg/models"
)

// SubResource addresses an Agno team or agent within one base endpoint.
// The zero value means "no sub-resource".
type SubResource struct {
	Type string // "team" or "agent"
	ID   string
}

// IsZero reports whether no sub-resource was supplied.
func (s SubResource) IsZero() bool { return s.Type == "" }

// Request is a framework-native request body. Exactly one of JSONBody
// and Form is set.
type Request struct {
	JSONBody interface{}
	Form     map[string]string
}

// Adapter translates one framework's wire formats.
type Adapter interface {
	// Framework identifies the family this adapter serves.
	Framework() models.Framework

	// EndpointSuffix returns the path appended to the agent's effective
	// endpoint for the given sub-resource.
	EndpointSuffix(sub SubResource) string

	// TranslateRequest converts an inbound A2A params object into the
	// framework's native request. Adapters whose wire format is itself
	// JSON-RPC reuse the caller's request id.
	TranslateRequest(id interface{}, params *a2a.Params, sub SubResource) (*Request, error)

	// TranslateResponse converts a framework response body into an A2A
	// envelope answering the original request id.
	TranslateResponse(raw json.RawMessage, id interface{}, params *a2a.Params) (*a2a.Response, error)

	// NewStream returns a cursor that converts upstream response lines
	// into A2A envelope chunks for the original request.
	NewStream(id interface{}, params *a2a.Params) Stream
}

// Stream converts upstream lines into A2A chunks. Feed may emit zero or
// more chunks per line; malformed lines are skipped, never fatal. After
// Done reports true the caller stops feeding.
type Stream interface {
	Feed(line []byte) []*a2a.Response
	Done() bool
}

// ── Registry ────────────────────────────────────────────────

// Registry maps frameworks onto adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Framework]Adapter
}

// NewRegistry creates a registry pre-populated with the three built-in
// adapters.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[models.Framework]Adapter)}
	r.Register(&ADK{})
	r.Register(&Agno{})
	r.Register(&Langchain{})
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Framework()] = a
}

// For returns the adapter for a framework.
func (r *Registry) For(fw models.Framework) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[fw]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for framework %q", fw)
	}
	return a, nil
}

// responseMessageID derives the outbound message id from the inbound one.
func responseMessageID(params *a2a.Params) string {
	return "response-" + params.Message.MessageID
}
