// Package auth establishes the caller's identity. Providers are tried in
// order; the first one whose credential shape is present wins, and a
// present-but-invalid credential fails the request rather than falling
// through to the next provider.
package auth

import (
	"context"
	"net/http"

	"github.com/a2agate/a2agate/pkg/models"
)

// Provider authenticates one credential shape. A (nil, nil) return means
// the request carries no credential this provider understands.
type Provider interface {
	Name() string
	Authenticate(r *http.Request) (*models.Identity, error)
}

// Chain tries providers in registration order.
type Chain struct {
	providers []Provider
}

// NewChain builds a chain from providers in priority order.
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

// Authenticate resolves the caller's identity, or (nil, nil) when the
// request is anonymous.
func (c *Chain) Authenticate(r *http.Request) (*models.Identity, error) {
	for _, p := range c.providers {
		identity, err := p.Authenticate(r)
		if err != nil {
			return nil, err
		}
		if identity != nil {
			return identity, nil
		}
	}
	return nil, nil
}

// ── Context plumbing ────────────────────────────────────────

type contextKey struct{}

// WithIdentity attaches the identity to the context.
func WithIdentity(ctx context.Context, id *models.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFrom extracts the identity, or nil for anonymous callers.
func IdentityFrom(ctx context.Context) *models.Identity {
	id, _ := ctx.Value(contextKey{}).(*models.Identity)
	return id
}
