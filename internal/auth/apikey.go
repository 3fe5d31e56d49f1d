package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/a2agate/a2agate/internal/platerr"
	"github.com/a2agate/a2agate/internal/store"
	"github.com/a2agate/a2agate/pkg/models"
)

// APIKeyProvider authenticates platform API keys presented in the
// x-api-key header or as a bearer token.
type APIKeyProvider struct {
	keys store.APIKeyStore
}

// NewAPIKeyProvider builds the provider on the key store.
func NewAPIKeyProvider(keys store.APIKeyStore) *APIKeyProvider {
	return &APIKeyProvider{keys: keys}
}

func (p *APIKeyProvider) Name() string { return "apikey" }

// KeyFromRequest extracts a platform key from the request, or "" when no
// platform-shaped credential is present. Bearer tokens without the
// platform prefix belong to other schemes and are ignored here.
func KeyFromRequest(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if strings.HasPrefix(bearer, models.APIKeyPrefix) {
		return bearer
	}
	return ""
}

func (p *APIKeyProvider) Authenticate(r *http.Request) (*models.Identity, error) {
	key := KeyFromRequest(r)
	if key == "" {
		return nil, nil
	}
	if !strings.HasPrefix(key, models.APIKeyPrefix) {
		// Wrong shape; never reaches the store.
		return nil, platerr.New(platerr.KindForbidden, "invalid API key")
	}

	rec, err := p.keys.GetAPIKey(r.Context(), key)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, platerr.New(platerr.KindForbidden, "invalid API key")
		}
		return nil, platerr.Wrap(platerr.KindInternal, err, "look up API key")
	}
	if !rec.IsActive {
		return nil, platerr.New(platerr.KindForbidden, "API key revoked")
	}

	// Usage tracking is best-effort.
	if err := p.keys.TouchAPIKey(r.Context(), key, time.Now()); err != nil {
		log.Warn().Err(err).Msg("Failed to record API key usage")
	}

	return &models.Identity{UserID: rec.UserID, Provider: p.Name()}, nil
}
