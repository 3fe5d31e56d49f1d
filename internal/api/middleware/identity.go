package middleware

import (
	"net/http"

	"github.com/a2agate/a2agate/internal/auth"
	"github.com/a2agate/a2agate/internal/platerr"
)

// Identity resolves the caller through the auth provider chain and
// attaches the result to the request context. Anonymous requests pass
// through; a present-but-invalid credential is rejected here.
func Identity(chain *auth.Chain) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := chain.Authenticate(r)
			if err != nil {
				http.Error(w, "invalid credentials", platerr.HTTPStatus(err))
				return
			}
			if identity != nil {
				r = r.WithContext(auth.WithIdentity(r.Context(), identity))
			}
			next.ServeHTTP(w, r)
		})
	}
}
