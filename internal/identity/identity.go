// Package identity establishes the backend's view of the caller from the
// trusted headers written by the gateway.
//
// The backend performs no cryptographic check of its own: the headers are
// trusted because the gateway is the only network path to this service. When
// a shared secret is configured the transport marker makes that assumption
// enforceable rather than implicit.
package identity

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/rs/zerolog/log"
)

const (
	// HeaderUserID carries the external user id of the verified caller.
	HeaderUserID = "X-User-Id"
	// HeaderOrgID carries the external organization id, empty when the token
	// carried none.
	HeaderOrgID = "X-Org-Id"
	// HeaderGatewayToken is the transport marker proving the request
	// traversed the gateway.
	HeaderGatewayToken = "X-Gateway-Token"
)

// RoleAuthenticated is the single generic role granted on header presence.
// Organization-scoped roles are resolved later against the store.
const RoleAuthenticated = "USER"

// Principal is the authenticated caller derived from the gateway headers.
type Principal struct {
	UserID string
	OrgID  string
	Role   string
}

type contextKey struct{}

// FromContext returns the Principal established by Middleware, or nil when
// the request arrived unauthenticated.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextKey{}).(*Principal)
	return p
}

// ContextWithPrincipal is exposed for handler tests.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// Middleware derives the request principal from the trusted headers. A
// request without a user id proceeds unauthenticated; route policy decides
// whether that is acceptable. When sharedSecret is non-empty, requests
// lacking the matching gateway token are rejected outright.
func Middleware(sharedSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sharedSecret != "" {
				token := r.Header.Get(HeaderGatewayToken)
				if subtle.ConstantTimeCompare([]byte(token), []byte(sharedSecret)) != 1 {
					log.Warn().Str("path", r.URL.Path).Msg("request missing gateway transport marker")
					http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
					return
				}
			}

			userID := r.Header.Get(HeaderUserID)
			if userID == "" {
				log.Debug().Str("path", r.URL.Path).Msg("no identity headers; proceeding unauthenticated")
				next.ServeHTTP(w, r)
				return
			}

			principal := &Principal{
				UserID: userID,
				OrgID:  r.Header.Get(HeaderOrgID),
				Role:   RoleAuthenticated,
			}

			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// Require wraps a handler that must have an authenticated principal,
// rejecting with 401 otherwise.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
