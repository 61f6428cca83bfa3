// Package gateway implements the edge JWT verification filter and the
// reverse proxy that forwards trusted identity headers to the backend.
package gateway

import (
	"context"
	"crypto/rsa"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/tenantbridge/tenantbridge/internal/audit"
	"github.com/tenantbridge/tenantbridge/internal/config"
	"github.com/tenantbridge/tenantbridge/internal/identity"
)

// KeyFunc resolves the RSA public key for a token's key id.
type KeyFunc func(ctx context.Context, kid string) (*rsa.PublicKey, error)

// unauthorizedBody is the fixed response for every rejection. Deliberately
// generic: the caller must not learn which verification step failed.
const unauthorizedBody = `{"error":"Unauthorized","message":"Invalid or missing JWT token"}`

// PublicRoutes matches request paths that bypass authentication.
type PublicRoutes struct {
	exact    []string
	prefixes []string
}

// NewPublicRoutes builds the allow list from the built-in routes (health
// check, payment endpoints, webhook ingest) plus any configured extras.
func NewPublicRoutes(extra *config.PublicRoutes) *PublicRoutes {
	routes := &PublicRoutes{
		exact:    []string{"/api/health"},
		prefixes: []string{"/api/payments", "/api/webhooks"},
	}
	if extra != nil {
		routes.prefixes = append(routes.prefixes, extra.Prefixes...)
	}
	return routes
}

func (p *PublicRoutes) Match(path string) bool {
	for _, e := range p.exact {
		if path == e {
			return true
		}
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// VerificationMiddleware gates every request on a valid bearer JWT, except
// for allow-listed public routes. On success the request is rewritten with
// the trusted identity headers (replacing any inbound value, so a client can
// never smuggle its own); on failure the response is a fixed 401.
func VerificationMiddleware(cfg config.AuthorizationConfig, keys KeyFunc, public *PublicRoutes) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Identity headers only ever originate here.
			r.Header.Del(identity.HeaderUserID)
			r.Header.Del(identity.HeaderOrgID)

			if public.Match(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			raw, ok := bearerToken(r)
			if !ok {
				log.Warn().Str("path", r.URL.Path).Msg("missing or malformed Authorization header")
				unauthorized(w, r, "missing or malformed Authorization header")
				return
			}

			claims := jwt.MapClaims{}
			_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				kid, _ := t.Header["kid"].(string)
				if kid == "" {
					return nil, errors.New("token header missing kid")
				}
				return keys(r.Context(), kid)
			})
			if err != nil {
				log.Warn().Err(err).Str("path", r.URL.Path).Msg("JWT verification failed")
				unauthorized(w, r, err.Error())
				return
			}

			sub, err := claims.GetSubject()
			if err != nil || sub == "" {
				log.Warn().Str("path", r.URL.Path).Msg("JWT missing sub claim")
				unauthorized(w, r, "token missing sub claim")
				return
			}

			orgID, _ := claims["org_id"].(string)

			entry := audit.Log(r.Context())
			entry.Authorized = true
			entry.AuthSubject = sub
			entry.AuthOrg = orgID
			if iss, err := claims.GetIssuer(); err == nil {
				entry.AuthIssuer = iss
			}
			if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
				entry.AuthExpirySecs = exp.Unix()
			}

			r.Header.Set(identity.HeaderUserID, sub)
			r.Header.Set(identity.HeaderOrgID, orgID)

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := header[len(prefix):]
	if token == "" {
		return "", false
	}
	return token, true
}

// unauthorized writes the fixed rejection body. The caller-facing response
// never carries the reason; the audit entry does.
func unauthorized(w http.ResponseWriter, r *http.Request, reason string) {
	audit.Log(r.Context()).Error = reason

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(unauthorizedBody))
}
