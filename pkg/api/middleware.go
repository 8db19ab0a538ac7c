package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/dpxrk/pactwise-approvals/pkg/auth"
	"github.com/dpxrk/pactwise-approvals/pkg/ratelimit"
)

// Header names populated by the API gateway in front of this service.
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderActorID  = "X-Actor-ID"
	HeaderRoles    = "X-Actor-Roles"
)

// publicPaths are endpoints that do not require a principal.
var publicPaths = []string{
	"/health",
	"/readiness",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// PrincipalMiddleware extracts the tenant and actor from gateway headers and
// attaches a Principal to the request context. Requests without a tenant are
// rejected (fail closed) except on public paths.
func PrincipalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		tenantID := r.Header.Get(HeaderTenantID)
		if tenantID == "" {
			WriteUnauthorized(w, "Missing "+HeaderTenantID+" header")
			return
		}

		principal := &auth.BasePrincipal{
			ID:       r.Header.Get(HeaderActorID),
			TenantID: tenantID,
		}
		if roles := r.Header.Get(HeaderRoles); roles != "" {
			for _, role := range strings.Split(roles, ",") {
				if role = strings.TrimSpace(role); role != "" {
					principal.Roles = append(principal.Roles, role)
				}
			}
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// RateLimitMiddleware enforces per-actor rate limiting at the HTTP layer.
// The actor id comes from the authenticated Principal (falls back to remote
// IP). On rate limit exceeded, it returns 429 with a Retry-After header.
func RateLimitMiddleware(store ratelimit.Store, policy ratelimit.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Fail open if no store configured (dev mode)
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := r.RemoteAddr
			if principal, err := auth.GetPrincipal(r.Context()); err == nil {
				actorID = fmt.Sprintf("%s/%s", principal.GetTenantID(), principal.GetID())
			}

			allowed, err := store.Allow(r.Context(), actorID, policy, 1)
			if err != nil {
				// Fail open on limiter errors to avoid blocking all traffic
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				retryAfter := 60 / policy.RPM
				if retryAfter < 1 {
					retryAfter = 1
				}
				WriteTooManyRequests(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
