package middleware

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"flowerfund/internal/common/api"
)

// Role is the coarse permission class the identity gateway assigns.
type Role string

const (
	RoleUser    Role = "USER"
	RoleFlorist Role = "FLORIST"
	RoleAdmin   Role = "ADMIN"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleFlorist, RoleAdmin:
		return true
	}
	return false
}

// Actor is the authenticated caller resolved upstream.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Identity headers set by the gateway in front of this service.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

type actorKey struct{}

// GetActor retrieves the resolved actor from context
func GetActor(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// WithActor returns a copy of ctx carrying a.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// Identity trusts the actor headers set by the gateway. Requests without
// them pass through anonymously; a malformed role is rejected.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderActorID))
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}

		role := Role(strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderActorRole))))
		if !role.Valid() {
			api.WriteError(w, http.StatusUnauthorized, errCodeUnauthorized, "invalid actor role")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), Actor{ID: id, Role: role})))
	})
}

// RequireRole rejects anonymous callers and callers whose role is not listed.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := GetActor(r.Context())
			switch {
			case !ok:
				api.WriteError(w, http.StatusUnauthorized, errCodeUnauthorized, "actor identity is required")
			case len(roles) > 0 && !slices.Contains(roles, actor.Role):
				api.FailureForbidden.Write(w, "role "+string(actor.Role)+" not permitted")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}
