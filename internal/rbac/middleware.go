package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// Headers set by the authenticating gateway in front of the ledger API.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}

// Middleware wires actor resolution and role checks for HTTP handlers.
type Middleware struct {
	Logger *slog.Logger
}

// ResolveActor reads the actor headers and stores the actor in context. Requests
// without headers continue anonymously; malformed headers are rejected.
func (m Middleware) ResolveActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawID := strings.TrimSpace(r.Header.Get(HeaderActorID))
		rawRole := strings.TrimSpace(r.Header.Get(HeaderActorRole))
		if rawID == "" && rawRole == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil || id <= 0 {
			m.warn("rbac parse actor id", slog.String("value", rawID))
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		role, err := ParseRole(rawRole)
		if err != nil {
			m.warn("rbac parse actor role", slog.String("value", rawRole))
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		ctx := ContextWithActor(r.Context(), Actor{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole ensures the current actor meets the min tier.
func (m Middleware) RequireRole(min Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok || !actor.Identified() {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			if !actor.Role.AtLeast(min) {
				m.warn("rbac require role", slog.Int64("actor_id", actor.ID), slog.String("role", actor.Role.String()), slog.String("required", min.String()))
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) warn(msg string, attrs ...any) {
	if m.Logger != nil {
		m.Logger.Warn(msg, attrs...)
	}
}
