package principalctx

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// PrincipalContextKey is the request context key for the calling principal ID.
type PrincipalContextKey struct{}

// ActorContextKey is the request context key for the elevated actor on admin routes.
type ActorContextKey struct{}

// WithPrincipalID stores the principal ID in the context.
func WithPrincipalID(ctx context.Context, principalID snowflake.ID) context.Context {
	return context.WithValue(ctx, PrincipalContextKey{}, principalID)
}

// PrincipalIDFromContext returns the principal ID from context, if set.
func PrincipalIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}

	switch typed := ctx.Value(PrincipalContextKey{}).(type) {
	case snowflake.ID:
		return typed, true
	case int64:
		return snowflake.ID(typed), true
	case string:
		parsed, err := snowflake.ParseString(strings.TrimSpace(typed))
		if err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// WithActor stores the administrative actor identity in the context.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorContextKey{}, strings.TrimSpace(actor))
}

// ActorFromContext returns the administrative actor identity, if set.
func ActorFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	actor, ok := ctx.Value(ActorContextKey{}).(string)
	if !ok || actor == "" {
		return "", false
	}
	return actor, true
}
