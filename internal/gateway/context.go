package gateway

import (
	"context"

	"github.com/orchestration-gateway/gateway/internal/store"
)

type contextKey string

const identityContextKey contextKey = "identity"

// identity is the resolved caller of an authenticated request: the
// user plus, for session-authenticated requests, the session carrying
// its CSRF token.
type identity struct {
	user    *store.User
	session *store.Session // nil for bearer-token authenticated requests
}

func withIdentity(ctx context.Context, id *identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func identityFromContext(ctx context.Context) *identity {
	id, _ := ctx.Value(identityContextKey).(*identity)
	return id
}
