package middleware

import (
	"context"

	"github.com/upb/ai-execution-gateway/services/providers"
)

// Context key type to avoid collisions
type contextKey string

const (
	// IdentityKey is the context key for the resolved caller identity
	IdentityKey contextKey = "identity"
)

// Identity is the caller a request is accounted to
type Identity struct {
	CallerID      string         `json:"caller_id"`
	Tier          providers.Tier `json:"tier"`
	Authenticated bool           `json:"authenticated"`
}

// GetIdentityFromContext retrieves the caller identity from context
func GetIdentityFromContext(ctx context.Context) *Identity {
	if val := ctx.Value(IdentityKey); val != nil {
		if identity, ok := val.(*Identity); ok {
			return identity
		}
	}
	return nil
}

// WithIdentity adds a caller identity to the context
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}
