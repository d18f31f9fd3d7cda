package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxAPIKeyID
	ctxRole
)

// WithIdentity stores the authenticated principal.
// For API-key callers userID and apiKeyID are the same; admins have no apiKeyID.
func WithIdentity(ctx context.Context, userID, apiKeyID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxAPIKeyID, apiKeyID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func UserID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxUserID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("user_id not in context")
}

func APIKeyID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxAPIKeyID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("api_key_id not in context")
}

func Role(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRole)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}
