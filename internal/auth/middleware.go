package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"voice-orchestrator/internal/accounts"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// RoleAPIKey is the role carried by API-key principals.
const RoleAPIKey = "api_key"

func bearerToken(c *gin.Context) (string, bool) {
	raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
	if raw == "" || !strings.HasPrefix(raw, bearerPrefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(raw, bearerPrefix))
	return tok, tok != ""
}

// RequireAccessToken verifies an admin access token and injects identity into request context.
// It does not perform RBAC checks; those belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx := WithIdentity(c.Request.Context(), claims.AdminID, "", claims.Role)
		c.Request = c.Request.WithContext(ctx)

		// Also store on gin context for handler convenience.
		c.Set("user_id", claims.AdminID)
		c.Set("role", claims.Role)

		c.Next()
	}
}

// KeyLookup is the subset of accounts.Repository needed to authenticate API keys.
type KeyLookup interface {
	FindActiveByKey(ctx context.Context, key string) (accounts.Account, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// RequireAPIKey resolves "Authorization: Bearer <key>" to an active account.
// The account is stored on the gin context under "account".
func RequireAPIKey(repo KeyLookup, log *slog.Logger) gin.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(c *gin.Context) {
		key, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key required"})
			return
		}

		acct, err := repo.FindActiveByKey(c.Request.Context(), key)
		if err != nil {
			if errors.Is(err, accounts.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
				return
			}
			log.Error("api key lookup failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
			return
		}

		if err := repo.TouchLastUsed(c.Request.Context(), acct.ID, time.Now().UTC()); err != nil {
			log.Warn("touch last_used failed", "api_key_id", acct.ID, "err", err)
		}

		ctx := WithIdentity(c.Request.Context(), acct.ID, acct.ID, RoleAPIKey)
		c.Request = c.Request.WithContext(ctx)

		c.Set("user_id", acct.ID)
		c.Set("api_key_id", acct.ID)
		c.Set("role", RoleAPIKey)
		c.Set("account", acct)

		c.Next()
	}
}

// AccountFrom returns the account resolved by RequireAPIKey.
func AccountFrom(c *gin.Context) (accounts.Account, bool) {
	v, ok := c.Get("account")
	if !ok {
		return accounts.Account{}, false
	}
	a, ok := v.(accounts.Account)
	return a, ok
}
