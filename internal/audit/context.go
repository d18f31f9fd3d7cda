package audit

import (
	"context"

	"voice-orchestrator/internal/auth"

	"github.com/gin-gonic/gin"
)

type clientIPKey struct{}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func ClientIPFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(clientIPKey{}).(string); ok {
		return s
	}
	return ""
}

// CaptureClientIP attaches gin's resolved client IP to the request context.
func CaptureClientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}

// Actor identifies who performed an audited action.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

// ActorFromContext reads the authenticated identity and client IP.
func ActorFromContext(ctx context.Context) Actor {
	a := Actor{IP: ClientIPFromContext(ctx)}
	a.UserID, _ = auth.UserID(ctx)
	a.Role, _ = auth.Role(ctx)
	return a
}
