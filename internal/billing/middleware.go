package billing

import (
	"context"
	"net/http"

	"voice-orchestrator/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// BalanceService is the minimal billing interface needed by middleware.
type BalanceService interface {
	Balance(ctx context.Context, apiKeyID string) (decimal.Decimal, error)
}

// RequireCredits blocks the request with 402 when the caller's balance is not positive.
// The API key must already be resolved into the request context.
func RequireCredits(svc BalanceService) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKeyID, err := auth.APIKeyID(c.Request.Context())
		if err != nil || apiKeyID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "api key required"})
			return
		}

		bal, err := svc.Balance(c.Request.Context(), apiKeyID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
			return
		}
		if !bal.IsPositive() {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":   "Insufficient credits",
				"credits": bal.String(),
			})
			return
		}

		c.Next()
	}
}
