package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"voice-orchestrator/internal/accounts"
	"voice-orchestrator/internal/audit"
	"voice-orchestrator/internal/auth"
	"voice-orchestrator/internal/billing"
	"voice-orchestrator/internal/calllog"
	"voice-orchestrator/internal/calls"
	"voice-orchestrator/internal/reporting"
	"voice-orchestrator/internal/routing"
	"voice-orchestrator/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Login    *auth.LoginService
	Accounts accounts.Repository
	Billing  *billing.Engine
	Audit    *audit.Service

	Orchestrator *calls.Orchestrator
	Controller   *calls.Controller

	Trunks       *routing.TrunkPool
	TrunkRepo    routing.Repository
	StaticTrunks []routing.Trunk

	CallLogRepo calllog.Repository
	Reports     *reporting.Service

	RecordingsDir string
	// Health reports database and switch reachability; nil means always healthy.
	Health func(ctx context.Context) error
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg})
}

// writeCallError maps call orchestration errors to HTTP responses.
func writeCallError(c *gin.Context, err error) {
	var orig *calls.OriginationError
	var credits *calls.CreditsError
	switch {
	case errors.As(err, &credits):
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
			"success": false,
			"error":   "Insufficient credits",
			"credits": credits.Credits,
		})
	case errors.Is(err, calls.ErrNoTrunksAvailable):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "No trunks assigned. Please assign at least one trunk.",
			"code":    "NO_TRUNKS_ASSIGNED",
		})
	case errors.Is(err, calls.ErrConcurrencyLimit):
		fail(c, http.StatusTooManyRequests, "Concurrent call limit reached")
	case errors.As(err, &orig):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
			"success":         false,
			"error":           err.Error(),
			"code":            "ORIGINATION_FAILED",
			"attemptedTrunks": orig.AttemptedTrunks,
			"totalTrunks":     orig.TotalTrunks,
		})
	case errors.Is(err, calls.ErrSessionNotFound):
		fail(c, http.StatusNotFound, "Call not found")
	case errors.Is(err, calls.ErrNoActiveRecording):
		fail(c, http.StatusBadRequest, "No active recording")
	case calls.IsClientError(err):
		fail(c, http.StatusBadRequest, err.Error())
	default:
		logger.FromGin(c).Error("call operation failed", "path", c.FullPath(), "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "call operation failed",
			"details": err.Error(),
		})
	}
}

func mustAccount(c *gin.Context) (accounts.Account, bool) {
	acct, ok := auth.AccountFrom(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "API key required")
		return accounts.Account{}, false
	}
	return acct, true
}

// parseTime accepts RFC3339 or a bare date.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", v)
}

func queryInt(c *gin.Context, key string) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Healthz reports liveness plus the number of calls in flight.
func (h Handlers) Healthz(c *gin.Context) {
	active := 0
	if h.Controller != nil {
		active = h.Controller.Active()
	}
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "status": "degraded", "error": err.Error(), "activeCalls": active})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": "healthy", "activeCalls": active})
}

// Me returns the calling key's account view.
func (h Handlers) Me(c *gin.Context) {
	acct, ok := mustAccount(c)
	if !ok {
		return
	}
	credits := acct.Credits
	if h.Billing != nil {
		if bal, err := h.Billing.Balance(c.Request.Context(), acct.ID); err == nil {
			credits = bal
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"id":            acct.ID,
		"name":          acct.Name,
		"credits":       credits,
		"ratePerSecond": acct.RatePerSecond,
		"rateLimit":     acct.RateLimit,
		"activeCalls":   len(h.Controller.List(acct.ID)),
	})
}

func (h Handlers) callLogFilter(c *gin.Context) (calllog.Filter, bool) {
	from, err := parseTime(c.Query("from"))
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid from")
		return calllog.Filter{}, false
	}
	to, err := parseTime(c.Query("to"))
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid to")
		return calllog.Filter{}, false
	}
	return calllog.Filter{
		Status: c.Query("status"),
		From:   from,
		To:     to,
		Limit:  queryInt(c, "limit"),
		Offset: queryInt(c, "offset"),
	}, true
}

// CallLogs lists the caller's persisted call records.
func (h Handlers) CallLogs(c *gin.Context) {
	acct, ok := mustAccount(c)
	if !ok {
		return
	}
	f, ok := h.callLogFilter(c)
	if !ok {
		return
	}
	f.APIKeyID = acct.ID
	h.listCallLogs(c, f)
}

// AdminCallLogs lists call records across keys, optionally narrowed by apiKeyId.
func (h Handlers) AdminCallLogs(c *gin.Context) {
	f, ok := h.callLogFilter(c)
	if !ok {
		return
	}
	f.APIKeyID = c.Query("apiKeyId")
	h.listCallLogs(c, f)
}

func (h Handlers) listCallLogs(c *gin.Context, f calllog.Filter) {
	logs, err := h.CallLogRepo.List(c.Request.Context(), f)
	if err != nil {
		logger.FromGin(c).Error("call log list failed", "err", err)
		fail(c, http.StatusInternalServerError, "Failed to load call logs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "logs": logs, "count": len(logs)})
}

// ReportSummary aggregates the caller's calls and spend over a window.
func (h Handlers) ReportSummary(c *gin.Context) {
	acct, ok := mustAccount(c)
	if !ok {
		return
	}
	from, err := parseTime(c.Query("from"))
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid from")
		return
	}
	to, err := parseTime(c.Query("to"))
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid to")
		return
	}
	out, err := h.Reports.Summary(c.Request.Context(), reporting.SummaryRequest{
		APIKeyID: acct.ID,
		Range:    reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			fail(c, http.StatusBadRequest, "invalid time range")
			return
		}
		logger.FromGin(c).Error("report summary failed", "err", err)
		fail(c, http.StatusInternalServerError, "Failed to build report")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "summary": out})
}
