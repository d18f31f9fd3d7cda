package main

import (
	"net/http"

	"voice-orchestrator/internal/auth"
	"voice-orchestrator/internal/billing"
	"voice-orchestrator/internal/httpapi"
	"voice-orchestrator/internal/ratelimit"
	"voice-orchestrator/internal/rbac"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	Handlers httpapi.Handlers
	Auth     *auth.Manager
	Keys     auth.KeyLookup
	Limiter  *ratelimit.KeyedLimiter
	Metrics  http.Handler
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	h := d.Handlers

	// public
	r.GET("/healthz", h.Healthz)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}

	v1 := r.Group("/v1")

	// Admin token issuance is public but IP rate limited.
	v1.POST("/admin/login", d.Limiter.Middleware(), h.AdminLogin)
	v1.POST("/admin/refresh", d.Limiter.Middleware(), h.AdminRefresh)

	// API key surface: call control and the caller's own history.
	api := v1.Group("")
	api.Use(auth.RequireAPIKey(d.Keys, nil))
	api.Use(rbac.RequirePrincipal())
	api.Use(d.Limiter.Middleware())
	{
		api.POST("/calls", billing.RequireCredits(h.Billing), h.Originate)
		api.GET("/calls", h.ListCalls)
		api.GET("/calls/:call_id", h.CallStatus)
		api.POST("/calls/:call_id/hangup", h.Hangup)
		api.POST("/calls/:call_id/voice", h.Voice)
		api.POST("/calls/:call_id/play", h.Play)
		api.POST("/calls/:call_id/gather", h.Gather)
		api.POST("/calls/:call_id/recording/stop", h.StopRecording)

		api.GET("/recordings", h.Recordings)
		api.GET("/me", h.Me)
		api.GET("/call-logs", h.CallLogs)
		api.GET("/reports/summary", h.ReportSummary)
	}

	// ADMIN routes
	// API keys never reach these; only admin and super_admin tokens do.
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAccessToken(d.Auth))
	admin.Use(rbac.RequirePrincipal())
	admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleSuperAdmin))
	{
		admin.POST("/keys/:id/rate", h.SetRate)
		admin.POST("/keys/:id/credits", h.AddCredits)

		admin.GET("/trunks", h.ListTrunks)
		admin.POST("/trunks", h.AddTrunk)
		admin.DELETE("/trunks/:name", h.DeleteTrunk)
		admin.GET("/trunks/stats", h.TrunkStats)

		admin.GET("/call-logs", h.AdminCallLogs)
	}
}
