package httpapi

import (
	"errors"
	"net/http"
	"sort"

	"voice-orchestrator/internal/accounts"
	"voice-orchestrator/internal/audit"
	"voice-orchestrator/internal/auth"
	"voice-orchestrator/internal/billing"
	"voice-orchestrator/internal/pricing"
	"voice-orchestrator/internal/routing"
	"voice-orchestrator/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// --- Auth ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AdminLogin exchanges admin credentials for a token pair.
func (h Handlers) AdminLogin(c *gin.Context) {
	if h.Login == nil {
		fail(c, http.StatusInternalServerError, "auth not configured")
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	pair, admin, err := h.Login.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			fail(c, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		logger.FromGin(c).Error("admin login failed", "err", err)
		fail(c, http.StatusInternalServerError, "Login failed")
		return
	}

	if h.Audit != nil {
		ctx := auth.WithIdentity(c.Request.Context(), admin.ID, "", admin.Role)
		h.Audit.LogAdminAction(ctx, audit.EventTypeAdminLogin, audit.Target{}, "admin "+admin.Username+" logged in", nil)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tokens": pair, "username": admin.Username, "role": admin.Role})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h Handlers) AdminRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		fail(c, http.StatusBadRequest, "refreshToken required")
		return
	}
	pair, err := h.Login.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		fail(c, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tokens": pair})
}

// --- API keys ---

type rateRequest struct {
	RatePerSecond *decimal.Decimal `json:"ratePerSecond"`
}

// SetRate changes a key's per-second rate. Calls already in flight keep the
// rate captured at origination.
func (h Handlers) SetRate(c *gin.Context) {
	id := c.Param("id")
	var req rateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RatePerSecond == nil {
		fail(c, http.StatusBadRequest, "ratePerSecond is required")
		return
	}
	rate := *req.RatePerSecond
	if err := pricing.ValidateRate(rate); err != nil {
		fail(c, http.StatusBadRequest, "ratePerSecond must be a non-negative number")
		return
	}

	ctx := c.Request.Context()
	before, err := h.Accounts.Get(ctx, id)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			fail(c, http.StatusNotFound, "API key not found")
			return
		}
		logger.FromGin(c).Error("key lookup failed", "api_key_id", id, "err", err)
		fail(c, http.StatusInternalServerError, "Failed to update rate")
		return
	}
	if err := h.Accounts.UpdateRate(ctx, id, rate); err != nil {
		logger.FromGin(c).Error("rate update failed", "api_key_id", id, "err", err)
		fail(c, http.StatusInternalServerError, "Failed to update rate")
		return
	}

	if h.Audit != nil {
		h.Audit.LogAdminAction(ctx, audit.EventTypeRateChanged, audit.Target{APIKeyID: id},
			"rate updated to "+rate.String()+"/sec",
			map[string]any{"old": before.RatePerSecond.String(), "new": rate.String()})
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"key":     gin.H{"id": id, "name": before.Name, "ratePerSecond": rate},
		"message": "Rate updated to $" + rate.String() + "/sec",
	})
}

type creditsRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// AddCredits tops up a key's balance through the ledger.
func (h Handlers) AddCredits(c *gin.Context) {
	id := c.Param("id")
	var req creditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !req.Amount.IsPositive() {
		fail(c, http.StatusBadRequest, "amount must be positive")
		return
	}

	ctx := c.Request.Context()
	tx, err := h.Billing.Credit(ctx, id, req.Amount, req.Description)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrAccountNotFound):
			fail(c, http.StatusNotFound, "API key not found")
		case errors.Is(err, billing.ErrInvalidArgument):
			fail(c, http.StatusBadRequest, err.Error())
		default:
			logger.FromGin(c).Error("credit failed", "api_key_id", id, "err", err)
			fail(c, http.StatusInternalServerError, "Failed to add credits")
		}
		return
	}

	if h.Audit != nil {
		h.Audit.LogAdminAction(ctx, audit.EventTypeCreditsAdded, audit.Target{APIKeyID: id},
			"credits added: "+req.Amount.String(),
			map[string]any{"amount": req.Amount.String(), "balanceAfter": tx.BalanceAfter.String(), "transactionId": tx.ID})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "transaction": tx, "credits": tx.BalanceAfter})
}

// --- Trunks ---

type trunkView struct {
	routing.Trunk
	Stats       routing.TrunkStats `json:"stats"`
	SuccessRate float64            `json:"successRate"`
}

func (h Handlers) ListTrunks(c *gin.Context) {
	stats := h.Trunks.Stats()
	trunks := h.Trunks.Trunks()
	out := make([]trunkView, 0, len(trunks))
	for _, t := range trunks {
		st := stats[t.Name]
		out = append(out, trunkView{Trunk: t, Stats: st, SuccessRate: st.SuccessRate()})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "trunks": out, "count": len(out)})
}

func writeTrunkError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, routing.ErrInvalidTrunk):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, routing.ErrDuplicateTrunk):
		fail(c, http.StatusConflict, err.Error())
	case errors.Is(err, routing.ErrTrunkNotFound):
		fail(c, http.StatusNotFound, err.Error())
	default:
		logger.FromGin(c).Error("trunk operation failed", "err", err)
		fail(c, http.StatusInternalServerError, "trunk operation failed")
	}
}

// AddTrunk stores a trunk and rebuilds the live pool.
func (h Handlers) AddTrunk(c *gin.Context) {
	var t routing.Trunk
	if err := c.ShouldBindJSON(&t); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	t.Enabled = true
	ctx := c.Request.Context()
	if err := h.TrunkRepo.Create(ctx, t); err != nil {
		writeTrunkError(c, err)
		return
	}
	if err := routing.Reload(ctx, h.Trunks, h.TrunkRepo, h.StaticTrunks); err != nil {
		writeTrunkError(c, err)
		return
	}
	if h.Audit != nil {
		h.Audit.LogAdminAction(ctx, audit.EventTypeTrunkAdded, audit.Target{TrunkName: t.Name},
			"trunk added: "+t.Name, map[string]any{"provider": t.Provider, "server": t.Server})
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "trunk": t, "totalTrunks": h.Trunks.Len()})
}

// DeleteTrunk removes a stored trunk and rebuilds the live pool.
// Calls already placed on it are unaffected.
func (h Handlers) DeleteTrunk(c *gin.Context) {
	name := c.Param("name")
	ctx := c.Request.Context()
	if err := h.TrunkRepo.Delete(ctx, name); err != nil {
		writeTrunkError(c, err)
		return
	}
	if err := routing.Reload(ctx, h.Trunks, h.TrunkRepo, h.StaticTrunks); err != nil {
		writeTrunkError(c, err)
		return
	}
	if h.Audit != nil {
		h.Audit.LogAdminAction(ctx, audit.EventTypeTrunkRemoved, audit.Target{TrunkName: name}, "trunk removed: "+name, nil)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "removed": name, "totalTrunks": h.Trunks.Len()})
}

type trunkStatsRow struct {
	Name string `json:"name"`
	routing.TrunkStats
	SuccessRate float64 `json:"successRate"`
}

// TrunkStats reports per-trunk origination outcomes, busiest first.
func (h Handlers) TrunkStats(c *gin.Context) {
	stats := h.Trunks.Stats()
	rows := make([]trunkStatsRow, 0, len(stats))
	for name, st := range stats {
		rows = append(rows, trunkStatsRow{Name: name, TrunkStats: st, SuccessRate: st.SuccessRate()})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalCalls == rows[j].TotalCalls {
			return rows[i].Name < rows[j].Name
		}
		return rows[i].TotalCalls > rows[j].TotalCalls
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": rows})
}
