package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"voice-orchestrator/internal/accounts"
	"voice-orchestrator/internal/audit"
	"voice-orchestrator/internal/auth"
	"voice-orchestrator/internal/billing"
	"voice-orchestrator/internal/calllog"
	"voice-orchestrator/internal/calls"
	"voice-orchestrator/internal/config"
	"voice-orchestrator/internal/httpapi"
	"voice-orchestrator/internal/metrics"
	"voice-orchestrator/internal/ratelimit"
	"voice-orchestrator/internal/reporting"
	"voice-orchestrator/internal/routing"
	"voice-orchestrator/internal/telephony"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type fakeSwitch struct {
	mu         sync.Mutex
	failTrunks map[string]bool
	n          int
	hangups    []string
}

func (f *fakeSwitch) Originate(ctx context.Context, p telephony.OriginateParams) (telephony.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	trunk := p.Endpoint[strings.LastIndex(p.Endpoint, "@")+1:]
	if f.failTrunks[trunk] {
		return telephony.Channel{}, &telephony.ProtocolError{Op: "originate", Status: 500}
	}
	f.n++
	return telephony.Channel{ID: fmt.Sprintf("chan-%d", f.n)}, nil
}

func (f *fakeSwitch) Hangup(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, channelID)
	return nil
}

func (f *fakeSwitch) GetVariable(ctx context.Context, channelID, name string) (string, error) {
	return "", &telephony.ProtocolError{Op: "variable", Status: 404}
}

func (f *fakeSwitch) RecordBridge(ctx context.Context, bridgeID string, p telephony.RecordParams) (telephony.LiveRecording, error) {
	return telephony.LiveRecording{Name: p.Name, Format: p.Format}, nil
}

func (f *fakeSwitch) Answer(context.Context, string) error                       { return nil }
func (f *fakeSwitch) PlayOnChannel(context.Context, string, string, string) error { return nil }
func (f *fakeSwitch) CreateBridge(context.Context, string) error                  { return nil }
func (f *fakeSwitch) AddChannel(context.Context, string, string) error            { return nil }
func (f *fakeSwitch) DestroyBridge(context.Context, string) error                 { return nil }
func (f *fakeSwitch) PlayOnBridge(context.Context, string, string, string) error  { return nil }
func (f *fakeSwitch) StopRecording(context.Context, string) error                 { return nil }
func (f *fakeSwitch) Ping(context.Context) error                                  { return nil }

type stubSynth struct{}

func (stubSynth) Synthesize(ctx context.Context, callID, text, voice, suffix string) (string, error) {
	return "sound:" + callID + suffix, nil
}

type testServer struct {
	router   *gin.Engine
	sw       *fakeSwitch
	pool     *routing.TrunkPool
	accounts *accounts.MemoryRepo
	ledger   *billing.MemoryLedger
	audit    *audit.MemoryRepo
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestServer(t *testing.T, trunks ...string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mgr, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		JWTIssuer:       "issuer",
		JWTAudience:     "aud",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	hash, err := auth.HashPassword("pw")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	admins := auth.NewMemoryAdminRepo(auth.Admin{ID: "a1", Username: "root", PasswordHash: hash, Role: "admin", Active: true})

	acctRepo := accounts.NewMemoryRepo(
		accounts.Account{ID: "k1", Key: "key-1", Name: "acme", Active: true, Credits: d("10"), RatePerSecond: d("0.01")},
		accounts.Account{ID: "k2", Key: "key-2", Name: "broke", Active: true, Credits: decimal.Zero, RatePerSecond: d("0.01")},
	)
	ledger := billing.NewMemoryLedger()
	ledger.SetAccount("k1", d("10"), d("0.01"))
	ledger.SetAccount("k2", decimal.Zero, d("0.01"))
	engine := billing.NewEngine(ledger, nil)

	var static []routing.Trunk
	for _, name := range trunks {
		static = append(static, routing.Trunk{Name: name, Enabled: true})
	}
	pool := routing.NewTrunkPool(static)
	trunkRepo := routing.NewMemoryRepo()

	sw := &fakeSwitch{failTrunks: map[string]bool{}}
	callLogs := calllog.NewMemoryRepo()
	auditRepo := audit.NewMemoryRepo()

	registry := calls.NewRegistry()
	collector := metrics.NewCollector(registry, pool, time.Now())
	metricsHandler, err := metrics.Handler(collector)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	lc := calls.NewLifecycle(calls.Deps{
		Client:      sw,
		Registry:    registry,
		Billing:     engine,
		CallLog:     callLogs,
		Metrics:     collector,
		RingTimeout: time.Hour,
	})
	gather := calls.NewGatherMachine(lc)

	r := gin.New()
	r.Use(audit.CaptureClientIP())
	registerRoutes(r, routeDeps{
		Handlers: httpapi.Handlers{
			Login:         auth.NewLoginService(admins, mgr),
			Accounts:      acctRepo,
			Billing:       engine,
			Audit:         audit.NewService(auditRepo, nil),
			Orchestrator:  calls.NewOrchestrator(lc, pool, calls.OrchestratorOptions{App: "voice"}),
			Controller:    calls.NewController(lc, gather, stubSynth{}, ""),
			Trunks:        pool,
			TrunkRepo:     trunkRepo,
			StaticTrunks:  static,
			CallLogRepo:   callLogs,
			Reports:       reporting.NewService(callLogs, ledger),
			RecordingsDir: t.TempDir(),
		},
		Auth:    mgr,
		Keys:    acctRepo,
		Limiter: ratelimit.New(ratelimit.Config{PerHour: 1000}),
		Metrics: metricsHandler,
	})

	return &testServer{router: r, sw: sw, pool: pool, accounts: acctRepo, ledger: ledger, audit: auditRepo}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	out := map[string]any{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func (s *testServer) originate(t *testing.T, key string) string {
	t.Helper()
	w, out := s.do(t, http.MethodPost, "/v1/calls", key, map[string]any{"number": "15551234567"})
	if w.Code != http.StatusOK {
		t.Fatalf("originate: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	id, _ := out["callId"].(string)
	if id == "" {
		t.Fatalf("expected callId in %v", out)
	}
	return id
}

func (s *testServer) adminToken(t *testing.T) string {
	t.Helper()
	w, out := s.do(t, http.MethodPost, "/v1/admin/login", "", map[string]any{"username": "root", "password": "pw"})
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	tokens, _ := out["tokens"].(map[string]any)
	tok, _ := tokens["accessToken"].(string)
	if tok == "" {
		t.Fatalf("expected access token in %v", out)
	}
	return tok
}

func TestRoutes_OriginateAndStatus(t *testing.T) {
	s := newTestServer(t, "t1", "t2")
	id := s.originate(t, "key-1")

	w, out := s.do(t, http.MethodGet, "/v1/calls/"+id, "key-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", w.Code)
	}
	call, _ := out["call"].(map[string]any)
	if call["status"] != "ringing" {
		t.Fatalf("expected ringing, got %v", call["status"])
	}

	// Another key cannot see the call.
	if w, _ := s.do(t, http.MethodGet, "/v1/calls/"+id, "key-2", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign key, got %d", w.Code)
	}

	w, out = s.do(t, http.MethodGet, "/v1/calls", "key-1", nil)
	if w.Code != http.StatusOK || out["activeCalls"] != float64(1) {
		t.Fatalf("expected one active call, got %d %v", w.Code, out)
	}
}

func TestRoutes_OriginateRejections(t *testing.T) {
	s := newTestServer(t, "t1", "t2")

	if w, _ := s.do(t, http.MethodPost, "/v1/calls", "", map[string]any{"number": "1"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", w.Code)
	}
	if w, _ := s.do(t, http.MethodPost, "/v1/calls", "nope", map[string]any{"number": "1"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", w.Code)
	}
	if w, _ := s.do(t, http.MethodPost, "/v1/calls", "key-2", map[string]any{"number": "1"}); w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 for empty balance, got %d", w.Code)
	}
	if w, _ := s.do(t, http.MethodPost, "/v1/calls", "key-1", map[string]any{}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without number, got %d", w.Code)
	}

	s.sw.failTrunks["t1"] = true
	s.sw.failTrunks["t2"] = true
	w, out := s.do(t, http.MethodPost, "/v1/calls", "key-1", map[string]any{"number": "1"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 when all trunks fail, got %d", w.Code)
	}
	if out["code"] != "ORIGINATION_FAILED" {
		t.Fatalf("expected ORIGINATION_FAILED, got %v", out["code"])
	}
	if attempted, _ := out["attemptedTrunks"].([]any); len(attempted) != 2 || out["totalTrunks"] != float64(2) {
		t.Fatalf("unexpected failover report: %v", out)
	}
}

func TestRoutes_NoTrunks(t *testing.T) {
	s := newTestServer(t)
	w, out := s.do(t, http.MethodPost, "/v1/calls", "key-1", map[string]any{"number": "1"})
	if w.Code != http.StatusServiceUnavailable || out["code"] != "NO_TRUNKS_ASSIGNED" {
		t.Fatalf("expected 503 NO_TRUNKS_ASSIGNED, got %d %v", w.Code, out)
	}
}

func TestRoutes_CallControl(t *testing.T) {
	s := newTestServer(t, "t1")
	id := s.originate(t, "key-1")
	base := "/v1/calls/" + id

	if w, _ := s.do(t, http.MethodPost, base+"/voice", "key-1", map[string]any{"text": "  "}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty text, got %d", w.Code)
	}
	w, out := s.do(t, http.MethodPost, base+"/voice", "key-1", map[string]any{"text": strings.Repeat("a", 60)})
	if w.Code != http.StatusOK {
		t.Fatalf("voice: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if text, _ := out["text"].(string); text != strings.Repeat("a", 50)+"..." {
		t.Fatalf("expected truncated text, got %q", text)
	}

	if w, _ := s.do(t, http.MethodPost, base+"/play", "key-1", map[string]any{"file": "../etc/passwd"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for traversal, got %d", w.Code)
	}

	w, out = s.do(t, http.MethodPost, base+"/gather", "key-1", map[string]any{"text": "Enter PIN", "numDigits": 4, "timeout": 5000})
	if w.Code != http.StatusOK {
		t.Fatalf("gather: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if out["expectedDigits"] != float64(4) || out["timeoutMs"] != float64(5000) {
		t.Fatalf("unexpected gather response: %v", out)
	}

	if w, _ := s.do(t, http.MethodPost, base+"/recording/stop", "key-1", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without an active recording, got %d", w.Code)
	}

	if w, _ := s.do(t, http.MethodPost, base+"/hangup", "key-2", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 hanging up a foreign call, got %d", w.Code)
	}
	if w, _ := s.do(t, http.MethodPost, base+"/hangup", "key-1", nil); w.Code != http.StatusOK {
		t.Fatalf("hangup: expected 200, got %d", w.Code)
	}
	if len(s.sw.hangups) != 1 || s.sw.hangups[0] != id {
		t.Fatalf("expected switch hangup for %s, got %v", id, s.sw.hangups)
	}
}

func TestRoutes_AccountViews(t *testing.T) {
	s := newTestServer(t, "t1")
	s.originate(t, "key-1")

	w, out := s.do(t, http.MethodGet, "/v1/me", "key-1", nil)
	if w.Code != http.StatusOK || out["id"] != "k1" || out["activeCalls"] != float64(1) {
		t.Fatalf("unexpected /me: %d %v", w.Code, out)
	}

	w, out = s.do(t, http.MethodGet, "/v1/call-logs", "key-1", nil)
	if w.Code != http.StatusOK || out["count"] != float64(1) {
		t.Fatalf("expected one call log, got %d %v", w.Code, out)
	}
	_, out = s.do(t, http.MethodGet, "/v1/call-logs", "key-2", nil)
	if out["count"] != float64(0) {
		t.Fatalf("expected logs scoped to key, got %v", out)
	}

	if w, _ := s.do(t, http.MethodGet, "/v1/reports/summary", "key-1", nil); w.Code != http.StatusOK {
		t.Fatalf("summary: expected 200, got %d", w.Code)
	}
	if w, _ := s.do(t, http.MethodGet, "/v1/reports/summary?from=bad", "key-1", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad from, got %d", w.Code)
	}
	if w, _ := s.do(t, http.MethodGet, "/v1/recordings", "key-1", nil); w.Code != http.StatusOK {
		t.Fatalf("recordings: expected 200, got %d", w.Code)
	}
}

func TestRoutes_AdminTrunks(t *testing.T) {
	s := newTestServer(t, "static-1")

	if w, _ := s.do(t, http.MethodPost, "/v1/admin/login", "", map[string]any{"username": "root", "password": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", w.Code)
	}
	tok := s.adminToken(t)

	if w, _ := s.do(t, http.MethodGet, "/v1/admin/trunks", "key-1", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected API key rejected on admin routes, got %d", w.Code)
	}

	w, _ := s.do(t, http.MethodPost, "/v1/admin/trunks", tok, map[string]any{"name": "twilio-us", "provider": "twilio"})
	if w.Code != http.StatusCreated {
		t.Fatalf("add trunk: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if s.pool.Len() != 2 {
		t.Fatalf("expected pool reload to 2 trunks, got %d", s.pool.Len())
	}
	if w, _ := s.do(t, http.MethodPost, "/v1/admin/trunks", tok, map[string]any{"name": "twilio-us"}); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate trunk, got %d", w.Code)
	}
	if w, _ := s.do(t, http.MethodPost, "/v1/admin/trunks", tok, map[string]any{"name": "bad name"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid trunk, got %d", w.Code)
	}

	w, out := s.do(t, http.MethodGet, "/v1/admin/trunks", tok, nil)
	if w.Code != http.StatusOK || out["count"] != float64(2) {
		t.Fatalf("unexpected trunk list: %d %v", w.Code, out)
	}

	if w, _ := s.do(t, http.MethodDelete, "/v1/admin/trunks/twilio-us", tok, nil); w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", w.Code)
	}
	if s.pool.Len() != 1 {
		t.Fatalf("expected pool back to 1 trunk, got %d", s.pool.Len())
	}
	if w, _ := s.do(t, http.MethodDelete, "/v1/admin/trunks/twilio-us", tok, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting a missing trunk, got %d", w.Code)
	}
	if w, _ := s.do(t, http.MethodGet, "/v1/admin/trunks/stats", tok, nil); w.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", w.Code)
	}

	var types []audit.EventType
	for _, e := range s.audit.Events() {
		types = append(types, e.Type)
	}
	want := []audit.EventType{audit.EventTypeAdminLogin, audit.EventTypeTrunkAdded, audit.EventTypeTrunkRemoved}
	if len(types) != len(want) {
		t.Fatalf("expected audit events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected audit events %v, got %v", want, types)
		}
	}
	if s.audit.Events()[1].ActorUserID != "a1" {
		t.Fatalf("expected admin actor, got %q", s.audit.Events()[1].ActorUserID)
	}
}

func TestRoutes_AdminRateAndCredits(t *testing.T) {
	s := newTestServer(t, "t1")
	tok := s.adminToken(t)

	if w, _ := s.do(t, http.MethodPost, "/v1/admin/keys/k1/rate", tok, map[string]any{"ratePerSecond": "0.02"}); w.Code != http.StatusOK {
		t.Fatalf("rate: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	acct, err := s.accounts.Get(context.Background(), "k1")
	if err != nil || !acct.RatePerSecond.Equal(d("0.02")) {
		t.Fatalf("expected stored rate 0.02, got %v (%v)", acct.RatePerSecond, err)
	}
	if w, _ := s.do(t, http.MethodPost, "/v1/admin/keys/k1/rate", tok, map[string]any{"ratePerSecond": "-1"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative rate, got %d", w.Code)
	}
	if w, _ := s.do(t, http.MethodPost, "/v1/admin/keys/k1/rate", tok, map[string]any{}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing rate, got %d", w.Code)
	}
	if w, _ := s.do(t, http.MethodPost, "/v1/admin/keys/missing/rate", tok, map[string]any{"ratePerSecond": "0.02"}); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown key, got %d", w.Code)
	}

	if w, _ := s.do(t, http.MethodPost, "/v1/admin/keys/k1/credits", tok, map[string]any{"amount": "5"}); w.Code != http.StatusOK {
		t.Fatalf("credits: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	bal, err := s.ledger.Balance(context.Background(), "k1")
	if err != nil || !bal.Equal(d("15")) {
		t.Fatalf("expected balance 15, got %s (%v)", bal, err)
	}
	if w, _ := s.do(t, http.MethodPost, "/v1/admin/keys/k1/credits", tok, map[string]any{"amount": "0"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero amount, got %d", w.Code)
	}
}

func TestRoutes_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t, "t1")

	w, out := s.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK || out["status"] != "healthy" {
		t.Fatalf("unexpected health: %d %v", w.Code, out)
	}
	w, _ = s.do(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "voice_active_calls") {
		t.Fatalf("expected metrics exposition, got %d", w.Code)
	}
}
