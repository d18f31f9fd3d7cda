package calls

import (
	"context"
	"errors"
	"testing"
	"time"

	"voice-orchestrator/internal/billing"
	"voice-orchestrator/internal/calllog"
	"voice-orchestrator/internal/notify"
	"voice-orchestrator/internal/telephony"
)

func TestOriginate_FailsOverAcrossThreeTrunks(t *testing.T) {
	h := newHarness(t, "a", "b", "c")
	h.client.failTrunks["a"] = true
	h.client.failTrunks["b"] = true

	res, err := h.orch.Originate(context.Background(), OriginateRequest{Number: "15551234567", UseAMD: true}, h.acct)
	if err != nil {
		t.Fatalf("originate: %v", err)
	}
	if res.Trunk != "c" || res.Attempts != 3 || res.TotalTrunks != 3 {
		t.Fatalf("unexpected result %+v", res)
	}

	calls := h.client.snapshot()
	if len(calls.originated) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(calls.originated))
	}
	p := calls.originated[2]
	if p.Endpoint != "PJSIP/15551234567@c" || p.Context != "internal_amd" || p.Variables["USE_AMD"] != "1" || p.CallerID != "1000" || p.App != "voice-orchestrator" {
		t.Fatalf("unexpected originate params %+v", p)
	}

	stats := h.pool.Stats()
	if stats["a"].FailedCalls != 1 || stats["b"].FailedCalls != 1 || stats["c"].SuccessCalls != 1 {
		t.Fatalf("unexpected trunk stats %+v", stats)
	}

	s, ok := h.lc.reg.Get(res.CallID)
	if !ok || s.Status != StatusRinging || s.Trunk != "c" || s.TrunkAttempts != 3 || s.APIKeyID != testKey {
		t.Fatalf("unexpected session %+v", s)
	}
	if !s.RatePerSecond.Equal(d("0.01")) {
		t.Fatalf("rate snapshot not captured: %s", s.RatePerSecond)
	}

	initiated := h.notes.named(notify.EventCallInitiated)
	if len(initiated) != 1 {
		t.Fatalf("expected call.initiated, got %d", len(initiated))
	}
	f := initiated[0].fields
	if f["trunk"] != "c" || f["trunkAttempts"] != 3 || f["totalTrunks"] != 3 || f["ringTimeoutSeconds"] != int64(30) || f["useAmd"] != true {
		t.Fatalf("unexpected call.initiated fields %+v", f)
	}
	if e, _ := h.logs.Get(res.CallID); e.Status != "ringing" || e.Trunk != "c" {
		t.Fatalf("unexpected call log %+v", e)
	}
}

func TestOriginate_EachTrunkTriedOnce(t *testing.T) {
	h := newHarness(t, "a", "b", "c")
	for _, n := range []string{"a", "b", "c"} {
		h.client.failTrunks[n] = true
	}

	_, err := h.orch.Originate(context.Background(), OriginateRequest{Number: "100"}, h.acct)
	var oe *OriginationError
	if !errors.As(err, &oe) {
		t.Fatalf("expected OriginationError, got %v", err)
	}
	if !errors.Is(err, ErrOriginationFailed) || !errors.Is(err, telephony.ErrProtocol) {
		t.Fatalf("error should match ErrOriginationFailed and wrap the switch error: %v", err)
	}
	seen := map[string]bool{}
	for _, name := range oe.AttemptedTrunks {
		if seen[name] {
			t.Fatalf("trunk %s attempted twice", name)
		}
		seen[name] = true
	}
	if len(oe.AttemptedTrunks) != 3 || oe.TotalTrunks != 3 {
		t.Fatalf("unexpected error %+v", oe)
	}

	failed, _ := h.logs.List(context.Background(), calllog.Filter{Status: "failed"})
	if len(failed) != 1 || failed[0].EndReason != EndReasonOrigination {
		t.Fatalf("expected one failed log entry, got %+v", failed)
	}
	if h.limiter.acquired != 1 || h.limiter.released != 1 {
		t.Fatalf("slot must be released on failure: %+v", h.limiter)
	}
	if h.lc.reg.Count() != 0 {
		t.Fatalf("no session should be registered")
	}
}

func TestOriginate_ConsecutiveCallsRotateStartTrunk(t *testing.T) {
	h := newHarness(t, "a", "b", "c")
	var got []string
	for i := 0; i < 3; i++ {
		res, err := h.orch.Originate(context.Background(), OriginateRequest{Number: "100"}, h.acct)
		if err != nil {
			t.Fatalf("originate: %v", err)
		}
		got = append(got, res.Trunk)
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("expected round robin a,b,c got %v", got)
	}
}

func TestOriginate_Rejections(t *testing.T) {
	h := newHarness(t, "a")

	broke := h.acct
	broke.Credits = d("0")
	if _, err := h.orch.Originate(context.Background(), OriginateRequest{Number: "100"}, broke); !errors.Is(err, billing.ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}

	if _, err := h.orch.Originate(context.Background(), OriginateRequest{}, h.acct); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}

	empty := newHarness(t)
	if _, err := empty.orch.Originate(context.Background(), OriginateRequest{Number: "100"}, empty.acct); !errors.Is(err, ErrNoTrunksAvailable) {
		t.Fatalf("expected ErrNoTrunksAvailable, got %v", err)
	}

	h.limiter.deny = true
	if _, err := h.orch.Originate(context.Background(), OriginateRequest{Number: "100"}, h.acct); !errors.Is(err, ErrConcurrencyLimit) {
		t.Fatalf("expected ErrConcurrencyLimit, got %v", err)
	}
	if n := len(h.client.snapshot().originated); n != 0 {
		t.Fatalf("rejected originations must not reach the switch, got %d", n)
	}
}

func TestOriginate_MergesWithEarlierStasisSession(t *testing.T) {
	h := newHarness(t, "a")
	early := h.event(telephony.EventStasisStart, "chan-1")
	h.disp.Handle(context.Background(), early)

	res, err := h.orch.Originate(context.Background(), OriginateRequest{Number: "100", WebhookURL: "http://hooks.test"}, h.acct)
	if err != nil {
		t.Fatalf("originate: %v", err)
	}
	if res.CallID != "chan-1" {
		t.Fatalf("expected chan-1, got %s", res.CallID)
	}
	s, _ := h.lc.reg.Get("chan-1")
	if s.APIKeyID != testKey || s.WebhookURL != "http://hooks.test" || s.Trunk != "a" || s.Status != StatusAnswered {
		t.Fatalf("unexpected merged session %+v", s)
	}
}

func TestOriginate_CallEndedBeforeRegistrationIsSettled(t *testing.T) {
	h := newHarness(t, "a")
	// The fake switch names the first channel chan-1; its events win the race.
	h.disp.Handle(context.Background(), h.event(telephony.EventStasisStart, "chan-1"))
	h.clock.Advance(20 * time.Second)
	h.disp.Handle(context.Background(), h.event(telephony.EventStasisEnd, "chan-1"))
	if n := len(h.ledger.Transactions(testKey)); n != 0 {
		t.Fatalf("unkeyed end must not bill, got %d", n)
	}

	res, err := h.orch.Originate(context.Background(), OriginateRequest{Number: "15551234567", WebhookURL: "http://hooks.test/cb"}, h.acct)
	if err != nil || res.CallID != "chan-1" {
		t.Fatalf("originate: %+v %v", res, err)
	}

	if h.lc.reg.Count() != 0 {
		t.Fatalf("ended call must not be revived, registry has %d", h.lc.reg.Count())
	}
	if n := h.clock.pending(); n != 0 {
		t.Fatalf("expected no ring timer, got %d pending timers", n)
	}
	txs := h.ledger.Transactions(testKey)
	if len(txs) != 1 || !txs[0].Amount.Equal(d("0.20")) {
		t.Fatalf("expected 20s charged, got %+v", txs)
	}
	e, _ := h.logs.Get("chan-1")
	if e.Status != "completed" || e.APIKeyID != testKey || e.Duration != 20 || !e.BillCost.Valid {
		t.Fatalf("unexpected call log %+v", e)
	}
	var hooked []sentEvent
	for _, ev := range h.notes.named(notify.EventCallEnded) {
		if ev.url != "" {
			hooked = append(hooked, ev)
		}
	}
	if len(hooked) != 1 || hooked[0].fields["status"] != "completed" {
		t.Fatalf("expected one call.ended to the webhook, got %+v", hooked)
	}
	if h.limiter.released != 1 {
		t.Fatalf("expected slot released, got %d", h.limiter.released)
	}

	h.clock.Advance(time.Minute)
	if n := len(h.client.snapshot().hangups); n != 0 {
		t.Fatalf("unexpected hangups %d", n)
	}
}
