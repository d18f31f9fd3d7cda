package calls

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"voice-orchestrator/internal/accounts"
	"voice-orchestrator/internal/billing"
	"voice-orchestrator/internal/calllog"
	"voice-orchestrator/internal/routing"
	"voice-orchestrator/internal/telephony"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward, running due timers in deadline order outside the lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// fakeClient is an in-memory switch.
type fakeClient struct {
	mu sync.Mutex

	failTrunks map[string]bool
	nextID     int
	originated []telephony.OriginateParams

	vars map[string]string

	answerErr error
	hangupErr error
	playErr   error

	answered  []string
	hangups   []string
	bridges   []string
	destroyed []string
	plays     []string
	records   []telephony.RecordParams
	stopped   []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{failTrunks: map[string]bool{}, vars: map[string]string{}}
}

func notFound(op string) error { return &telephony.ProtocolError{Op: op, Status: 404} }

func (f *fakeClient) Originate(ctx context.Context, p telephony.OriginateParams) (telephony.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.originated = append(f.originated, p)
	trunk := p.Endpoint[strings.LastIndex(p.Endpoint, "@")+1:]
	if f.failTrunks[trunk] {
		return telephony.Channel{}, &telephony.ProtocolError{Op: "originate", Status: 500, Body: trunk + " down"}
	}
	f.nextID++
	return telephony.Channel{ID: fmt.Sprintf("chan-%d", f.nextID), State: "Down"}, nil
}

func (f *fakeClient) Answer(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answerErr != nil {
		return f.answerErr
	}
	f.answered = append(f.answered, channelID)
	return nil
}

func (f *fakeClient) Hangup(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, channelID)
	return f.hangupErr
}

func (f *fakeClient) GetVariable(ctx context.Context, channelID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vars[name]
	if !ok {
		return "", notFound("get variable")
	}
	return v, nil
}

func (f *fakeClient) PlayOnChannel(ctx context.Context, channelID, media, playbackID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.plays = append(f.plays, "channel:"+channelID+":"+media)
	return nil
}

func (f *fakeClient) CreateBridge(ctx context.Context, bridgeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridges = append(f.bridges, bridgeID)
	return nil
}

func (f *fakeClient) AddChannel(ctx context.Context, bridgeID, channelID string) error { return nil }

func (f *fakeClient) DestroyBridge(ctx context.Context, bridgeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, bridgeID)
	return nil
}

func (f *fakeClient) PlayOnBridge(ctx context.Context, bridgeID, media, playbackID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.plays = append(f.plays, "bridge:"+bridgeID+":"+media)
	return nil
}

func (f *fakeClient) RecordBridge(ctx context.Context, bridgeID string, p telephony.RecordParams) (telephony.LiveRecording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, p)
	return telephony.LiveRecording{Name: p.Name, Format: p.Format, State: "recording"}, nil
}

func (f *fakeClient) StopRecording(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

type clientCalls struct {
	originated []telephony.OriginateParams
	answered   []string
	hangups    []string
	bridges    []string
	destroyed  []string
	plays      []string
	records    []telephony.RecordParams
	stopped    []string
}

func (f *fakeClient) snapshot() clientCalls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return clientCalls{
		originated: append([]telephony.OriginateParams(nil), f.originated...),
		answered:   append([]string(nil), f.answered...),
		hangups:    append([]string(nil), f.hangups...),
		bridges:    append([]string(nil), f.bridges...),
		destroyed:  append([]string(nil), f.destroyed...),
		plays:      append([]string(nil), f.plays...),
		records:    append([]telephony.RecordParams(nil), f.records...),
		stopped:    append([]string(nil), f.stopped...),
	}
}

type sentEvent struct {
	url    string
	callID string
	name   string
	fields map[string]any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (n *recordingNotifier) Notify(url, callID, name string, fields map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{url: url, callID: callID, name: name, fields: fields})
}

func (n *recordingNotifier) named(name string) []sentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentEvent
	for _, e := range n.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

type fakeSynth struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (s *fakeSynth) Synthesize(ctx context.Context, callID, text, voice, suffix string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, callID+"|"+voice+"|"+suffix)
	if s.err != nil {
		return "", s.err
	}
	return "sound:" + callID + suffix, nil
}

type fakeLimiter struct {
	mu       sync.Mutex
	deny     bool
	acquired int
	released int
}

func (l *fakeLimiter) Acquire(ctx context.Context, apiKeyID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny {
		return false, nil
	}
	l.acquired++
	return true, nil
}

func (l *fakeLimiter) Release(ctx context.Context, apiKeyID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

type harness struct {
	clock   *fakeClock
	client  *fakeClient
	notes   *recordingNotifier
	ledger  *billing.MemoryLedger
	logs    *calllog.MemoryRepo
	limiter *fakeLimiter
	synth   *fakeSynth
	pool    *routing.TrunkPool

	lc     *Lifecycle
	gather *GatherMachine
	disp   *Dispatcher
	orch   *Orchestrator
	ctrl   *Controller

	acct accounts.Account
}

const testKey = "key-1"

func newHarness(t *testing.T, trunkNames ...string) *harness {
	t.Helper()
	h := &harness{
		clock:   newFakeClock(),
		client:  newFakeClient(),
		notes:   &recordingNotifier{},
		ledger:  billing.NewMemoryLedger(),
		logs:    calllog.NewMemoryRepo(),
		limiter: &fakeLimiter{},
		synth:   &fakeSynth{},
	}
	var trunks []routing.Trunk
	for _, n := range trunkNames {
		trunks = append(trunks, routing.Trunk{Name: n, Server: n + ".example.net", Enabled: true})
	}
	h.pool = routing.NewTrunkPool(trunks)

	h.acct = accounts.Account{ID: testKey, Active: true, Credits: d("10"), RatePerSecond: d("0.01")}
	h.ledger.SetAccount(testKey, d("10"), d("0.01"))

	h.lc = NewLifecycle(Deps{
		Client:   h.client,
		Notifier: h.notes,
		Billing:  billing.NewEngine(h.ledger, discardLogger()),
		CallLog:  h.logs,
		Limiter:  h.limiter,
		Clock:    h.clock,
		Log:      discardLogger(),
	})
	h.gather = NewGatherMachine(h.lc)
	h.disp = NewDispatcher(h.lc, h.gather)
	h.orch = NewOrchestrator(h.lc, h.pool, OrchestratorOptions{App: "voice-orchestrator"})
	h.ctrl = NewController(h.lc, h.gather, h.synth, "")
	return h
}

func (h *harness) originate(t *testing.T) string {
	t.Helper()
	res, err := h.orch.Originate(context.Background(), OriginateRequest{Number: "15551234567", WebhookURL: "http://hooks.test/cb"}, h.acct)
	if err != nil {
		t.Fatalf("originate: %v", err)
	}
	return res.CallID
}

func (h *harness) event(typ telephony.EventType, id string) telephony.Event {
	ev := telephony.Event{Type: typ, Application: "voice-orchestrator"}
	ev.Channel.ID = id
	return ev
}

func (h *harness) answer(t *testing.T, id string) {
	t.Helper()
	ev := h.event(telephony.EventChannelStateChange, id)
	ev.Channel.State = telephony.ChannelStateUp
	h.disp.Handle(context.Background(), ev)
}

func (h *harness) dtmf(id, digit string) {
	ev := h.event(telephony.EventChannelDtmfReceived, id)
	ev.Digit = digit
	h.disp.Handle(context.Background(), ev)
}
