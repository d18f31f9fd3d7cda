package calls

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"voice-orchestrator/internal/billing"
	"voice-orchestrator/internal/calllog"
	"voice-orchestrator/internal/notify"
	"voice-orchestrator/internal/telephony"

	"github.com/shopspring/decimal"
)

// Notifier delivers lifecycle events. Implementations must not block.
type Notifier interface {
	Notify(url, callID, name string, fields map[string]any)
}

type Biller interface {
	BillCall(ctx context.Context, apiKeyID, callID string, rawSeconds float64, rateHint decimal.Decimal) (billing.Result, error)
}

type CallLogger interface {
	Upsert(ctx context.Context, e calllog.Entry) error
}

// ConcurrencyLimiter caps simultaneous calls per API key.
type ConcurrencyLimiter interface {
	Acquire(ctx context.Context, apiKeyID string) (bool, error)
	Release(ctx context.Context, apiKeyID string) error
}

// Recorder receives call counters for metrics.
type Recorder interface {
	CallOriginated(trunk string, success bool)
	CallEnded(status, endReason string)
	CallBilled(cost decimal.Decimal)
}

// Deps are the collaborators shared by the dispatcher, orchestrator and controller.
type Deps struct {
	Client   telephony.Client
	Registry *Registry
	Notifier Notifier
	Billing  Biller
	CallLog  CallLogger
	Limiter  ConcurrencyLimiter
	Metrics  Recorder
	Clock    Clock
	Log      *slog.Logger

	// RingTimeout applies when an origination does not set its own.
	RingTimeout time.Duration
}

const (
	DefaultRingTimeout = 30 * time.Second
	ioTimeout          = 10 * time.Second
)

// Lifecycle owns the transitions every component shares: answering, the ring
// timer and end-of-call processing.
type Lifecycle struct {
	client      telephony.Client
	reg         *Registry
	notifier    Notifier
	biller      Biller
	callLog     CallLogger
	limiter     ConcurrencyLimiter
	metrics     Recorder
	clock       Clock
	log         *slog.Logger
	ringTimeout time.Duration
}

func NewLifecycle(d Deps) *Lifecycle {
	if d.Registry == nil {
		d.Registry = NewRegistry()
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Metrics == nil {
		d.Metrics = nopRecorder{}
	}
	if d.Clock == nil {
		d.Clock = RealClock()
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.RingTimeout <= 0 {
		d.RingTimeout = DefaultRingTimeout
	}
	return &Lifecycle{
		client:      d.Client,
		reg:         d.Registry,
		notifier:    d.Notifier,
		biller:      d.Billing,
		callLog:     d.CallLog,
		limiter:     d.Limiter,
		metrics:     d.Metrics,
		clock:       d.Clock,
		log:         d.Log,
		ringTimeout: d.RingTimeout,
	}
}

func (l *Lifecycle) Registry() *Registry { return l.reg }

type nopNotifier struct{}

func (nopNotifier) Notify(string, string, string, map[string]any) {}

type nopRecorder struct{}

func (nopRecorder) CallOriginated(string, bool) {}
func (nopRecorder) CallEnded(string, string)    {}
func (nopRecorder) CallBilled(decimal.Decimal)  {}

func (l *Lifecycle) emit(s Session, name string, fields map[string]any) {
	l.notifier.Notify(s.WebhookURL, s.ID, name, fields)
}

func (l *Lifecycle) writeLog(ctx context.Context, e calllog.Entry) {
	if l.callLog == nil {
		return
	}
	if err := l.callLog.Upsert(ctx, e); err != nil {
		l.log.Error("call log upsert failed", "call_id", e.CallID, "status", e.Status, "err", err)
	}
}

func baseEntry(s Session, status Status) calllog.Entry {
	return calllog.Entry{
		CallID:     s.ID,
		APIKeyID:   s.APIKeyID,
		Number:     s.Number,
		CallerID:   s.CallerID,
		Status:     string(status),
		WebhookURL: s.WebhookURL,
		Trunk:      s.Trunk,
		CreatedAt:  s.CallStartTime,
	}
}

// armRingTimer starts the no-answer timer for a ringing session.
func (l *Lifecycle) armRingTimer(id string, d time.Duration) {
	if d <= 0 {
		d = l.ringTimeout
	}
	l.reg.Mutate(id, func(s *Session) {
		if s.Status != StatusRinging || s.ending {
			return
		}
		stopTimer(s.ringTimer)
		s.ringTimer = l.clock.AfterFunc(d, func() { l.onRingTimeout(id) })
	})
}

func (l *Lifecycle) onRingTimeout(id string) {
	var (
		snap  Session
		fired bool
	)
	l.reg.Mutate(id, func(s *Session) {
		if s.Status != StatusRinging || s.ending {
			return
		}
		s.Status = StatusNoAnswer
		s.ringTimer = nil
		snap = s.clone()
		fired = true
	})
	if !fired {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()

	l.log.Info("ring timeout", "call_id", id)
	e := baseEntry(snap, StatusNoAnswer)
	e.EndReason = EndReasonNoAnswer
	l.writeLog(ctx, e)

	if err := l.client.Hangup(ctx, id); err != nil {
		l.log.Warn("ring timeout hangup failed, finalizing locally", "call_id", id, "err", err)
		l.finish(ctx, id, 0, "")
	}
}

// markAnswered is the idempotent Answered transition.
func (l *Lifecycle) markAnswered(ctx context.Context, id string) bool {
	var (
		snap    Session
		changed bool
	)
	l.reg.Mutate(id, func(s *Session) {
		if s.AnsweredAt != nil || s.ending || s.Status == StatusNoAnswer {
			return
		}
		now := l.clock.Now()
		s.AnsweredAt = &now
		s.Status = StatusAnswered
		stopTimer(s.ringTimer)
		s.ringTimer = nil
		snap = s.clone()
		changed = true
	})
	if !changed {
		return false
	}
	l.log.Info("call answered", "call_id", id)
	e := baseEntry(snap, StatusAnswered)
	e.AnsweredAt = snap.AnsweredAt
	l.writeLog(ctx, e)
	return true
}

const (
	EndReasonAnswered      = "answered_then_ended"
	EndReasonNoAnswer      = "no_answer"
	EndReasonBusy          = "busy"
	EndReasonRejected      = "rejected"
	EndReasonNormalHangup  = "normal_hangup"
	EndReasonBillingFailed = "billing_failed"
	EndReasonOrigination   = "origination_failed"
)

// Q.850 hangup causes that refine the end reason.
const (
	causeNormalClearing = 16
	causeUserBusy       = 17
	causeNoUserResponse = 18
	causeNoAnswer       = 19
	causeCallRejected   = 21
)

var causeText = map[int]string{
	causeNormalClearing: "Normal Clearing",
	causeUserBusy:       "User busy",
	causeNoUserResponse: "No user responding",
	causeNoAnswer:       "No answer",
	causeCallRejected:   "Call Rejected",
}

// classify derives the final status and end reason from the billed duration and hangup cause.
func classify(duration int64, cause int) (Status, string) {
	status, reason := StatusNoAnswer, EndReasonNoAnswer
	if duration > 0 {
		status, reason = StatusCompleted, EndReasonAnswered
	}
	switch cause {
	case causeUserBusy:
		return StatusNoAnswer, EndReasonBusy
	case causeNoUserResponse, causeNoAnswer:
		return StatusNoAnswer, EndReasonNoAnswer
	case causeCallRejected:
		return StatusNoAnswer, EndReasonRejected
	case causeNormalClearing:
		if status == StatusCompleted {
			reason = EndReasonNormalHangup
		}
	}
	return status, reason
}

// callDuration is whole seconds since answer, rounded up; zero when never answered.
func callDuration(answeredAt *time.Time, now time.Time) int64 {
	if answeredAt == nil {
		return 0
	}
	secs := now.Sub(*answeredAt).Seconds()
	if secs <= 0 {
		return 0
	}
	return int64(math.Ceil(secs))
}

// finish runs end-of-call processing at most once per session.
func (l *Lifecycle) finish(ctx context.Context, id string, cause int, causeTxt string) {
	var (
		snap        Session
		claimed     bool
		ringTimer   Timer
		gatherTimer Timer
	)
	l.reg.Mutate(id, func(s *Session) {
		if s.ending {
			return
		}
		s.ending = true
		claimed = true
		ringTimer, s.ringTimer = s.ringTimer, nil
		if s.Gather != nil {
			gatherTimer = s.Gather.timer
			s.Gather = nil
		}
		snap = s.clone()
	})
	if !claimed {
		return
	}
	stopTimer(ringTimer)
	stopTimer(gatherTimer)

	// Once claimed, teardown, billing and the log write complete even when
	// the caller's context is cancelled by shutdown.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ioTimeout)
	defer cancel()

	now := l.clock.Now()
	duration := callDuration(snap.AnsweredAt, now)

	if cause == 0 {
		cause = l.readHangupCause(ctx, id)
	}
	status, reason := classify(duration, cause)
	hangupCause, hangupText := "normal", "normal"
	if cause > 0 {
		hangupCause = strconv.Itoa(cause)
		hangupText = causeTxt
		if hangupText == "" {
			hangupText = causeText[cause]
		}
		if hangupText == "" {
			hangupText = "normal"
		}
	}

	if snap.BridgeID != "" {
		if err := l.client.DestroyBridge(ctx, snap.BridgeID); err != nil && !telephony.IsNotFound(err) {
			l.log.Warn("destroy bridge failed", "call_id", id, "bridge_id", snap.BridgeID, "err", err)
		}
	}

	var billed *billing.Result
	if duration > 0 && snap.APIKeyID != "" && l.biller != nil {
		var first bool
		l.reg.Mutate(id, func(s *Session) {
			if !s.CreditDeducted {
				s.CreditDeducted = true
				first = true
			}
		})
		if first {
			res, err := l.biller.BillCall(ctx, snap.APIKeyID, id, float64(duration), snap.RatePerSecond)
			if err != nil {
				reason = EndReasonBillingFailed
				l.log.Error("billing failed", "call_id", id, "api_key_id", snap.APIKeyID, "duration", duration, "err", err)
			} else {
				billed = &res
				l.metrics.CallBilled(res.Cost)
			}
		}
	}

	e := baseEntry(snap, status)
	e.AMDStatus = snap.AMD.Status
	e.RecordingFilename = snap.Recording.Filename
	e.EndReason = reason
	e.EndedAt = &now
	e.Duration = duration
	e.AnsweredAt = snap.AnsweredAt
	if billed != nil {
		e.BillSeconds = billed.BillableSeconds
		e.BillCost = decimal.NewNullDecimal(billed.Cost)
	}
	l.writeLog(ctx, e)

	fields := map[string]any{
		"status":          string(status),
		"endReason":       reason,
		"hangupCause":     hangupCause,
		"hangupCauseText": hangupText,
		"wasAnswered":     snap.AnsweredAt != nil,
		"amd":             snap.AMD,
		"recording":       snap.Recording,
		"callDuration":    duration,
		"billing":         billingFields(billed),
	}
	l.emit(snap, notify.EventCallEnded, fields)
	l.metrics.CallEnded(string(status), reason)

	if snap.slotHeld && l.limiter != nil {
		if err := l.limiter.Release(ctx, snap.APIKeyID); err != nil {
			l.log.Warn("release concurrency slot failed", "call_id", id, "api_key_id", snap.APIKeyID, "err", err)
		}
	}

	l.reg.bury(id, Finished{
		APIKeyID:   snap.APIKeyID,
		Status:     status,
		EndReason:  reason,
		Duration:   duration,
		AnsweredAt: snap.AnsweredAt,
		EndedAt:    now,
		AMD:        snap.AMD,
		Recording:  snap.Recording,
	})
	l.log.Info("call ended", "call_id", id, "status", status, "end_reason", reason, "duration", duration, "hangup_cause", hangupCause)
}

func (l *Lifecycle) readHangupCause(ctx context.Context, id string) int {
	v, err := l.client.GetVariable(ctx, id, "HANGUPCAUSE")
	if err != nil || v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// billingFields is nil for unbilled calls so the event carries a JSON null.
func billingFields(r *billing.Result) any {
	if r == nil {
		return nil
	}
	return map[string]any{
		"billableSeconds": r.BillableSeconds,
		"ratePerSecond":   r.RatePerSecond.String(),
		"cost":            r.Cost.String(),
		"balanceAfter":    r.BalanceAfter.String(),
	}
}
