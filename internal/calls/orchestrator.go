package calls

import (
	"context"
	"errors"
	"strings"
	"time"

	"voice-orchestrator/internal/accounts"
	"voice-orchestrator/internal/billing"
	"voice-orchestrator/internal/calllog"
	"voice-orchestrator/internal/notify"
	"voice-orchestrator/internal/routing"
	"voice-orchestrator/internal/telephony"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TrunkSource is the failover view of the trunk pool.
type TrunkSource interface {
	Len() int
	FailoverSequence() []routing.Trunk
	RecordOutcome(name string, success bool, latency time.Duration)
}

type OrchestratorOptions struct {
	App             string
	DefaultCallerID string
	DefaultVoice    string
	Context         string
	AMDContext      string
}

type OriginateRequest struct {
	Number      string
	CallerID    string
	WebhookURL  string
	UseAMD      bool
	VoiceName   string
	RingTimeout time.Duration
}

type OriginateResult struct {
	CallID      string
	Trunk       string
	Attempts    int
	TotalTrunks int
	RingTimeout time.Duration
	VoiceName   string
	UseAMD      bool
}

// Orchestrator places outbound calls with trunk failover.
type Orchestrator struct {
	lc   *Lifecycle
	pool TrunkSource
	opts OrchestratorOptions
}

func NewOrchestrator(lc *Lifecycle, pool TrunkSource, opts OrchestratorOptions) *Orchestrator {
	if opts.DefaultCallerID == "" {
		opts.DefaultCallerID = "1000"
	}
	if opts.DefaultVoice == "" {
		opts.DefaultVoice = "en-US-Neural2-A"
	}
	if opts.Context == "" {
		opts.Context = "internal"
	}
	if opts.AMDContext == "" {
		opts.AMDContext = "internal_amd"
	}
	return &Orchestrator{lc: lc, pool: pool, opts: opts}
}

func (o *Orchestrator) Originate(ctx context.Context, req OriginateRequest, acct accounts.Account) (OriginateResult, error) {
	req.Number = strings.TrimSpace(req.Number)
	if req.Number == "" {
		return OriginateResult{}, errors.Join(ErrInvalidRequest, errors.New("number is required"))
	}
	if !acct.HasCredits() {
		return OriginateResult{}, &CreditsError{Credits: acct.Credits}
	}
	total := o.pool.Len()
	if total == 0 {
		return OriginateResult{}, ErrNoTrunksAvailable
	}

	if req.CallerID == "" {
		req.CallerID = o.opts.DefaultCallerID
	}
	if req.VoiceName == "" {
		req.VoiceName = o.opts.DefaultVoice
	}
	if req.RingTimeout <= 0 {
		req.RingTimeout = o.lc.ringTimeout
	}

	slotHeld := false
	if o.lc.limiter != nil {
		ok, err := o.lc.limiter.Acquire(ctx, acct.ID)
		switch {
		case err != nil:
			o.lc.log.Warn("concurrency cap unavailable, allowing call", "api_key_id", acct.ID, "err", err)
		case !ok:
			return OriginateResult{}, ErrConcurrencyLimit
		default:
			slotHeld = true
		}
	}

	dialContext := o.opts.Context
	useAMD := "0"
	if req.UseAMD {
		dialContext = o.opts.AMDContext
		useAMD = "1"
	}

	var (
		attempted []string
		lastErr   error
	)
	for _, trunk := range o.pool.FailoverSequence() {
		attempted = append(attempted, trunk.Name)
		params := telephony.OriginateParams{
			Endpoint:  "PJSIP/" + req.Number + "@" + trunk.Name,
			Extension: req.Number,
			Context:   dialContext,
			CallerID:  req.CallerID,
			App:       o.opts.App,
			Variables: map[string]string{
				"WEBHOOK_URL": req.WebhookURL,
				"USE_AMD":     useAMD,
			},
		}

		start := o.lc.clock.Now()
		ch, err := o.lc.client.Originate(ctx, params)
		latency := o.lc.clock.Now().Sub(start)
		o.pool.RecordOutcome(trunk.Name, err == nil, latency)
		o.lc.metrics.CallOriginated(trunk.Name, err == nil)
		if err != nil {
			lastErr = err
			o.lc.log.Warn("originate attempt failed", "trunk", trunk.Name, "attempt", len(attempted), "number", req.Number, "err", err)
			continue
		}

		res := OriginateResult{
			CallID:      ch.ID,
			Trunk:       trunk.Name,
			Attempts:    len(attempted),
			TotalTrunks: total,
			RingTimeout: req.RingTimeout,
			VoiceName:   req.VoiceName,
			UseAMD:      req.UseAMD,
		}
		o.register(ctx, ch.ID, req, acct, res, slotHeld)
		return res, nil
	}

	o.lc.log.Error("origination failed on all trunks", "number", req.Number, "attempted", attempted, "err", lastErr)
	failed := failedEntry(o.lc.clock.Now(), req, acct, attempted)
	o.lc.writeLog(ctx, failed)
	if slotHeld {
		if err := o.lc.limiter.Release(ctx, acct.ID); err != nil {
			o.lc.log.Warn("release concurrency slot failed", "api_key_id", acct.ID, "err", err)
		}
	}
	return OriginateResult{}, &OriginationError{AttemptedTrunks: attempted, TotalTrunks: total, Err: lastErr}
}

// register records the new session, merging into one the event stream may
// already have created for the same channel.
func (o *Orchestrator) register(ctx context.Context, id string, req OriginateRequest, acct accounts.Account, res OriginateResult, slotHeld bool) {
	now := o.lc.clock.Now()
	s := &Session{
		ID:            id,
		Status:        StatusRinging,
		Number:        req.Number,
		CallerID:      req.CallerID,
		Trunk:         res.Trunk,
		TrunkAttempts: res.Attempts,
		APIKeyID:      acct.ID,
		RatePerSecond: acct.RatePerSecond,
		CallStartTime: now,
		AMD:           defaultAMD(),
		WebhookURL:    req.WebhookURL,
		VoiceName:     req.VoiceName,
		UseAMD:        req.UseAMD,
		slotHeld:      slotHeld,
	}
	err := o.lc.reg.Create(s)
	if errors.Is(err, ErrSessionEnded) {
		o.settleEnded(ctx, s)
		return
	}
	if errors.Is(err, ErrDuplicateSession) {
		o.lc.reg.Mutate(id, func(cur *Session) {
			cur.Number = s.Number
			cur.CallerID = s.CallerID
			cur.Trunk = s.Trunk
			cur.TrunkAttempts = s.TrunkAttempts
			cur.APIKeyID = s.APIKeyID
			cur.RatePerSecond = s.RatePerSecond
			cur.WebhookURL = s.WebhookURL
			cur.VoiceName = s.VoiceName
			cur.UseAMD = s.UseAMD
			cur.slotHeld = slotHeld
		})
	}
	o.lc.armRingTimer(id, res.RingTimeout)

	snap, ok := o.lc.reg.Get(id)
	if !ok {
		snap = *s
	}
	o.lc.writeLog(ctx, baseEntry(snap, StatusRinging))
	o.lc.log.Info("call initiated", "call_id", id, "number", req.Number, "trunk", res.Trunk, "attempts", res.Attempts, "api_key_id", acct.ID)
	o.lc.emit(snap, notify.EventCallInitiated, map[string]any{
		"status":             string(StatusRinging),
		"number":             req.Number,
		"useAmd":             req.UseAMD,
		"ringTimeoutSeconds": int64(res.RingTimeout / time.Second),
		"trunk":              res.Trunk,
		"trunkAttempts":      res.Attempts,
		"totalTrunks":        res.TotalTrunks,
	})
}

// settleEnded completes a call whose end the event stream processed before
// the origination registered it. The earlier pass had no account, so the
// charge, the keyed log row, the webhook and the slot are handled here.
func (o *Orchestrator) settleEnded(ctx context.Context, s *Session) {
	f, ok := o.lc.reg.Finished(s.ID)
	if !ok || f.APIKeyID != "" {
		return
	}
	o.lc.log.Warn("call ended before registration", "call_id", s.ID, "duration", f.Duration, "api_key_id", s.APIKeyID)

	reason := f.EndReason
	var billed *billing.Result
	if f.Duration > 0 && o.lc.biller != nil {
		res, err := o.lc.biller.BillCall(ctx, s.APIKeyID, s.ID, float64(f.Duration), s.RatePerSecond)
		if err != nil {
			reason = EndReasonBillingFailed
			o.lc.log.Error("billing failed", "call_id", s.ID, "api_key_id", s.APIKeyID, "duration", f.Duration, "err", err)
		} else {
			billed = &res
			o.lc.metrics.CallBilled(res.Cost)
		}
	}

	e := baseEntry(*s, f.Status)
	e.AMDStatus = f.AMD.Status
	e.RecordingFilename = f.Recording.Filename
	e.EndReason = reason
	e.AnsweredAt = f.AnsweredAt
	e.EndedAt = &f.EndedAt
	e.Duration = f.Duration
	if billed != nil {
		e.BillSeconds = billed.BillableSeconds
		e.BillCost = decimal.NewNullDecimal(billed.Cost)
	}
	o.lc.writeLog(ctx, e)

	o.lc.emit(*s, notify.EventCallEnded, map[string]any{
		"status":       string(f.Status),
		"endReason":    reason,
		"wasAnswered":  f.AnsweredAt != nil,
		"amd":          f.AMD,
		"recording":    f.Recording,
		"callDuration": f.Duration,
		"billing":      billingFields(billed),
	})

	if s.slotHeld && o.lc.limiter != nil {
		if err := o.lc.limiter.Release(ctx, s.APIKeyID); err != nil {
			o.lc.log.Warn("release concurrency slot failed", "call_id", s.ID, "api_key_id", s.APIKeyID, "err", err)
		}
	}
}

// failedEntry logs an origination that never produced a channel under a fresh id.
func failedEntry(now time.Time, req OriginateRequest, acct accounts.Account, attempted []string) calllog.Entry {
	e := calllog.Entry{
		CallID:     uuid.NewString(),
		APIKeyID:   acct.ID,
		Number:     req.Number,
		CallerID:   req.CallerID,
		Status:     string(StatusFailed),
		WebhookURL: req.WebhookURL,
		EndReason:  EndReasonOrigination,
		CreatedAt:  now,
		EndedAt:    &now,
	}
	if n := len(attempted); n > 0 {
		e.Trunk = attempted[n-1]
	}
	return e
}
