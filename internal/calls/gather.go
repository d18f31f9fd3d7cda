package calls

import (
	"log/slog"
	"sync/atomic"
	"time"

	"voice-orchestrator/internal/notify"
)

const (
	DefaultGatherDigits  = 1
	DefaultGatherTimeout = 10 * time.Second
)

// GatherMachine collects DTMF digits for a session:
// Idle -> Collecting -> {Complete, TimedOut} -> Idle.
// Every armed timer carries a fresh generation; a callback whose generation
// no longer matches the session's gather is ignored.
type GatherMachine struct {
	reg      *Registry
	notifier Notifier
	clock    Clock
	log      *slog.Logger
	gen      atomic.Uint64
}

func NewGatherMachine(lc *Lifecycle) *GatherMachine {
	return &GatherMachine{
		reg:      lc.reg,
		notifier: lc.notifier,
		clock:    lc.clock,
		log:      lc.log,
	}
}

func (m *GatherMachine) arm(callID string, g *GatherState) {
	g.gen = m.gen.Add(1)
	gen := g.gen
	g.Deadline = m.clock.Now().Add(g.Timeout)
	g.timer = m.clock.AfterFunc(g.Timeout, func() { m.onTimeout(callID, gen) })
}

// Start replaces any active gather on the call.
func (m *GatherMachine) Start(callID string, numDigits int, timeout time.Duration, prompt string) error {
	if numDigits <= 0 {
		numDigits = DefaultGatherDigits
	}
	if timeout <= 0 {
		timeout = DefaultGatherTimeout
	}

	var snap Session
	ok := m.reg.Mutate(callID, func(s *Session) {
		if s.Gather != nil {
			stopTimer(s.Gather.timer)
		}
		g := &GatherState{
			NumDigits: numDigits,
			Timeout:   timeout,
			StartTime: m.clock.Now(),
			Prompt:    prompt,
		}
		m.arm(callID, g)
		s.Gather = g
		snap = s.clone()
	})
	if !ok {
		return ErrSessionNotFound
	}

	m.log.Debug("gather started", "call_id", callID, "num_digits", numDigits, "timeout_ms", timeout.Milliseconds())
	m.notifier.Notify(snap.WebhookURL, callID, notify.EventGatherStarted, map[string]any{
		"prompt":         prompt,
		"expectedDigits": numDigits,
		"timeoutMs":      timeout.Milliseconds(),
	})
	return nil
}

// Cancel clears an active gather without emitting an event.
func (m *GatherMachine) Cancel(callID string) {
	m.reg.Mutate(callID, func(s *Session) {
		if s.Gather != nil {
			stopTimer(s.Gather.timer)
			s.Gather = nil
		}
	})
}

// OnDigit feeds one digit into the active gather. It reports false when no
// gather is collecting.
func (m *GatherMachine) OnDigit(callID, digit string) bool {
	var (
		url       string
		collected string
		remaining int
		complete  bool
		active    bool
	)
	m.reg.Mutate(callID, func(s *Session) {
		g := s.Gather
		if g == nil {
			return
		}
		active = true
		url = s.WebhookURL
		stopTimer(g.timer)
		g.Digits += digit
		collected = g.Digits
		remaining = g.NumDigits - len(g.Digits)
		if remaining <= 0 {
			remaining = 0
			complete = true
			s.Gather = nil
			return
		}
		m.arm(callID, g)
	})
	if !active {
		return false
	}

	m.notifier.Notify(url, callID, notify.EventGatherProgress, map[string]any{
		"digit":     digit,
		"collected": collected,
		"remaining": remaining,
	})
	if complete {
		m.log.Info("gather complete", "call_id", callID, "digits", collected)
		m.notifier.Notify(url, callID, notify.EventGatherComplete, map[string]any{
			"digits": collected,
			"method": "digits_complete",
		})
	}
	return true
}

func (m *GatherMachine) onTimeout(callID string, gen uint64) {
	var (
		url   string
		state GatherState
		fired bool
	)
	m.reg.Mutate(callID, func(s *Session) {
		if s.Gather == nil || s.Gather.gen != gen {
			return
		}
		url = s.WebhookURL
		state = *s.Gather
		s.Gather = nil
		fired = true
	})
	if !fired {
		return
	}

	m.log.Info("gather timeout", "call_id", callID, "digits", state.Digits)
	m.notifier.Notify(url, callID, notify.EventGatherTimeout, map[string]any{
		"digits":   state.Digits,
		"method":   "timeout",
		"expected": state.NumDigits,
		"duration": m.clock.Now().Sub(state.StartTime).Milliseconds(),
	})
}
