package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"voice-orchestrator/internal/notify"
	"voice-orchestrator/internal/telephony"
)

// Dispatcher routes switch events to session transitions. Events for one
// call are processed in order; different calls proceed in parallel.
type Dispatcher struct {
	lc     *Lifecycle
	gather *GatherMachine
	// queueSize bounds each per-call worker queue.
	queueSize int
}

func NewDispatcher(lc *Lifecycle, gather *GatherMachine) *Dispatcher {
	return &Dispatcher{lc: lc, gather: gather, queueSize: 64}
}

func isTerminal(ev telephony.Event) bool {
	return ev.Type == telephony.EventStasisEnd || ev.Type == telephony.EventChannelDestroyed
}

// Run consumes events until ctx is done or events is closed, then waits for
// in-flight workers.
func (d *Dispatcher) Run(ctx context.Context, events <-chan telephony.Event) {
	var wg sync.WaitGroup
	workers := map[string]chan telephony.Event{}

	closeAll := func() {
		for id, q := range workers {
			close(q)
			delete(workers, id)
		}
		wg.Wait()
	}

	for {
		select {
		case <-ctx.Done():
			closeAll()
			return
		case ev, ok := <-events:
			if !ok {
				closeAll()
				return
			}
			id := ev.ChannelID()
			if id == "" || !ev.Handled() {
				continue
			}
			q, exists := workers[id]
			if !exists {
				q = make(chan telephony.Event, d.queueSize)
				workers[id] = q
				wg.Add(1)
				go func() {
					defer wg.Done()
					for ev := range q {
						d.Handle(ctx, ev)
					}
				}()
			}
			select {
			case q <- ev:
			case <-ctx.Done():
				closeAll()
				return
			}
			// The worker drains what it has and exits; a later event for the
			// same channel starts a fresh worker and finish stays at-most-once.
			if isTerminal(ev) {
				close(q)
				delete(workers, id)
			}
		}
	}
}

// Handle processes one event synchronously.
func (d *Dispatcher) Handle(ctx context.Context, ev telephony.Event) {
	id := ev.ChannelID()
	if id == "" {
		return
	}
	switch ev.Type {
	case telephony.EventStasisStart:
		d.onStasisStart(ctx, ev)
	case telephony.EventChannelStateChange:
		if ev.Channel.State == telephony.ChannelStateUp {
			d.lc.markAnswered(ctx, id)
		}
	case telephony.EventChannelDtmfReceived:
		d.onDTMF(ev)
	case telephony.EventStasisEnd:
		d.lc.finish(ctx, id, 0, "")
	case telephony.EventChannelDestroyed:
		d.lc.finish(ctx, id, ev.Cause, ev.CauseTxt)
	default:
		d.lc.log.Debug("ignored event", "type", ev.Type, "call_id", id)
	}
}

func (d *Dispatcher) onStasisStart(ctx context.Context, ev telephony.Event) {
	id := ev.ChannelID()
	s := &Session{
		ID:            id,
		Status:        StatusRinging,
		Number:        ev.Channel.Caller.Number,
		CallerID:      ev.Channel.Caller.Number,
		CallStartTime: d.lc.clock.Now(),
		AMD:           defaultAMD(),
	}
	switch err := d.lc.reg.Create(s); {
	case err == nil:
		d.lc.log.Info("session created from stasis start", "call_id", id, "number", s.Number)
	case errors.Is(err, ErrSessionEnded):
		d.lc.log.Debug("stasis start for ended call ignored", "call_id", id)
		return
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		d.startRecording(ctx, id)
	}()
	go func() {
		defer wg.Done()
		d.readAMD(ctx, id)
	}()
	go func() {
		defer wg.Done()
		if err := d.lc.client.Answer(ctx, id); err != nil {
			d.lc.log.Warn("answer failed", "call_id", id, "err", err)
			return
		}
		d.lc.markAnswered(ctx, id)
	}()
	wg.Wait()
}

func (d *Dispatcher) startRecording(ctx context.Context, id string) {
	bridgeID := "bridge-" + id
	if err := d.lc.client.CreateBridge(ctx, bridgeID); err != nil {
		d.lc.log.Warn("create bridge failed", "call_id", id, "err", err)
		return
	}
	d.lc.reg.Mutate(id, func(s *Session) { s.BridgeID = bridgeID })

	if err := d.lc.client.AddChannel(ctx, bridgeID, id); err != nil {
		d.lc.log.Warn("add channel to bridge failed", "call_id", id, "bridge_id", bridgeID, "err", err)
		return
	}

	name := fmt.Sprintf("call-%s-%d", id, d.lc.clock.Now().UnixMilli())
	params := telephony.DefaultRecordParams(name)
	rec, err := d.lc.client.RecordBridge(ctx, bridgeID, params)
	if err != nil {
		d.lc.log.Warn("start recording failed", "call_id", id, "err", err)
		return
	}
	recordingID := rec.Name
	if recordingID == "" {
		recordingID = name
	}
	filename := name + "." + params.Format

	var snap Session
	if !d.lc.reg.Mutate(id, func(s *Session) {
		s.Recording = Recording{Active: true, Filename: filename, RecordingID: recordingID}
		snap = s.clone()
	}) {
		return
	}
	d.lc.log.Info("recording started", "call_id", id, "filename", filename)
	d.lc.emit(snap, notify.EventRecordingStarted, map[string]any{
		"method":      "bridge",
		"filename":    filename,
		"recordingId": recordingID,
	})
}

func (d *Dispatcher) readAMD(ctx context.Context, id string) {
	amd := defaultAMD()
	status, err := d.lc.client.GetVariable(ctx, id, "AMDSTATUS")
	switch {
	case err != nil:
		amd.Status = AMDNone
	case status != "":
		amd.Status = status
		amd.Cause, _ = d.lc.client.GetVariable(ctx, id, "AMDCAUSE")
		amd.Confidence = confidenceFor(status)
	}
	d.lc.reg.Mutate(id, func(s *Session) { s.AMD = amd })
	d.lc.log.Debug("amd result", "call_id", id, "status", amd.Status, "cause", amd.Cause)
}

func (d *Dispatcher) onDTMF(ev telephony.Event) {
	id := ev.ChannelID()
	s, ok := d.lc.reg.Get(id)
	if !ok {
		return
	}
	d.lc.emit(s, notify.EventDTMFReceived, map[string]any{"digit": ev.Digit})
	if s.Gather != nil {
		d.gather.OnDigit(id, ev.Digit)
	}
}
