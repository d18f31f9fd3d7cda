package notify

import "time"

// Lifecycle event names delivered to webhooks and the event bus.
const (
	EventCallInitiated    = "call.initiated"
	EventCallEnded        = "call.ended"
	EventDTMFReceived     = "dtmf.received"
	EventGatherStarted    = "gather.started"
	EventGatherProgress   = "gather.progress"
	EventGatherComplete   = "gather.complete"
	EventGatherTimeout    = "gather.timeout"
	EventRecordingStarted = "recording.started"
	EventRecordingStopped = "recording.stopped"
	EventTTSPlayed        = "tts.played"
)

// Event is one lifecycle notification for a call.
type Event struct {
	CallID string
	Name   string
	Fields map[string]any
	At     time.Time
}

// timestampLayout is ISO-8601 UTC with milliseconds.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Payload flattens the event into {callId, timestamp, event, ...fields}.
// The three envelope keys win over same-named fields.
func (e Event) Payload() map[string]any {
	out := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		out[k] = v
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	out["callId"] = e.CallID
	out["timestamp"] = at.UTC().Format(timestampLayout)
	out["event"] = e.Name
	return out
}
