package telephony

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventStasisStart         EventType = "StasisStart"
	EventStasisEnd           EventType = "StasisEnd"
	EventChannelStateChange  EventType = "ChannelStateChange"
	EventChannelDtmfReceived EventType = "ChannelDtmfReceived"
	EventChannelDestroyed    EventType = "ChannelDestroyed"
)

// ChannelStateUp is the channel state reported once the far end answers.
const ChannelStateUp = "Up"

// Event is a decoded call-control event. Fields not used by a given type are empty.
type Event struct {
	Type        EventType `json:"type"`
	Application string    `json:"application"`
	Timestamp   time.Time `json:"-"`
	Channel     Channel   `json:"channel"`
	Args        []string  `json:"args,omitempty"`

	// ChannelDtmfReceived
	Digit string `json:"digit,omitempty"`

	// ChannelDestroyed
	Cause    int    `json:"cause,omitempty"`
	CauseTxt string `json:"cause_txt,omitempty"`
}

// ChannelID is the call id every event is keyed by.
func (e Event) ChannelID() string { return e.Channel.ID }

// Handled reports whether the orchestration layer consumes this event type.
func (e Event) Handled() bool {
	switch e.Type {
	case EventStasisStart, EventStasisEnd, EventChannelStateChange, EventChannelDtmfReceived, EventChannelDestroyed:
		return true
	default:
		return false
	}
}

// ariTimeLayout is the timestamp format used on the event socket.
const ariTimeLayout = "2006-01-02T15:04:05.000-0700"

// DecodeEvent parses one event frame.
func DecodeEvent(data []byte) (Event, error) {
	var raw struct {
		Event
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	ev := raw.Event
	if raw.Timestamp != "" {
		if ts, err := time.Parse(ariTimeLayout, raw.Timestamp); err == nil {
			ev.Timestamp = ts
		} else if ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp); err == nil {
			ev.Timestamp = ts
		}
	}
	return ev, nil
}
