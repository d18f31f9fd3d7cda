package telephony

import (
	"context"
	"errors"
	"fmt"
)

// Client is the call-control surface the orchestration layer depends on.
// The production implementation speaks ARI over HTTP; tests use fakes.
type Client interface {
	Originate(ctx context.Context, p OriginateParams) (Channel, error)
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID string) error
	GetVariable(ctx context.Context, channelID, name string) (string, error)
	PlayOnChannel(ctx context.Context, channelID, media, playbackID string) error

	CreateBridge(ctx context.Context, bridgeID string) error
	AddChannel(ctx context.Context, bridgeID, channelID string) error
	DestroyBridge(ctx context.Context, bridgeID string) error
	PlayOnBridge(ctx context.Context, bridgeID, media, playbackID string) error
	RecordBridge(ctx context.Context, bridgeID string, p RecordParams) (LiveRecording, error)
	StopRecording(ctx context.Context, name string) error

	Ping(ctx context.Context) error
}

// OriginateParams describes one outbound channel request.
type OriginateParams struct {
	Endpoint  string            `json:"endpoint"`
	Extension string            `json:"extension,omitempty"`
	Context   string            `json:"context,omitempty"`
	CallerID  string            `json:"callerId,omitempty"`
	App       string            `json:"app,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

type Channel struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Caller struct {
		Number string `json:"number"`
		Name   string `json:"name"`
	} `json:"caller"`
	Connected struct {
		Number string `json:"number"`
	} `json:"connected"`
}

type RecordParams struct {
	Name              string
	Format            string
	IfExists          string
	MaxDurationSecond int
	MaxSilenceSecond  int
}

// DefaultRecordParams are the settings used for per-call bridge recordings.
func DefaultRecordParams(name string) RecordParams {
	return RecordParams{
		Name:              name,
		Format:            "wav",
		IfExists:          "overwrite",
		MaxDurationSecond: 3600,
		MaxSilenceSecond:  30,
	}
}

type LiveRecording struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	State  string `json:"state"`
}

// ErrProtocol marks failures reported by the switch.
var ErrProtocol = errors.New("telephony protocol error")

// ProtocolError carries the failed operation and HTTP status from the switch.
type ProtocolError struct {
	Op     string
	Status int
	Body   string
}

func (e *ProtocolError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("ari %s: status %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("ari %s: status %d", e.Op, e.Status)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// IsNotFound reports whether err is a 404 from the switch, e.g. a channel already gone.
func IsNotFound(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Status == 404
}
