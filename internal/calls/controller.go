package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"voice-orchestrator/internal/notify"
	"voice-orchestrator/internal/telephony"
	"voice-orchestrator/internal/tts"
)

const (
	PlayToBridge  = "bridge"
	PlayToChannel = "channel"
)

// Controller exposes the per-call operations available to an API key.
// Every operation is scoped: a key only sees calls it originated.
type Controller struct {
	lc           *Lifecycle
	gather       *GatherMachine
	tts          tts.Synthesizer
	defaultVoice string
}

func NewController(lc *Lifecycle, gather *GatherMachine, synth tts.Synthesizer, defaultVoice string) *Controller {
	if defaultVoice == "" {
		defaultVoice = "en-US-Neural2-A"
	}
	return &Controller{lc: lc, gather: gather, tts: synth, defaultVoice: defaultVoice}
}

func (c *Controller) owned(apiKeyID, callID string) (Session, error) {
	s, ok := c.lc.reg.Get(callID)
	if !ok || s.APIKeyID == "" || s.APIKeyID != apiKeyID {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (c *Controller) Hangup(ctx context.Context, apiKeyID, callID string) error {
	if _, err := c.owned(apiKeyID, callID); err != nil {
		return err
	}
	if err := c.lc.client.Hangup(ctx, callID); err != nil {
		if telephony.IsNotFound(err) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("hangup: %w", err)
	}
	c.lc.log.Info("hangup requested", "call_id", callID, "api_key_id", apiKeyID)
	return nil
}

type Playback struct {
	PlaybackID string `json:"playbackId"`
	Media      string `json:"media"`
	Method     string `json:"method"`
}

func normalizePlayTo(playTo string) (string, error) {
	switch playTo {
	case "", PlayToBridge:
		return PlayToBridge, nil
	case PlayToChannel:
		return PlayToChannel, nil
	default:
		return "", fmt.Errorf("%w: playTo must be %q or %q", ErrInvalidRequest, PlayToBridge, PlayToChannel)
	}
}

// play sends media to the call's bridge, or straight to the channel when
// asked to or when no bridge exists. It returns the target actually used.
func (c *Controller) play(ctx context.Context, s Session, media, playbackID, playTo string) (string, error) {
	if playTo == PlayToBridge && s.BridgeID != "" {
		return PlayToBridge, c.lc.client.PlayOnBridge(ctx, s.BridgeID, media, playbackID)
	}
	return PlayToChannel, c.lc.client.PlayOnChannel(ctx, s.ID, media, playbackID)
}

type SpeakRequest struct {
	Text   string
	Voice  string
	PlayTo string
}

func (c *Controller) voiceFor(s Session, requested string) string {
	switch {
	case requested != "":
		return requested
	case s.VoiceName != "":
		return s.VoiceName
	default:
		return c.defaultVoice
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Speak synthesizes text and plays it into the call.
func (c *Controller) Speak(ctx context.Context, apiKeyID, callID string, req SpeakRequest) (Playback, error) {
	s, err := c.owned(apiKeyID, callID)
	if err != nil {
		return Playback{}, err
	}
	if strings.TrimSpace(req.Text) == "" {
		return Playback{}, fmt.Errorf("%w: text is required", ErrInvalidRequest)
	}
	playTo, err := normalizePlayTo(req.PlayTo)
	if err != nil {
		return Playback{}, err
	}

	media, err := c.tts.Synthesize(ctx, callID, req.Text, c.voiceFor(s, req.Voice), "")
	if err != nil {
		return Playback{}, fmt.Errorf("tts: %w", err)
	}
	pb := Playback{
		PlaybackID: fmt.Sprintf("tts-%s-%d", callID, c.lc.clock.Now().UnixMilli()),
		Media:      media,
	}
	if pb.Method, err = c.play(ctx, s, media, pb.PlaybackID, playTo); err != nil {
		return Playback{}, fmt.Errorf("play: %w", err)
	}

	c.lc.emit(s, notify.EventTTSPlayed, map[string]any{
		"text":       truncate(req.Text, 100),
		"method":     pb.Method,
		"playbackId": pb.PlaybackID,
	})
	return pb, nil
}

type PlayRequest struct {
	File   string
	PlayTo string
}

// Play plays an existing sound file into the call.
func (c *Controller) Play(ctx context.Context, apiKeyID, callID string, req PlayRequest) (Playback, error) {
	s, err := c.owned(apiKeyID, callID)
	if err != nil {
		return Playback{}, err
	}
	file := strings.TrimSpace(req.File)
	if file == "" || strings.Contains(file, "..") {
		return Playback{}, fmt.Errorf("%w: file is required", ErrInvalidRequest)
	}
	playTo, err := normalizePlayTo(req.PlayTo)
	if err != nil {
		return Playback{}, err
	}

	pb := Playback{
		PlaybackID: fmt.Sprintf("play-%s-%d", callID, c.lc.clock.Now().UnixMilli()),
		Media:      "sound:" + file,
	}
	if pb.Method, err = c.play(ctx, s, pb.Media, pb.PlaybackID, playTo); err != nil {
		return Playback{}, fmt.Errorf("play: %w", err)
	}
	return pb, nil
}

type GatherRequest struct {
	Prompt    string
	NumDigits int
	Timeout   time.Duration
	Voice     string
	PlayTo    string
}

type GatherResult struct {
	Playback
	ExpectedDigits int   `json:"expectedDigits"`
	TimeoutMs      int64 `json:"timeoutMs"`
}

// Gather plays an optional prompt and starts collecting digits. A prompt that
// fails to play cancels the gather.
func (c *Controller) Gather(ctx context.Context, apiKeyID, callID string, req GatherRequest) (GatherResult, error) {
	s, err := c.owned(apiKeyID, callID)
	if err != nil {
		return GatherResult{}, err
	}
	playTo, err := normalizePlayTo(req.PlayTo)
	if err != nil {
		return GatherResult{}, err
	}
	if req.NumDigits <= 0 {
		req.NumDigits = DefaultGatherDigits
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultGatherTimeout
	}

	var media string
	if strings.TrimSpace(req.Prompt) != "" {
		if media, err = c.tts.Synthesize(ctx, callID, req.Prompt, c.voiceFor(s, req.Voice), "-gather"); err != nil {
			return GatherResult{}, fmt.Errorf("tts: %w", err)
		}
	}

	if err := c.gather.Start(callID, req.NumDigits, req.Timeout, truncate(req.Prompt, 100)); err != nil {
		return GatherResult{}, err
	}

	out := GatherResult{ExpectedDigits: req.NumDigits, TimeoutMs: req.Timeout.Milliseconds()}
	if media == "" {
		return out, nil
	}
	out.PlaybackID = fmt.Sprintf("gather-%s-%d", callID, c.lc.clock.Now().UnixMilli())
	out.Media = media
	if out.Method, err = c.play(ctx, s, media, out.PlaybackID, playTo); err != nil {
		c.gather.Cancel(callID)
		return GatherResult{}, fmt.Errorf("play: %w", err)
	}
	return out, nil
}

type GatherView struct {
	Collected     string `json:"collected"`
	Expected      int    `json:"expected"`
	Remaining     int    `json:"remaining"`
	TimeRemaining int64  `json:"timeRemaining"`
}

type RecordingView struct {
	Active      bool   `json:"active"`
	Filename    string `json:"filename,omitempty"`
	RecordingID string `json:"recordingId,omitempty"`
	Method      string `json:"method"`
}

type View struct {
	CallID        string        `json:"callId"`
	Status        Status        `json:"status"`
	Number        string        `json:"number"`
	Trunk         string        `json:"trunk,omitempty"`
	AnsweredAt    *time.Time    `json:"answeredAt"`
	CallStartTime time.Time     `json:"callStartTime"`
	AMD           AMD           `json:"amd"`
	Gather        *GatherView   `json:"gather"`
	Recording     RecordingView `json:"recording"`
	VoiceName     string        `json:"voiceName"`
	HasBridge     bool          `json:"hasBridge"`
}

func (c *Controller) view(s Session) View {
	v := View{
		CallID:        s.ID,
		Status:        s.Status,
		Number:        s.Number,
		Trunk:         s.Trunk,
		AnsweredAt:    s.AnsweredAt,
		CallStartTime: s.CallStartTime,
		AMD:           s.AMD,
		Recording: RecordingView{
			Active:      s.Recording.Active,
			Filename:    s.Recording.Filename,
			RecordingID: s.Recording.RecordingID,
			Method:      "bridge",
		},
		VoiceName: s.VoiceName,
		HasBridge: s.BridgeID != "",
	}
	if g := s.Gather; g != nil {
		left := g.Deadline.Sub(c.lc.clock.Now()).Milliseconds()
		if left < 0 {
			left = 0
		}
		v.Gather = &GatherView{
			Collected:     g.Digits,
			Expected:      g.NumDigits,
			Remaining:     g.NumDigits - len(g.Digits),
			TimeRemaining: left,
		}
	}
	return v
}

// Active is the number of calls in flight across all keys.
func (c *Controller) Active() int { return c.lc.reg.Count() }

func (c *Controller) List(apiKeyID string) []View {
	sessions := c.lc.reg.List(func(s Session) bool { return s.APIKeyID != "" && s.APIKeyID == apiKeyID })
	out := make([]View, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, c.view(s))
	}
	return out
}

func (c *Controller) Status(apiKeyID, callID string) (View, error) {
	s, err := c.owned(apiKeyID, callID)
	if err != nil {
		return View{}, err
	}
	return c.view(s), nil
}

type ActiveRecording struct {
	CallID      string `json:"callId"`
	Filename    string `json:"filename"`
	RecordingID string `json:"recordingId"`
	Active      bool   `json:"active"`
}

// Recordings lists the recording state of the key's live calls.
func (c *Controller) Recordings(apiKeyID string) []ActiveRecording {
	sessions := c.lc.reg.List(func(s Session) bool { return s.APIKeyID != "" && s.APIKeyID == apiKeyID })
	out := make([]ActiveRecording, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, ActiveRecording{
			CallID:      s.ID,
			Filename:    s.Recording.Filename,
			RecordingID: s.Recording.RecordingID,
			Active:      s.Recording.Active,
		})
	}
	return out
}

// StopRecording stops the call's live recording. The recording is marked
// inactive even when the switch reports it already gone.
func (c *Controller) StopRecording(ctx context.Context, apiKeyID, callID string) (Recording, error) {
	s, err := c.owned(apiKeyID, callID)
	if err != nil {
		return Recording{}, err
	}
	if !s.Recording.Active {
		return Recording{}, ErrNoActiveRecording
	}
	if err := c.lc.client.StopRecording(ctx, s.Recording.RecordingID); err != nil && !telephony.IsNotFound(err) {
		return Recording{}, fmt.Errorf("stop recording: %w", err)
	}

	var rec Recording
	stopped := c.lc.reg.Mutate(callID, func(s *Session) {
		s.Recording.Active = false
		rec = s.Recording
	})
	if !stopped {
		return Recording{}, ErrSessionNotFound
	}
	c.lc.emit(s, notify.EventRecordingStopped, map[string]any{
		"filename":    rec.Filename,
		"recordingId": rec.RecordingID,
	})
	return rec, nil
}

// IsClientError reports whether err stems from bad input rather than the switch.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, tts.ErrEmptyText)
}
