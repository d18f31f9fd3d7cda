package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	texttospeech "google.golang.org/api/texttospeech/v1"
)

var (
	ErrEmptyText     = errors.New("tts: text is required")
	ErrNotConfigured = errors.New("tts: api key not configured")
	ErrEmptyAudio    = errors.New("tts: empty audio content")
)

const defaultTimeout = 15 * time.Second

// Synthesizer renders text into a sound the switch can play.
// The returned media reference has the form "sound:<name>".
type Synthesizer interface {
	Synthesize(ctx context.Context, callID, text, voice, suffix string) (string, error)
}

// Transcoder converts an MP3 file into the switch's native 8 kHz mu-law format.
type Transcoder interface {
	Transcode(ctx context.Context, src, dst string) error
}

// FFmpeg transcodes with the ffmpeg binary.
type FFmpeg struct {
	Path string
}

func (f FFmpeg) Transcode(ctx context.Context, src, dst string) error {
	bin := f.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin, "-y", "-i", src, "-ar", "8000", "-ac", "1", "-f", "mulaw", dst)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 200 {
			msg = msg[len(msg)-200:]
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, msg)
	}
	return nil
}

type GoogleOptions struct {
	APIKey string
	// Endpoint overrides the service base URL; it must end with a slash.
	Endpoint  string
	SoundsDir string
	TempDir   string
	Timeout   time.Duration
}

// Google synthesizes through Cloud Text-to-Speech and writes a mu-law file
// into the switch's sounds directory.
type Google struct {
	svc       *texttospeech.Service
	soundsDir string
	tempDir   string
	timeout   time.Duration
	transcode Transcoder
	log       *slog.Logger
}

// NewGoogle builds the synthesizer. Without an API key the client is left
// unconfigured and every Synthesize call returns ErrNotConfigured.
func NewGoogle(ctx context.Context, opts GoogleOptions, tc Transcoder, log *slog.Logger) (*Google, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if tc == nil {
		tc = FFmpeg{}
	}
	g := &Google{
		soundsDir: opts.SoundsDir,
		tempDir:   opts.TempDir,
		timeout:   opts.Timeout,
		transcode: tc,
		log:       log,
	}
	if opts.APIKey == "" {
		return g, nil
	}

	clientOpts := []option.ClientOption{option.WithAPIKey(opts.APIKey)}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	svc, err := texttospeech.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("tts: init client: %w", err)
	}
	g.svc = svc
	return g, nil
}

// LanguageCode derives "en-US" from a voice name such as "en-US-Neural2-A".
func LanguageCode(voice string) string {
	parts := strings.Split(voice, "-")
	if len(parts) < 2 {
		return voice
	}
	return parts[0] + "-" + parts[1]
}

func (g *Google) Synthesize(ctx context.Context, callID, text, voice, suffix string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyText
	}
	if g.svc == nil {
		return "", ErrNotConfigured
	}

	audio, err := g.fetch(ctx, text, voice)
	if err != nil {
		return "", err
	}

	name := callID + suffix
	mp3Path := filepath.Join(g.tempDir, name+".mp3")
	ulawPath := filepath.Join(g.soundsDir, name+".ulaw")

	if err := os.WriteFile(mp3Path, audio, 0o644); err != nil {
		return "", fmt.Errorf("tts: write mp3: %w", err)
	}
	defer os.Remove(mp3Path)

	if err := g.transcode.Transcode(ctx, mp3Path, ulawPath); err != nil {
		_ = os.Remove(ulawPath)
		return "", err
	}

	g.log.Debug("tts synthesized", "call_id", callID, "voice", voice, "bytes", len(audio))
	return "sound:" + name, nil
}

func (g *Google) fetch(ctx context.Context, text, voice string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req := &texttospeech.SynthesizeSpeechRequest{
		Input: &texttospeech.SynthesisInput{Text: text},
		Voice: &texttospeech.VoiceSelectionParams{
			LanguageCode: LanguageCode(voice),
			Name:         voice,
		},
		AudioConfig: &texttospeech.AudioConfig{
			AudioEncoding:   "MP3",
			SampleRateHertz: 24000,
		},
	}
	resp, err := g.svc.Text.Synthesize(req).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("tts: status %d: %s", apiErr.Code, apiErr.Message)
		}
		return nil, fmt.Errorf("tts: request: %w", err)
	}
	if resp.AudioContent == "" {
		return nil, ErrEmptyAudio
	}
	audio, err := base64.StdEncoding.DecodeString(resp.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("tts: decode audio: %w", err)
	}
	return audio, nil
}
