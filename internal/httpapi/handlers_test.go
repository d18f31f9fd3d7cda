package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"voice-orchestrator/internal/calls"
	"voice-orchestrator/internal/tts"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func statusFor(err error) int {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/x", nil)
	writeCallError(c, err)
	return w.Code
}

func TestWriteCallError_StatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&calls.CreditsError{Credits: decimal.Zero}, http.StatusPaymentRequired},
		{calls.ErrNoTrunksAvailable, http.StatusServiceUnavailable},
		{calls.ErrConcurrencyLimit, http.StatusTooManyRequests},
		{&calls.OriginationError{AttemptedTrunks: []string{"a"}, TotalTrunks: 1, Err: errors.New("boom")}, http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", calls.ErrSessionNotFound), http.StatusNotFound},
		{calls.ErrNoActiveRecording, http.StatusBadRequest},
		{fmt.Errorf("%w: playTo", calls.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("tts: %w", tts.ErrEmptyText), http.StatusBadRequest},
		{errors.New("switch down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}

func TestListRecordingFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"call-a.wav", "notes.txt", "call-b.wav"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	files, err := listRecordingFiles(dir)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 wav files, got %d", len(files))
	}

	missing, err := listRecordingFiles(filepath.Join(dir, "nope"))
	if err != nil || len(missing) != 0 {
		t.Fatalf("expected empty list for missing dir, got %v %v", missing, err)
	}
}

func TestParseTime(t *testing.T) {
	if ts, err := parseTime(""); err != nil || !ts.IsZero() {
		t.Fatalf("empty input should be zero time")
	}
	if _, err := parseTime("2026-01-02T03:04:05Z"); err != nil {
		t.Fatalf("rfc3339: %v", err)
	}
	if _, err := parseTime("2026-01-02"); err != nil {
		t.Fatalf("date: %v", err)
	}
	if _, err := parseTime("yesterday"); err == nil {
		t.Fatalf("expected error for free text")
	}
}

func TestPreview(t *testing.T) {
	if got := preview("short", 50); got != "short" {
		t.Fatalf("expected untouched text, got %q", got)
	}
	if got := preview("abcdef", 3); got != "abc..." {
		t.Fatalf("expected abc..., got %q", got)
	}
}
