package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"voice-orchestrator/internal/calls"

	"github.com/gin-gonic/gin"
)

type originateRequest struct {
	Number     string `json:"number"`
	WebhookURL string `json:"webhookUrl"`
	CallerID   string `json:"callerId"`
	UseAMD     bool   `json:"useAmd"`
	VoiceName  string `json:"voiceName"`
	// RingTimeout is in seconds.
	RingTimeout int `json:"ringTimeout"`
}

// Originate places an outbound call with trunk failover.
func (h Handlers) Originate(c *gin.Context) {
	acct, ok := mustAccount(c)
	if !ok {
		return
	}
	var req originateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Number) == "" {
		fail(c, http.StatusBadRequest, "Missing required parameter: number")
		return
	}

	res, err := h.Orchestrator.Originate(c.Request.Context(), calls.OriginateRequest{
		Number:      req.Number,
		CallerID:    req.CallerID,
		WebhookURL:  req.WebhookURL,
		UseAMD:      req.UseAMD,
		VoiceName:   req.VoiceName,
		RingTimeout: time.Duration(req.RingTimeout) * time.Second,
	}, acct)
	if err != nil {
		writeCallError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":            true,
		"callId":             res.CallID,
		"status":             calls.StatusRinging,
		"amdEnabled":         res.UseAMD,
		"voiceName":          res.VoiceName,
		"credits":            acct.Credits,
		"ringTimeoutSeconds": int64(res.RingTimeout / time.Second),
		"trunk":              res.Trunk,
		"trunkAttempts":      res.Attempts,
		"totalTrunks":        res.TotalTrunks,
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	})
}

// ListCalls returns the caller's live calls.
func (h Handlers) ListCalls(c *gin.Context) {
	acct, ok := mustAccount(c)
	if !ok {
		return
	}
	views := h.Controller.List(acct.ID)
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"totalCalls":  len(views),
		"activeCalls": len(views),
		"calls":       views,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h Handlers) CallStatus(c *gin.Context) {
	acct, ok := mustAccount(c)
	if !ok {
		return
	}
	v, err := h.Controller.Status(acct.ID, c.Param("call_id"))
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "call": v})
}

func (h Handlers) Hangup(c *gin.Context) {
	acct, ok := mustAccount(c)
	if !ok {
		return
	}
	callID := c.Param("call_id")
	if err := h.Controller.Hangup(c.Request.Context(), acct.ID, callID); err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Call " + callID + " terminated", "callId": callID})
}

type voiceRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice"`
	PlayTo string `json:"playTo"`
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Voice synthesizes text and plays it into the call.
func (h Handlers) Voice(c *gin.Context) {
	acct, ok := mustAccount(c)
	if !ok {
		return
	}
	var req voiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	pb, err := h.Controller.Speak(c.Request.Context(), acct.ID, c.Param("call_id"), calls.SpeakRequest{
		Text:   req.Text,
		Voice:  req.Voice,
		PlayTo: req.PlayTo,
	})
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "TTS played successfully",
		"text":       preview(req.Text, 50),
		"playbackId": pb.PlaybackID,
		"method":     pb.Method,
	})
}

type playRequest struct {
	File   string `json:"file"`
	PlayTo string `json:"playTo"`
}

func (h Handlers) Play(c *gin.Context) {
	acct, ok := mustAccount(c)
	if !ok {
		return
	}
	var req playRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	pb, err := h.Controller.Play(c.Request.Context(), acct.ID, c.Param("call_id"), calls.PlayRequest{
		File:   req.File,
		PlayTo: req.PlayTo,
	})
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "Audio file played: " + req.File,
		"file":       req.File,
		"playbackId": pb.PlaybackID,
		"method":     pb.Method,
	})
}

type gatherRequest struct {
	Text      string `json:"text"`
	NumDigits int    `json:"numDigits"`
	// Timeout is in milliseconds.
	Timeout int    `json:"timeout"`
	Voice   string `json:"voice"`
	PlayTo  string `json:"playTo"`
}

// Gather plays a prompt and collects DTMF digits; results arrive as events.
func (h Handlers) Gather(c *gin.Context) {
	acct, ok := mustAccount(c)
	if !ok {
		return
	}
	var req gatherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	callID := c.Param("call_id")
	res, err := h.Controller.Gather(c.Request.Context(), acct.ID, callID, calls.GatherRequest{
		Prompt:    req.Text,
		NumDigits: req.NumDigits,
		Timeout:   time.Duration(req.Timeout) * time.Millisecond,
		Voice:     req.Voice,
		PlayTo:    req.PlayTo,
	})
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"callId":         callID,
		"playbackId":     res.PlaybackID,
		"method":         res.Method,
		"expectedDigits": res.ExpectedDigits,
		"timeoutMs":      res.TimeoutMs,
	})
}

func (h Handlers) StopRecording(c *gin.Context) {
	acct, ok := mustAccount(c)
	if !ok {
		return
	}
	callID := c.Param("call_id")
	rec, err := h.Controller.StopRecording(c.Request.Context(), acct.ID, callID)
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"callId":      callID,
		"filename":    rec.Filename,
		"recordingId": rec.RecordingID,
		"active":      rec.Active,
	})
}

type recordingFile struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// listRecordingFiles returns .wav files under dir, newest first. A missing
// directory yields an empty list.
func listRecordingFiles(dir string) ([]recordingFile, error) {
	out := []recordingFile{}
	if dir == "" {
		return out, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".wav" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, recordingFile{Filename: e.Name(), Size: info.Size(), CreatedAt: info.ModTime().UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Recordings lists the caller's live recordings plus finished files on disk.
func (h Handlers) Recordings(c *gin.Context) {
	acct, ok := mustAccount(c)
	if !ok {
		return
	}
	files, err := listRecordingFiles(h.RecordingsDir)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"active":  h.Controller.Recordings(acct.ID),
		"files":   files,
	})
}
