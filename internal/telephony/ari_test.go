package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestARIClient_Originate(t *testing.T) {
	var gotVars map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "ari" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost || r.URL.Path != "/ari/channels" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		q := r.URL.Query()
		if q.Get("endpoint") != "PJSIP/15551234567@carrier-a" || q.Get("context") != "internal_amd" || q.Get("app") != "voice" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var body struct {
			Variables map[string]string `json:"variables"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotVars = body.Variables
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "chan-1", "state": "Down"})
	}))
	defer srv.Close()

	c := NewARIClient(ARIOptions{URL: srv.URL, Username: "ari", Password: "secret", App: "voice"})
	ch, err := c.Originate(context.Background(), OriginateParams{
		Endpoint:  "PJSIP/15551234567@carrier-a",
		Extension: "15551234567",
		Context:   "internal_amd",
		CallerID:  "1000",
		Variables: map[string]string{"USE_AMD": "1", "WEBHOOK_URL": "https://hooks.test/x"},
	})
	if err != nil {
		t.Fatalf("originate: %v", err)
	}
	if ch.ID != "chan-1" {
		t.Fatalf("unexpected channel %+v", ch)
	}
	if gotVars["USE_AMD"] != "1" || gotVars["WEBHOOK_URL"] != "https://hooks.test/x" {
		t.Fatalf("unexpected variables %v", gotVars)
	}
}

func TestARIClient_ProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Channel not found"}`))
	}))
	defer srv.Close()

	c := NewARIClient(ARIOptions{URL: srv.URL, Username: "u", Password: "p", App: "a"})
	err := c.Hangup(context.Background(), "gone")
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Op != "hangup" {
		t.Fatalf("expected hangup ProtocolError, got %v", err)
	}
}

func TestARIClient_GetVariableAndRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ari/channels/chan-1/variable":
			if r.URL.Query().Get("variable") != "AMDSTATUS" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"value":"HUMAN"}`))
		case "/ari/bridges/bridge-chan-1/record":
			q := r.URL.Query()
			if q.Get("format") != "wav" || q.Get("ifExists") != "overwrite" || q.Get("maxDurationSeconds") != "3600" || q.Get("maxSilenceSeconds") != "30" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"name":"` + q.Get("name") + `","format":"wav","state":"recording"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewARIClient(ARIOptions{URL: srv.URL, Username: "u", Password: "p", App: "a"})
	v, err := c.GetVariable(context.Background(), "chan-1", "AMDSTATUS")
	if err != nil || v != "HUMAN" {
		t.Fatalf("unexpected variable %q err=%v", v, err)
	}
	rec, err := c.RecordBridge(context.Background(), "bridge-chan-1", DefaultRecordParams("call-chan-1-1"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Name != "call-chan-1-1" {
		t.Fatalf("unexpected recording %+v", rec)
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{
		"type":"ChannelDestroyed",
		"timestamp":"2024-05-01T10:00:00.000+0000",
		"application":"voice",
		"cause":17,
		"cause_txt":"User busy",
		"channel":{"id":"chan-9","state":"Down","caller":{"number":"1000"}}
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != EventChannelDestroyed || ev.ChannelID() != "chan-9" || ev.Cause != 17 || ev.CauseTxt != "User busy" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Fatalf("expected timestamp parsed")
	}
	if !ev.Handled() {
		t.Fatalf("expected ChannelDestroyed to be handled")
	}

	other, _ := DecodeEvent([]byte(`{"type":"BridgeCreated"}`))
	if other.Handled() {
		t.Fatalf("expected BridgeCreated to be ignored")
	}
}
