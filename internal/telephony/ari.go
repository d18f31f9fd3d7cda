package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ARIClient implements Client against the Asterisk REST Interface.
type ARIClient struct {
	baseURL  string
	username string
	password string
	app      string
	http     *http.Client
}

type ARIOptions struct {
	URL      string
	Username string
	Password string
	App      string
	Timeout  time.Duration
}

func NewARIClient(opts ARIOptions) *ARIClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ARIClient{
		baseURL:  strings.TrimRight(opts.URL, "/") + "/ari",
		username: opts.Username,
		password: opts.Password,
		app:      opts.App,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *ARIClient) App() string { return c.app }

func (c *ARIClient) do(ctx context.Context, op, method, path string, query url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ari %s: encode body: %w", op, err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("ari %s: %w", op, err)
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ari %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ProtocolError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ari %s: decode response: %w", op, err)
	}
	return nil
}

func (c *ARIClient) Originate(ctx context.Context, p OriginateParams) (Channel, error) {
	if p.App == "" {
		p.App = c.app
	}
	q := url.Values{}
	q.Set("endpoint", p.Endpoint)
	if p.Extension != "" {
		q.Set("extension", p.Extension)
	}
	if p.Context != "" {
		q.Set("context", p.Context)
	}
	if p.CallerID != "" {
		q.Set("callerId", p.CallerID)
	}
	q.Set("app", p.App)

	body := map[string]any{"variables": p.Variables}
	var ch Channel
	if err := c.do(ctx, "originate", http.MethodPost, "/channels", q, body, &ch); err != nil {
		return Channel{}, err
	}
	return ch, nil
}

func (c *ARIClient) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, "answer", http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil, nil, nil)
}

func (c *ARIClient) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, "hangup", http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil, nil, nil)
}

func (c *ARIClient) GetVariable(ctx context.Context, channelID, name string) (string, error) {
	q := url.Values{}
	q.Set("variable", name)
	var out struct {
		Value string `json:"value"`
	}
	if err := c.do(ctx, "get variable", http.MethodGet, "/channels/"+url.PathEscape(channelID)+"/variable", q, nil, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

func (c *ARIClient) PlayOnChannel(ctx context.Context, channelID, media, playbackID string) error {
	q := url.Values{}
	q.Set("media", media)
	if playbackID != "" {
		q.Set("playbackId", playbackID)
	}
	return c.do(ctx, "play channel", http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/play", q, nil, nil)
}

func (c *ARIClient) CreateBridge(ctx context.Context, bridgeID string) error {
	q := url.Values{}
	q.Set("type", "mixing")
	q.Set("bridgeId", bridgeID)
	return c.do(ctx, "create bridge", http.MethodPost, "/bridges", q, nil, nil)
}

func (c *ARIClient) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{}
	q.Set("channel", channelID)
	return c.do(ctx, "add channel", http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel", q, nil, nil)
}

func (c *ARIClient) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, "destroy bridge", http.MethodDelete, "/bridges/"+url.PathEscape(bridgeID), nil, nil, nil)
}

func (c *ARIClient) PlayOnBridge(ctx context.Context, bridgeID, media, playbackID string) error {
	q := url.Values{}
	q.Set("media", media)
	if playbackID != "" {
		q.Set("playbackId", playbackID)
	}
	return c.do(ctx, "play bridge", http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/play", q, nil, nil)
}

func (c *ARIClient) RecordBridge(ctx context.Context, bridgeID string, p RecordParams) (LiveRecording, error) {
	q := url.Values{}
	q.Set("name", p.Name)
	q.Set("format", p.Format)
	if p.IfExists != "" {
		q.Set("ifExists", p.IfExists)
	}
	if p.MaxDurationSecond > 0 {
		q.Set("maxDurationSeconds", strconv.Itoa(p.MaxDurationSecond))
	}
	if p.MaxSilenceSecond > 0 {
		q.Set("maxSilenceSeconds", strconv.Itoa(p.MaxSilenceSecond))
	}
	var rec LiveRecording
	if err := c.do(ctx, "record bridge", http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/record", q, nil, &rec); err != nil {
		return LiveRecording{}, err
	}
	if rec.Name == "" {
		rec.Name = p.Name
	}
	return rec, nil
}

func (c *ARIClient) StopRecording(ctx context.Context, name string) error {
	return c.do(ctx, "stop recording", http.MethodPost, "/recordings/live/"+url.PathEscape(name)+"/stop", nil, nil, nil)
}

// Ping checks that the switch answers authenticated requests.
func (c *ARIClient) Ping(ctx context.Context) error {
	return c.do(ctx, "asterisk info", http.MethodGet, "/asterisk/info", nil, nil, nil)
}
