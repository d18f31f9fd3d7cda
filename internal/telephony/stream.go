package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// EventStream subscribes to the switch's event socket and reconnects on failure.
type EventStream struct {
	wsURL    string
	username string
	password string
	app      string
	log      *slog.Logger
	dialer   *websocket.Dialer
	backoff  time.Duration
}

func NewEventStream(opts ARIOptions, log *slog.Logger) (*EventStream, error) {
	u, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse ARI url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ari/events"
	if log == nil {
		log = slog.Default()
	}
	return &EventStream{
		wsURL:    u.String(),
		username: opts.Username,
		password: opts.Password,
		app:      opts.App,
		log:      log,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		backoff:  5 * time.Second,
	}, nil
}

func (s *EventStream) url() string {
	q := url.Values{}
	q.Set("app", s.app)
	q.Set("api_key", s.username+":"+s.password)
	return s.wsURL + "?" + q.Encode()
}

// Run delivers events to out until ctx is cancelled, reconnecting after errors.
func (s *EventStream) Run(ctx context.Context, out chan<- Event) error {
	for {
		err := s.runSession(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.log.Warn("event stream session ended, reconnecting", "err", err, "backoff", s.backoff.String())
			select {
			case <-time.After(s.backoff):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s *EventStream) runSession(ctx context.Context, out chan<- Event) error {
	header := http.Header{}
	conn, resp, err := s.dialer.DialContext(ctx, s.url(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial event socket: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial event socket: %w", err)
	}
	defer conn.Close()

	// Close connection when context is cancelled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	s.log.Info("event stream connected", "app", s.app)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			s.log.Warn("dropping undecodable event", "err", err)
			continue
		}
		if !ev.Handled() {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}
