package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Hub fans lifecycle events out to the call's webhook and the optional event bus.
// Notify never blocks the caller and never returns an error.
type Hub struct {
	webhook     *Webhook
	pub         Publisher
	topicPrefix string
	log         *slog.Logger
	timeout     time.Duration

	// mu guards closed and every wg.Add so Close cannot race a late Notify.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

type HubOptions struct {
	Webhook     *Webhook
	Publisher   Publisher
	TopicPrefix string
	Timeout     time.Duration
}

func NewHub(opts HubOptions, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "voice"
	}
	return &Hub{
		webhook:     opts.Webhook,
		pub:         opts.Publisher,
		topicPrefix: opts.TopicPrefix,
		log:         log,
		timeout:     opts.Timeout,
		clock:       time.Now,
	}
}

// Topic returns the bus topic for a call event.
func (h *Hub) Topic(callID, event string) string {
	return fmt.Sprintf("%s/calls/%s/%s", h.topicPrefix, callID, event)
}

// Notify delivers e in the background. An empty url skips the webhook.
// Events raised after Close are dropped.
func (h *Hub) Notify(url, callID, name string, fields map[string]any) {
	e := Event{CallID: callID, Name: name, Fields: fields, At: h.clock()}

	sendHook := url != "" && h.webhook != nil
	sendBus := h.pub != nil
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.log.Warn("event dropped after shutdown", "call_id", callID, "event", name)
		return
	}
	if sendHook {
		h.wg.Add(1)
	}
	if sendBus {
		h.wg.Add(1)
	}
	h.mu.Unlock()

	if sendHook {
		go func() {
			defer h.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
			defer cancel()
			if err := h.webhook.Deliver(ctx, url, e); err != nil {
				h.log.Warn("webhook delivery failed", "call_id", callID, "event", name, "err", err)
				return
			}
			h.log.Debug("webhook delivered", "call_id", callID, "event", name)
		}()
	}

	if sendBus {
		go func() {
			defer h.wg.Done()
			data, err := json.Marshal(e.Payload())
			if err != nil {
				h.log.Warn("event encode failed", "call_id", callID, "event", name, "err", err)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
			defer cancel()
			if err := h.pub.Publish(ctx, h.Topic(callID, name), data); err != nil {
				h.log.Warn("event publish failed", "call_id", callID, "event", name, "err", err)
			}
		}()
	}
}

// Close waits for in-flight deliveries, bounded by ctx.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
