// Package webhook delivers domain events to configured HTTP endpoints.
// Delivery is best-effort: failures are logged and never surfaced to the
// code that raised the event.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/coeditd/internal/loggingutil"
	"pkt.systems/pslog"
)

// Event is the JSON envelope posted to each endpoint.
type Event struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	OccurredAtUnix int64  `json:"occurred_at_unix"`
	Payload        any    `json:"payload,omitempty"`
}

// Config parameterizes the Dispatcher.
type Config struct {
	Endpoints []string
	Timeout   time.Duration
	Client    *http.Client
	Logger    pslog.Logger
}

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 10 * time.Second

// Dispatcher posts events to all configured endpoints asynchronously.
type Dispatcher struct {
	endpoints []string
	timeout   time.Duration
	client    *http.Client
	logger    pslog.Logger

	wg sync.WaitGroup
}

// New constructs a Dispatcher. A nil client falls back to a dedicated
// http.Client with the configured timeout.
func New(cfg Config) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Dispatcher{
		endpoints: append([]string(nil), cfg.Endpoints...),
		timeout:   timeout,
		client:    client,
		logger:    loggingutil.WithSubsystem(cfg.Logger, "webhook"),
	}
}

// Publish delivers the event to every endpoint in the background. It never
// blocks on the network and never returns an error to the caller.
func (d *Dispatcher) Publish(_ context.Context, eventType string, payload any) {
	if len(d.endpoints) == 0 {
		return
	}
	event := Event{
		ID:             xid.New().String(),
		Type:           eventType,
		OccurredAtUnix: time.Now().Unix(),
		Payload:        payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("webhook.encode.failed", "event_type", eventType, "error", err)
		return
	}
	for _, endpoint := range d.endpoints {
		d.wg.Add(1)
		go d.deliver(endpoint, event, body)
	}
}

// Flush waits for in-flight deliveries to finish.
func (d *Dispatcher) Flush() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(endpoint string, event Event, body []byte) {
	defer d.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("webhook.request.failed", "endpoint", endpoint, "event_type", event.Type, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Coedit-Event", event.Type)
	req.Header.Set("X-Coedit-Delivery", event.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("webhook.delivery.failed", "endpoint", endpoint, "event_type", event.Type, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.logger.Warn("webhook.delivery.rejected",
			"endpoint", endpoint,
			"event_type", event.Type,
			"status", resp.StatusCode,
		)
		return
	}
	d.logger.Debug("webhook.delivered",
		"endpoint", endpoint,
		"event_type", event.Type,
		"delivery_id", event.ID,
	)
}
