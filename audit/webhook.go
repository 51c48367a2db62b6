package audit

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// webhookQueueSize bounds the outbound event queue; events beyond it are
// dropped rather than blocking an issuance or revocation.
const webhookQueueSize = 1024

// Event is the JSON payload POSTed to the configured endpoint after a
// successful commit.
type Event struct {
	Action    Action            `json:"action"`
	UserID    string            `json:"user_id"`
	Timestamp string            `json:"timestamp"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// Dispatcher delivers events to an external HTTP endpoint from a background
// goroutine. Notify never blocks and delivery failures are only logged;
// the transactional write has already committed by the time an event is
// enqueued.
type Dispatcher struct {
	url    string
	client *http.Client
	events chan Event
	wg     sync.WaitGroup
}

// NewDispatcher starts the delivery loop. An empty url yields a dispatcher
// that drops everything, so callers never need to nil-check.
func NewDispatcher(url string) *Dispatcher {
	d := &Dispatcher{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		events: make(chan Event, webhookQueueSize),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Notify enqueues an event. Drops with a warning when the queue is full.
func (d *Dispatcher) Notify(action Action, userID string, attrs map[string]string) {
	evt := Event{
		Action:    action,
		UserID:    userID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Attrs:     attrs,
	}
	select {
	case d.events <- evt:
	default:
		slog.Warn("audit webhook: queue full, dropping event", "action", action)
	}
}

// Close drains the queue and stops the delivery loop.
func (d *Dispatcher) Close() {
	close(d.events)
	d.wg.Wait()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for evt := range d.events {
		if d.url == "" {
			continue
		}
		d.send(evt)
	}
}

func (d *Dispatcher) send(evt Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		slog.Error("audit webhook: marshal event", "error", err)
		return
	}
	resp, err := d.client.Post(d.url, "application/json", bytes.NewReader(body))
	if err != nil {
		slog.Warn("audit webhook: delivery failed", "action", evt.Action, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("audit webhook: endpoint returned error",
			"action", evt.Action, "status", resp.StatusCode)
	}
}
