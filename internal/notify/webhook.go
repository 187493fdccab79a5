// Package notify delivers sync alerts to external endpoints.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/isaacmuchunu/offsync/internal/models"
)

// Event names.
const (
	EventSyncComplete   = "sync.complete"
	EventDeadLetter     = "operation.dead_lettered"
	EventManualConflict = "conflict.manual"
)

// WebhookEvent is the JSON body posted to every webhook URL.
type WebhookEvent struct {
	Event       string `json:"event"`
	DeviceID    string `json:"device_id,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
	ConflictID  string `json:"conflict_id,omitempty"`
	EntityType  string `json:"entity_type,omitempty"`
	EntityID    string `json:"entity_id,omitempty"`
	Reason      string `json:"reason,omitempty"`

	SuccessCount int `json:"success_count,omitempty"`
	FailureCount int `json:"failure_count,omitempty"`

	Timestamp string `json:"timestamp"`
}

// WebhookConfig holds the webhook URLs and delivery settings.
type WebhookConfig struct {
	URLs     []string
	DeviceID string
	// AllPasses posts an event after every pass, not only after passes
	// with failures.
	AllPasses bool
	// Backoff is the base delay between delivery attempts.
	Backoff time.Duration
}

// WebhookNotifier posts sync events to the configured URLs. Delivery runs in
// the background and never blocks the sync pass.
type WebhookNotifier struct {
	config *WebhookConfig
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWebhookNotifier creates a notifier. Returns nil if no URLs are configured.
func NewWebhookNotifier(cfg *WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// OnSyncComplete reports passes that had failures, or every pass when
// AllPasses is set.
func (wn *WebhookNotifier) OnSyncComplete(_ context.Context, res *models.SyncResult) {
	if wn == nil || res.Skipped || (!wn.config.AllPasses && res.FailureCount == 0) {
		return
	}
	wn.dispatch(&WebhookEvent{
		Event:        EventSyncComplete,
		SuccessCount: res.SuccessCount,
		FailureCount: res.FailureCount,
	})
}

// OnDeadLetter reports an operation that exhausted its retries.
func (wn *WebhookNotifier) OnDeadLetter(_ context.Context, dl *models.DeadLetter) {
	if wn == nil {
		return
	}
	wn.dispatch(&WebhookEvent{
		Event:       EventDeadLetter,
		OperationID: dl.Operation.ID,
		EntityType:  dl.Operation.EntityType,
		EntityID:    dl.Operation.EntityID,
		Reason:      dl.Reason,
	})
}

// OnManualConflict reports a conflict waiting for a human decision.
func (wn *WebhookNotifier) OnManualConflict(_ context.Context, c *models.SyncConflict) {
	if wn == nil {
		return
	}
	wn.dispatch(&WebhookEvent{
		Event:       EventManualConflict,
		OperationID: c.OperationID,
		ConflictID:  c.ID,
		EntityType:  c.EntityType,
		EntityID:    c.EntityID,
	})
}

// Wait blocks until every dispatched event has been delivered or given up.
func (wn *WebhookNotifier) Wait() {
	if wn == nil {
		return
	}
	wn.wg.Wait()
}

func (wn *WebhookNotifier) dispatch(event *WebhookEvent) {
	event.DeviceID = wn.config.DeviceID
	event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	wn.wg.Add(1)
	go func() {
		defer wn.wg.Done()
		wn.send(event)
	}()
}

// send delivers the event to all configured URLs.
func (wn *WebhookNotifier) send(event *WebhookEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		wn.logger.Error("webhook: marshal event", "error", err)
		return
	}

	for _, url := range wn.config.URLs {
		if err := wn.post(url, data); err != nil {
			wn.logger.Warn("webhook: delivery failed", "url", url, "event", event.Event, "error", err)
		} else {
			wn.logger.Debug("webhook: delivered", "url", url, "event", event.Event)
		}
	}
}

// post sends a single webhook POST with retry (up to 2 retries).
func (wn *WebhookNotifier) post(url string, data []byte) error {
	const maxRetries = 2

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * wn.config.Backoff)
		}
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "offsync/1.0")

		resp, err := wn.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return lastErr // don't retry 4xx
		}
	}

	return lastErr
}
