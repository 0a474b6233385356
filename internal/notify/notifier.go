package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"taskline/internal/config"
	"taskline/internal/metrics"
)

// Notification event types.
const (
	WorkerAssigned = "worker_assigned"
	DraftSubmitted = "draft_submitted"
	DraftApproved  = "draft_approved"
	DraftRejected  = "draft_rejected"
	TaskExpired    = "task_expired"
	TaskReopened   = "task_reopened"
)

// Event is a state-change message for an owner or worker. Delivery is
// best-effort and at-most-once-attempted per event.
type Event struct {
	Type        string `json:"type"`
	TaskID      string `json:"task_id"`
	RecipientID string `json:"recipient_id"`
	Reason      string `json:"reason,omitempty"`
	Deadline    string `json:"deadline,omitempty" format:"date-time"`
}

// Notifier delivers state-change events. Publish must not block the caller's
// state transition and must never surface delivery failures to it.
type Notifier interface {
	Publish(evt Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Publish(Event) {}

// Log writes events to the structured log only.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) Publish(evt Event) {
	l.Logger.Info().
		Str("type", evt.Type).
		Str("task_id", evt.TaskID).
		Str("recipient_id", evt.RecipientID).
		Str("reason", evt.Reason).
		Msg("notify")
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Publish(evt Event) {
	for _, n := range m {
		n.Publish(evt)
	}
}

const (
	defaultWebhookTimeout = 5 * time.Second
	maxDeliveryAttempts   = 3
	retryBaseDelay        = 250 * time.Millisecond
)

// Webhook posts events to configured endpoints. Each Publish dispatches in
// its own goroutine: transient failures are retried with exponential backoff
// up to maxDeliveryAttempts, then dropped with an error log.
type Webhook struct {
	hooks  []config.WebhookConfig
	client *http.Client
	logger zerolog.Logger
	wg     sync.WaitGroup
}

func NewWebhook(hooks []config.WebhookConfig, logger zerolog.Logger) *Webhook {
	return &Webhook{
		hooks:  hooks,
		client: &http.Client{Timeout: defaultWebhookTimeout},
		logger: logger,
	}
}

func (w *Webhook) Publish(evt Event) {
	for _, hook := range w.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !matches(hook.Events, evt.Type) {
			continue
		}
		w.wg.Add(1)
		go func(hook config.WebhookConfig) {
			defer w.wg.Done()
			w.deliver(hook, evt)
		}(hook)
	}
}

// Wait blocks until in-flight deliveries finish. Used by tests and shutdown.
func (w *Webhook) Wait() { w.wg.Wait() }

func (w *Webhook) deliver(hook config.WebhookConfig, evt Event) {
	var lastErr error
	for attempt := 1; attempt <= maxDeliveryAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(retryBaseDelay << (attempt - 2))
		}
		if lastErr = w.post(hook, evt); lastErr == nil {
			metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
			return
		}
		w.logger.Warn().
			Err(lastErr).
			Str("url", hook.URL).
			Str("type", evt.Type).
			Int("attempt", attempt).
			Msg("webhook delivery failed")
	}
	metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
	w.logger.Error().
		Err(lastErr).
		Str("url", hook.URL).
		Str("type", evt.Type).
		Str("task_id", evt.TaskID).
		Msg("webhook delivery dropped")
}

func (w *Webhook) post(hook config.WebhookConfig, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskline-Event", evt.Type)
	req.Header.Set("X-Taskline-Task", evt.TaskID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Taskline-Secret", hook.Secret)
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func matches(filter []string, evtType string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if strings.TrimSpace(f) == evtType {
			return true
		}
	}
	return false
}
