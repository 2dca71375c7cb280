// Package webhooks delivers mailbox events to subscriber URLs with
// bounded retry. Delivery is at-least-once: exhausted retries are
// logged and dropped, never surfaced to the ingestion path.
package webhooks

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

	"go.uber.org/zap"

	"github.com/themadorg/tossmail/internal/metrics"
	"github.com/themadorg/tossmail/internal/storage"
)

const (
	maxAttempts    = 3
	attemptTimeout = 10 * time.Second
	overallTimeout = 30 * time.Second
)

// retry delays before attempts 2 and 3
var backoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Payload is the JSON body posted to webhook targets.
type Payload struct {
	Event     string        `json:"event"`
	Mailbox   string        `json:"mailbox"`
	WebhookID string        `json:"webhook_id"`
	Timestamp string        `json:"timestamp"`
	Email     *EmailPayload `json:"email,omitempty"`
}

// EmailPayload is the message summary carried on arrival events.
type EmailPayload struct {
	ID          string `json:"id"`
	To          string `json:"to"`
	From        string `json:"from"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	Timestamp   string `json:"timestamp"`
	Attachments int    `json:"attachments"`
}

// Dispatcher resolves subscriptions and posts payloads concurrently.
type Dispatcher struct {
	store  storage.Backend
	log    *zap.Logger
	client *http.Client
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given store.
func NewDispatcher(store storage.Backend, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		log:    log,
		client: &http.Client{Timeout: attemptTimeout},
	}
}

// Trigger looks up active webhooks for the mailbox (local-part) and
// event, and delivers to each in its own goroutine. email is non-nil
// only for arrivals. Trigger never blocks on delivery.
func (d *Dispatcher) Trigger(event, mailbox string, email *storage.Message) {
	hooks, err := d.store.ActiveWebhooks(mailbox, event)
	if err != nil {
		d.log.Error("webhook lookup failed",
			zap.String("mailbox", mailbox),
			zap.String("event", event),
			zap.Error(err))
		return
	}

	for _, wh := range hooks {
		payload := &Payload{
			Event:     event,
			Mailbox:   mailbox,
			WebhookID: wh.ID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Email:     emailPayload(email),
		}
		d.wg.Add(1)
		go func(wh *storage.Webhook, payload *Payload) {
			defer d.wg.Done()
			if err := d.deliver(wh, payload); err != nil {
				metrics.WebhookFailures.Inc()
				d.log.Warn("webhook delivery abandoned",
					zap.String("webhook_id", wh.ID),
					zap.String("url", wh.URL),
					zap.Error(err))
			}
		}(wh, payload)
	}
}

// Test posts a synthetic payload to the webhook once, without retry,
// and reports whether the target answered 2xx.
func (d *Dispatcher) Test(wh *storage.Webhook) bool {
	payload := &Payload{
		Event:     storage.EventTest,
		Mailbox:   wh.MailboxAddress,
		WebhookID: wh.ID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
	defer cancel()
	return d.post(ctx, NormalizeURL(wh.URL), body) == nil
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown
// and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(wh *storage.Webhook, payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	url := NormalizeURL(wh.URL)

	ctx, cancel := context.WithTimeout(context.Background(), overallTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("delivery budget exhausted: %w", lastErr)
			case <-time.After(backoff[attempt-1]):
			}
		}

		metrics.WebhookAttempts.Inc()
		lastErr = d.post(ctx, url, body)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// NormalizeURL prepends http:// when the stored URL has no scheme.
// Stored URLs are kept as the client supplied them.
func NormalizeURL(url string) string {
	if strings.Contains(url, "://") {
		return url
	}
	return "http://" + url
}

func emailPayload(m *storage.Message) *EmailPayload {
	if m == nil {
		return nil
	}
	return &EmailPayload{
		ID:          m.ID,
		To:          m.ToAddress,
		From:        m.FromAddress,
		Subject:     m.Subject,
		Body:        m.Body,
		Timestamp:   m.Timestamp.Format(time.RFC3339),
		Attachments: len(m.Attachments),
	}
}
