package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mbd888/notemarket/internal/logging"
	"github.com/mbd888/notemarket/internal/retry"
)

// webhookTimeout bounds a single POST, and deliveryTimeout bounds all
// attempts of one delivery.
const (
	webhookTimeout  = 5 * time.Second
	deliveryTimeout = 30 * time.Second
)

// poster POSTs JSON bodies with retry. Shared by the webhook alerter and
// ticketer.
type poster struct {
	url    string
	client *http.Client
	policy retry.Policy
}

func newPoster(url string, client *http.Client) poster {
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	return poster{
		url:    url,
		client: client,
		policy: retry.Default,
	}
}

func (p poster) post(ctx context.Context, header string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal: %w", err))
	}

	return retry.Do(ctx, p.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Notemarket-Kind", header)

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
		}
	})
}

// WebhookAlerter POSTs each alert as JSON in the background.
type WebhookAlerter struct {
	poster poster
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWebhookAlerter creates a webhook sink. A nil client gets a 5s timeout.
func NewWebhookAlerter(url string, client *http.Client, logger *slog.Logger) *WebhookAlerter {
	return &WebhookAlerter{poster: newPoster(url, client), logger: logging.OrDefault(logger)}
}

// Alert schedules delivery and returns at once. Delivery does not inherit
// the caller's cancellation.
func (w *WebhookAlerter) Alert(ctx context.Context, severity Severity, event, message string, metadata map[string]any) {
	a := newAlert(severity, event, message, metadata)
	logger := logging.Enrich(ctx, w.logger)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
		defer cancel()
		if err := w.poster.post(dctx, "alert", a); err != nil {
			deliveryFailures.WithLabelValues("webhook").Inc()
			logger.Error("alert webhook delivery failed", "event", event, "error", err)
		}
	}()
}

// Flush waits for in-flight deliveries or until ctx is done.
func (w *WebhookAlerter) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WebhookTicketer opens tickets by POSTing to an incident endpoint.
type WebhookTicketer struct {
	poster poster
}

// NewWebhookTicketer creates a ticketer posting to url.
func NewWebhookTicketer(url string, client *http.Client) *WebhookTicketer {
	return &WebhookTicketer{poster: newPoster(url, client)}
}

type ticketPayload struct {
	Summary  string         `json:"summary"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Time     time.Time      `json:"time"`
}

// CreateTicket delivers synchronously and reports failure to the caller.
func (t *WebhookTicketer) CreateTicket(ctx context.Context, summary string, metadata map[string]any) error {
	err := t.poster.post(ctx, "ticket", ticketPayload{Summary: summary, Metadata: metadata, Time: time.Now().UTC()})
	if err != nil {
		deliveryFailures.WithLabelValues("ticket").Inc()
		return fmt.Errorf("create ticket: %w", err)
	}
	return nil
}

var (
	_ Alerter  = (*WebhookAlerter)(nil)
	_ Ticketer = (*WebhookTicketer)(nil)
)
