package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sydlexius/mediasweep/internal/event"
	"github.com/sydlexius/mediasweep/internal/metrics"
)

const (
	maxRetries     = 3
	requestTimeout = 10 * time.Second
)

// Dispatcher sends events to matching webhooks.
type Dispatcher struct {
	service    *Service
	httpClient *http.Client
	logger     *slog.Logger
	backoff    time.Duration
	wg         sync.WaitGroup
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(service *Service, logger *slog.Logger) *Dispatcher {
	return NewDispatcherWithHTTPClient(service, &http.Client{Timeout: requestTimeout}, logger)
}

// NewDispatcherWithHTTPClient creates a dispatcher with a custom HTTP client (for testing).
func NewDispatcherWithHTTPClient(service *Service, httpClient *http.Client, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		service:    service,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "webhook-dispatcher")),
		backoff:    time.Second,
	}
}

// SetBackoff sets the base delay between delivery attempts. The delay
// doubles after each failure.
func (d *Dispatcher) SetBackoff(base time.Duration) {
	d.backoff = base
}

// HandleEvent is an event.Handler that dispatches the event to all matching webhooks.
func (d *Dispatcher) HandleEvent(e event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	webhooks, err := d.service.ListByEvent(ctx, string(e.Type))
	if err != nil {
		d.logger.Error("listing webhooks for event", "type", string(e.Type), "error", err)
		return
	}

	for i := range webhooks {
		w := webhooks[i]
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(w, e)
		}()
	}
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Test sends a synthetic event to one webhook, without retries.
func (d *Dispatcher) Test(ctx context.Context, w *Webhook) error {
	body, contentType := formatPayload(w, event.Event{
		Type:      event.ScanCompleted,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"message": "Test notification from " + appName},
	})
	return d.send(ctx, w.URL, body, contentType)
}

func (d *Dispatcher) deliver(w Webhook, e event.Event) {
	body, contentType := formatPayload(&w, e)

	var lastErr error
	for attempt := range maxRetries {
		if attempt > 0 {
			time.Sleep(d.backoff * time.Duration(1<<uint(attempt-1)))
		}

		lastErr = d.send(context.Background(), w.URL, body, contentType)
		if lastErr == nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
			d.logger.Debug("webhook delivered",
				"webhook", w.Name,
				"event", string(e.Type),
				"attempt", attempt+1,
			)
			return
		}

		d.logger.Warn("webhook delivery failed",
			"webhook", w.Name,
			"event", string(e.Type),
			"attempt", attempt+1,
			"error", lastErr,
		)
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
	d.logger.Error("webhook delivery exhausted retries",
		"webhook", w.Name,
		"event", string(e.Type),
		"error", lastErr,
	)
}

func (d *Dispatcher) send(ctx context.Context, url string, body []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "MediaSweep-Webhook/1.0")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()        //nolint:errcheck
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
