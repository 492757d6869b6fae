package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"resty.dev/v3"

	"github.com/drblury/agentflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/agentflow/internal/runtime/logging"
)

// DefaultWebhookTimeout bounds one POST.
const DefaultWebhookTimeout = 30 * time.Second

// ErrDeliveryFailed is matched by every *DeliveryError.
var ErrDeliveryFailed = errors.New("delivery: webhook rejected")

// DeliveryError reports a webhook that answered with a status other than 200.
type DeliveryError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery: webhook %s answered %d: %s", e.URL, e.StatusCode, e.Body)
}

func (e *DeliveryError) Unwrap() error { return ErrDeliveryFailed }

// Deliverer posts a payload to a URL.
type Deliverer interface {
	Deliver(ctx context.Context, url string, payload any) error
}

// WebhookConfig configures WebhookClient.
type WebhookConfig struct {
	BearerToken string
	Timeout     time.Duration
}

// WebhookClient posts JSON payloads with a bearer token. It never retries:
// a failed POST is logged and returned to the caller.
type WebhookClient struct {
	client *resty.Client
	token  string
	logger loggingpkg.ServiceLogger
}

// NewWebhookClient creates a WebhookClient.
func NewWebhookClient(cfg WebhookConfig, logger loggingpkg.ServiceLogger) *WebhookClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")
	return &WebhookClient{
		client: client,
		token:  cfg.BearerToken,
		logger: loggingpkg.OrNop(logger),
	}
}

// Deliver posts payload to url. Any status other than 200 is a *DeliveryError.
func (w *WebhookClient) Deliver(ctx context.Context, url string, payload any) error {
	if url == "" {
		return errors.New("delivery: webhook url is required")
	}
	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("delivery: encode payload: %w", err)
	}

	req := w.client.R().SetContext(ctx).SetBody(body)
	if w.token != "" {
		req.SetAuthToken(w.token)
	}
	resp, err := req.Post(url)
	if err != nil {
		w.logger.Error("Webhook request failed", err, loggingpkg.LogFields{"url": url})
		return fmt.Errorf("delivery: post %s: %w", url, err)
	}
	if resp.StatusCode() != http.StatusOK {
		derr := &DeliveryError{URL: url, StatusCode: resp.StatusCode(), Body: resp.String()}
		w.logger.Error("Webhook failed", derr, loggingpkg.LogFields{
			"url":    url,
			"status": resp.StatusCode(),
		})
		return derr
	}
	w.logger.Info("Webhook sent successfully", loggingpkg.LogFields{"url": url})
	return nil
}

// Close releases idle connections.
func (w *WebhookClient) Close() error {
	return w.client.Close()
}
