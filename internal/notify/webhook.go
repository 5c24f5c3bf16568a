package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// respBufPool reuses response body buffers across concurrent requests.
var respBufPool = sync.Pool{
	New: func() any { return bytes.NewBuffer(make([]byte, 0, 1024)) },
}

const (
	webhookTimeout        = 15 * time.Second
	webhookMaxRetries     = 3
	webhookInitialBackoff = 2 * time.Second
)

// WebhookConfig holds the webhook endpoint settings.
type WebhookConfig struct {
	URL   string
	Token string // sent as a bearer token when set

	// InitialBackoff overrides the first retry wait. Zero uses the default.
	InitialBackoff time.Duration
}

// WebhookTransport posts notices as JSON to an HTTP endpoint.
type WebhookTransport struct {
	url        string
	token      string
	backoff    time.Duration
	httpClient *http.Client
}

// Compile-time interface check.
var _ Transport = (*WebhookTransport)(nil)

type webhookPayload struct {
	List     string    `json:"list"`
	URL      string    `json:"url"`
	QueuedAt time.Time `json:"queued_at"`
}

// NewWebhookTransport creates a webhook transport.
func NewWebhookTransport(cfg WebhookConfig) (*WebhookTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("notify: webhook url is empty")
	}
	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = webhookInitialBackoff
	}
	return &WebhookTransport{
		url:     cfg.URL,
		token:   cfg.Token,
		backoff: backoff,
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}, nil
}

func (w *WebhookTransport) Name() string { return "webhook" }

// Send posts n, retrying network errors and 5xx responses with doubling
// backoff. 4xx responses are not retried.
func (w *WebhookTransport) Send(ctx context.Context, n Notice) error {
	payload, err := json.Marshal(webhookPayload{List: n.List, URL: n.URL, QueuedAt: n.QueuedAt.UTC()})
	if err != nil {
		return err
	}

	backoff := w.backoff
	var lastErr error
	for attempt := 1; attempt <= webhookMaxRetries; attempt++ {
		code, body, err := w.post(ctx, payload)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
		case code >= 200 && code < 300:
			return nil
		case code >= 500 || code == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("webhook http %d: %s", code, body)
		default:
			return fmt.Errorf("webhook rejected notice (http %d): %s", code, body)
		}

		if attempt < webhookMaxRetries {
			log.Warn().
				Int("attempt", attempt).
				Int("max", webhookMaxRetries).
				Dur("wait", backoff).
				Err(lastErr).
				Msg("webhook retry")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("all %d webhook attempts failed: %w", webhookMaxRetries, lastErr)
}

func (w *WebhookTransport) post(ctx context.Context, payload []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	buf := respBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer respBufPool.Put(buf)
	_, _ = io.Copy(buf, io.LimitReader(resp.Body, 512))
	body := make([]byte, buf.Len())
	copy(body, buf.Bytes())
	return resp.StatusCode, body, nil
}

// Close releases idle connections.
func (w *WebhookTransport) Close() error {
	w.httpClient.CloseIdleConnections()
	return nil
}
