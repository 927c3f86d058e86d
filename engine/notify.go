package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Notifier POSTs alarm lifecycle events to a configured webhook. Sends are
// asynchronous and best-effort; a slow or dead receiver never backs up the
// aggregator.
type Notifier struct {
	webhook string
	client  *http.Client
	log     *zap.Logger
}

// NewNotifier validates the webhook URL and builds a notifier. An empty URL
// yields a disabled notifier; an unsafe one is an error.
func NewNotifier(webhook string, log *zap.Logger) (*Notifier, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if webhook != "" {
		if err := validateWebhookURL(webhook); err != nil {
			return nil, err
		}
	}
	return &Notifier{
		webhook: webhook,
		client:  &http.Client{Timeout: 5 * time.Second},
		log:     log.Named("notify"),
	}, nil
}

// Enabled reports whether a destination is configured.
func (n *Notifier) Enabled() bool { return n != nil && n.webhook != "" }

// Notify sends one event asynchronously.
func (n *Notifier) Notify(event string, payload any) {
	if !n.Enabled() {
		return
	}
	go n.send(event, payload)
}

// validateWebhookURL checks that the webhook uses http/https and does not
// target localhost, link-local, or cloud metadata endpoints.
func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook URL must use http or https scheme, got %q", scheme)
	}
	host := strings.ToLower(u.Hostname())
	blocked := []string{"169.254.169.254", "metadata.google.internal", "localhost", "127.0.0.1", "::1", "[::1]"}
	for _, b := range blocked {
		if host == b {
			return fmt.Errorf("webhook URL host %q is blocked", host)
		}
	}
	return nil
}

func (n *Notifier) send(event string, payload any) {
	body, err := json.Marshal(map[string]any{
		"event":   event,
		"payload": payload,
		"ts":      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		n.log.Warn("notify marshal failed", zap.Error(err))
		return
	}
	req, err := http.NewRequest(http.MethodPost, n.webhook, bytes.NewReader(body))
	if err != nil {
		n.log.Warn("notify request build failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn("notify send failed", zap.String("event", event), zap.Error(err))
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
