// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package notify defines the Notifier boundary of SPEC_FULL.md §6: the
// engine enqueues outbound messages and enforces its own 25/s drain;
// the chat layer behind Notifier is expected to honour its own 30/s
// external cap. Also provides a generic HTTP-webhook Notifier, grounded
// on the teacher's newsletter/delivery webhook channel, for deployments
// that front the engine with a webhook bridge rather than an in-process
// chat bot.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/sitewarden/engine/internal/logging"
	"github.com/sitewarden/engine/internal/model"
)

// Kind distinguishes a routine change alert from the operational
// messages the engine also needs to deliver (circuit-breaker cooldown
// notices, diagnostic pings), per SPEC_FULL.md's supplemented Kind
// distinction.
type Kind string

const (
	KindChangeAlert Kind = "change_alert"
	KindCooldown    Kind = "cooldown"
	KindDiagnostic  Kind = "diagnostic"
)

// Message is what the engine hands to a Notifier.
type Message struct {
	ChatID          string
	Kind            Kind
	URL             string
	ChangeType      model.ChangeType
	SimilarityFinal float64
	SafeDiff        string
}

// Notifier is the outbound boundary to the chat-presentation layer.
type Notifier interface {
	Deliver(ctx context.Context, msg Message) error
}

// WebhookNotifier posts each message as JSON to a fixed URL, following
// the teacher's webhook delivery channel shape (plain HTTP POST, no
// retry inside the channel itself; the governor's queue drainer does
// not retry either, so a failed delivery is dropped).
type WebhookNotifier struct {
	client *http.Client
	url    string
}

// NewWebhookNotifier builds a WebhookNotifier posting to rawURL.
func NewWebhookNotifier(rawURL string) (*WebhookNotifier, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("webhook url must use http or https")
	}
	return &WebhookNotifier{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    rawURL,
	}, nil
}

// Deliver implements Notifier.
func (w *WebhookNotifier) Deliver(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier delivers every message as a structured log line instead
// of a real chat send. It is the engine's fallback Notifier for
// deployments that have not yet wired a chat front-end or webhook
// bridge — the engine still drives patrols and records history, it
// just can't reach a user.
type LogNotifier struct{}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

// Deliver implements Notifier.
func (LogNotifier) Deliver(_ context.Context, msg Message) error {
	logging.Info().
		Str("chat_id", msg.ChatID).
		Str("kind", string(msg.Kind)).
		Str("url", msg.URL).
		Str("change_type", string(msg.ChangeType)).
		Float64("similarity_final", msg.SimilarityFinal).
		Msg("notification (no chat front-end wired)")
	return nil
}
