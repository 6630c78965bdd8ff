package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/core/ports"
	"github.com/tjfontaine/sitepipe/internal/pkg/config"
	"github.com/tjfontaine/sitepipe/internal/pkg/safehttp"
)

// LogTransport writes notifications to the log. It is the local default.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a LogTransport.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(_ context.Context, address, text string) error {
	t.logger.Info("notification", slog.String("subscriber", address), slog.String("text", text))
	return nil
}

// WebhookTransport posts notifications as JSON. With a relay URL every
// message goes there as {"address", "text"}; without one, subscribers must
// be http(s) URLs and receive {"text"} directly.
type WebhookTransport struct {
	relay  string
	client *http.Client
}

// NewWebhookTransport creates a WebhookTransport.
func NewWebhookTransport(relay string, client *http.Client) *WebhookTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookTransport{relay: relay, client: client}
}

type webhookMessage struct {
	Address string `json:"address,omitempty"`
	Text    string `json:"text"`
}

func (t *WebhookTransport) Send(ctx context.Context, address, text string) error {
	target := t.relay
	msg := webhookMessage{Address: address, Text: text}
	if target == "" {
		u, err := url.Parse(address)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return domain.NewDeliveryError(address, fmt.Errorf("subscriber is not an http(s) URL and no relay is configured"))
		}
		target = address
		msg.Address = ""
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return domain.NewDeliveryError(address, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.NewDeliveryError(address, fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
	return nil
}

// NewTransportFromConfig builds the configured transport.
func NewTransportFromConfig(cfg config.NotificationsConfig, logger *slog.Logger) (ports.NotificationTransport, error) {
	timeout := 10 * time.Second
	if cfg.Timeout != "" {
		var err error
		timeout, err = time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, domain.NewConfigError("invalid notifications.timeout %q: %v", cfg.Timeout, err)
		}
	}

	switch cfg.Transport {
	case "", "log":
		return NewLogTransport(logger), nil
	case "webhook":
		client := &http.Client{Timeout: timeout}
		if cfg.BlockPrivateNetworks {
			client = safehttp.NewClient(timeout)
		}
		return NewWebhookTransport(cfg.WebhookURL, client), nil
	default:
		return nil, domain.NewConfigError("unknown notifications.transport %q (must be log or webhook)", cfg.Transport)
	}
}

var (
	_ ports.NotificationTransport = (*LogTransport)(nil)
	_ ports.NotificationTransport = (*WebhookTransport)(nil)
)
