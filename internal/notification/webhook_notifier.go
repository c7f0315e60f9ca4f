package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// WebhookConfig configures JSON alert delivery over HTTP.
type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	Retry   RetryConfig
}

// WebhookNotifier POSTs each alert as JSON. 4xx responses are not retried.
type WebhookNotifier struct {
	cfg        WebhookConfig
	httpClient *http.Client
	logger     *zap.Logger
}

type webhookPayload struct {
	ID      string    `json:"id"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	System  string    `json:"system"`
	Metric  int       `json:"metric"`
	Image   string    `json:"image,omitempty"`
	At      time.Time `json:"at"`
}

func NewWebhookNotifier(cfg WebhookConfig, logger *zap.Logger) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = zap.L()
	}
	return &WebhookNotifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("webhook"),
	}, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	p := webhookPayload{
		ID:      a.ID,
		Subject: a.Subject,
		Body:    a.Body,
		System:  a.System,
		Metric:  a.Metric,
		At:      a.At.UTC(),
	}
	if a.AttachmentPath != "" {
		p.Image = filepath.Base(a.AttachmentPath)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return &SendError{Backend: "webhook", Err: err}
	}

	err = SendWithRetry(ctx, n.cfg.Retry, func(ctx context.Context) error {
		return n.post(ctx, body)
	})
	if err != nil {
		return &SendError{Backend: "webhook", Err: err}
	}
	n.logger.Debug("alert delivered to webhook", zap.String("alert_id", a.ID))
	return nil
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.cfg.Token)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return backoff.Permanent(fmt.Errorf("webhook rejected alert: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg)))
	default:
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
}
