// Package notify delivers JSON callbacks with bounded retries. Transport
// errors, 429 and 5xx responses are retried with exponential backoff; other
// 4xx responses are final.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tutu-network/appgrader/internal/domain"
	"github.com/tutu-network/appgrader/internal/infra/metrics"
)

// Config bounds delivery.
type Config struct {
	Timeout     time.Duration // per attempt
	MaxAttempts int
	BaseDelay   time.Duration // doubles per attempt
	MaxDelay    time.Duration
}

// DefaultConfig returns production delivery defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     10 * time.Second,
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// HTTPNotifier POSTs payloads as JSON.
type HTTPNotifier struct {
	client *http.Client
	cfg    Config
	log    *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a notifier. Zero fields in cfg fall back to DefaultConfig.
func New(cfg Config, log *slog.Logger) *HTTPNotifier {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPNotifier{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		log:    log.With("component", "notify"),
		sleep:  sleepCtx,
	}
}

// Notify implements domain.Notifier. The returned error wraps
// domain.ErrNotify.
func (n *HTTPNotifier) Notify(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", domain.ErrNotify, err)
	}

	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		status, err := n.post(ctx, url, body)
		switch {
		case err == nil && status < 300:
			metrics.NotifyAttempts.WithLabelValues("delivered").Inc()
			n.log.Info("callback delivered", "url", url, "status", status, "attempt", attempt)
			return nil
		case err == nil && !Retryable(status):
			metrics.NotifyAttempts.WithLabelValues("rejected").Inc()
			return fmt.Errorf("%w: %s returned %d", domain.ErrNotify, url, status)
		case err != nil:
			lastErr = err
		default:
			lastErr = fmt.Errorf("status %d", status)
		}

		metrics.NotifyAttempts.WithLabelValues("retryable").Inc()
		if attempt == n.cfg.MaxAttempts {
			break
		}
		delay := Backoff(attempt, n.cfg.BaseDelay, n.cfg.MaxDelay)
		n.log.Debug("callback retry", "url", url, "attempt", attempt, "delay", delay, "error", lastErr)
		if err := n.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrNotify, err)
		}
	}

	metrics.NotifyAttempts.WithLabelValues("exhausted").Inc()
	return fmt.Errorf("%w: %s after %d attempts: %v", domain.ErrNotify, url, n.cfg.MaxAttempts, lastErr)
}

// Send makes a single POST attempt and returns the response status, or 0
// with the error when the request never got a response.
func (n *HTTPNotifier) Send(ctx context.Context, url string, payload any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	return n.post(ctx, url, body)
}

func (n *HTTPNotifier) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "appgrader")

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// Retryable reports whether a response status is worth another attempt.
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// Backoff returns base * 2^(attempt-1), capped at limit.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > limit {
			return limit
		}
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
