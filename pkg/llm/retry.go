package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/openai/openai-go"
)

const (
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 3 * time.Second
	defaultBackoffFactor  = 2.0
)

// RetryConfig tunes the backoff schedule for transient completion failures.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// RetryHandler re-runs an operation on transient failures, stretching the
// wait between attempts up to a cap.
type RetryHandler struct {
	cfg RetryConfig
}

// NewRetryHandler normalizes the configuration: zero or nonsense values fall
// back to the defaults, a negative retry budget means a single attempt.
func NewRetryHandler(cfg RetryConfig) *RetryHandler {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = defaultBackoffFactor
	}
	return &RetryHandler{cfg: cfg}
}

// Do runs fn until it succeeds, fails terminally or the retry budget is
// spent. Context cancellation wins over a pending backoff.
func (r *RetryHandler) Do(ctx context.Context, fn func() error) error {
	wait := r.cfg.InitialBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= r.cfg.MaxRetries || !retryable(err) {
			return err
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}

		wait = time.Duration(float64(wait) * r.cfg.Multiplier)
		if wait > r.cfg.MaxBackoff {
			wait = r.cfg.MaxBackoff
		}
	}
}

// retryable separates failures worth another attempt (rate limits, 5xx
// responses, network hiccups) from ones that will keep failing no matter
// how often we ask.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode == http.StatusRequestTimeout {
			return true
		}
		return apiErr.StatusCode >= http.StatusInternalServerError
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Temporary() {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
