// Package marketdata defines the historical market data contract used by the
// backfill pipeline. Concrete providers register themselves by type name and
// are selected through configuration.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider exposes provider-agnostic historical market data.
type Provider interface {
	// DailyBars returns one bar per trading session inside [from, to],
	// oldest first. Sessions the venue never opened (weekends, holidays)
	// are simply absent from the result.
	DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error)
}

// Bar is a single daily OHLCV record.
type Bar struct {
	Symbol string
	Date   time.Time // session date, normalized to midnight UTC
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// RateLimitError reports that the upstream provider refused further requests.
// Callers distinguish it from hard failures to degrade gracefully instead of
// aborting a run.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e *RateLimitError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("marketdata: provider %s rate limited", e.Provider)
	}
	return fmt.Sprintf("marketdata: provider %s rate limited: %s", e.Provider, e.Message)
}

// IsRateLimit reports whether err carries a rate-limit signal.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// Day normalizes t to midnight UTC. Providers and the backfill pipeline key
// every bar by this form.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
