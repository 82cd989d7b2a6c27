// Package stub is an offline marketdata implementation that synthesizes
// deterministic daily bars. It backs tests and dry runs where no external
// provider should be touched, and can imitate provider rate limiting.
package stub

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"alphasim/pkg/marketdata"
)

const defaultBasePrice = 100.0

// Provider generates a repeatable price path per symbol. The same
// (symbol, date) always yields the same bar, so separate calls over
// overlapping ranges stay consistent.
type Provider struct {
	mu sync.Mutex

	base     map[string]float64
	holidays map[string]bool

	maxRequests int // 0 means unlimited
	requests    int
}

// Option customises the stub provider.
type Option func(*Provider)

// WithBasePrice pins the reference price for a symbol.
func WithBasePrice(symbol string, price float64) Option {
	return func(p *Provider) {
		if price > 0 {
			p.base[canonical(symbol)] = price
		}
	}
}

// WithHolidays marks dates (YYYY-MM-DD) as closed sessions.
func WithHolidays(dates ...string) Option {
	return func(p *Provider) {
		for _, d := range dates {
			p.holidays[strings.TrimSpace(d)] = true
		}
	}
}

// WithRequestLimit makes the provider return a rate-limit error after n
// successful DailyBars calls.
func WithRequestLimit(n int) Option {
	return func(p *Provider) {
		p.maxRequests = n
	}
}

// New constructs a stub provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		base:     make(map[string]float64),
		holidays: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func init() {
	marketdata.RegisterProvider("stub", func(name string, cfg *marketdata.ProviderConfig) (marketdata.Provider, error) {
		opts := []Option{}
		for symbol, price := range cfg.BasePrices {
			opts = append(opts, WithBasePrice(symbol, price))
		}
		if len(cfg.Holidays) > 0 {
			opts = append(opts, WithHolidays(cfg.Holidays...))
		}
		if cfg.MaxRequests > 0 {
			opts = append(opts, WithRequestLimit(cfg.MaxRequests))
		}
		return New(opts...), nil
	})
}

func canonical(symbol string) string { return strings.ToUpper(strings.TrimSpace(symbol)) }

// DailyBars implements marketdata.Provider.
func (p *Provider) DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]marketdata.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.requests++
	if p.maxRequests > 0 && p.requests > p.maxRequests {
		p.mu.Unlock()
		return nil, &marketdata.RateLimitError{Provider: "stub", Message: "request budget exhausted"}
	}
	p.mu.Unlock()

	sym := canonical(symbol)
	var bars []marketdata.Bar
	for day := marketdata.Day(from); !day.After(marketdata.Day(to)); day = day.AddDate(0, 0, 1) {
		if !p.sessionOpen(day) {
			continue
		}
		bars = append(bars, p.barFor(sym, day))
	}
	return bars, nil
}

// Requests reports how many DailyBars calls were served or rejected.
func (p *Provider) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

func (p *Provider) sessionOpen(day time.Time) bool {
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !p.holidays[day.Format("2006-01-02")]
}

func (p *Provider) barFor(symbol string, day time.Time) marketdata.Bar {
	openPx := p.closeFor(symbol, p.previousSession(day))
	closePx := p.closeFor(symbol, day)
	high, low := openPx, closePx
	if closePx > high {
		high = closePx
	}
	if openPx < low {
		low = openPx
	}
	return marketdata.Bar{
		Symbol: symbol,
		Date:   day,
		Open:   openPx,
		High:   high * 1.005,
		Low:    low * 0.995,
		Close:  closePx,
		Volume: int64(1_000_000 + noise(symbol, day)%1_000_000),
	}
}

func (p *Provider) previousSession(day time.Time) time.Time {
	prev := day.AddDate(0, 0, -1)
	for !p.sessionOpen(prev) {
		prev = prev.AddDate(0, 0, -1)
	}
	return prev
}

// closeFor maps (symbol, date) onto a price within ±5% of the symbol's base.
func (p *Provider) closeFor(symbol string, day time.Time) float64 {
	base, ok := p.base[symbol]
	if !ok {
		base = defaultBasePrice + float64(noise(symbol, time.Time{})%400)
	}
	offset := float64(int64(noise(symbol, day)%1001)-500) / 10000.0
	return base * (1 + offset)
}

func noise(symbol string, day time.Time) uint64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	if !day.IsZero() {
		h.Write([]byte(day.Format("2006-01-02")))
	}
	return h.Sum64()
}
