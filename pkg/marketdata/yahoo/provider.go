// Package yahoo fetches daily OHLCV history from Yahoo Finance through the
// piquette/finance-go chart API.
package yahoo

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	finance "github.com/piquette/finance-go"
	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"github.com/shopspring/decimal"

	"alphasim/pkg/marketdata"
)

const defaultHTTPTimeout = 20 * time.Second

// Provider implements marketdata.Provider against Yahoo Finance.
type Provider struct {
	providerID   string
	requestDelay time.Duration
}

type providerConfig struct {
	requestDelay time.Duration
	httpClient   *http.Client
}

// ProviderOption customises the Yahoo provider.
type ProviderOption func(*providerConfig)

// WithRequestDelay spaces consecutive chart requests to stay under the
// provider's informal request budget.
func WithRequestDelay(d time.Duration) ProviderOption {
	return func(cfg *providerConfig) {
		if d > 0 {
			cfg.requestDelay = d
		}
	}
}

// WithHTTPClient replaces the package-level HTTP client used by finance-go.
func WithHTTPClient(client *http.Client) ProviderOption {
	return func(cfg *providerConfig) {
		if client != nil {
			cfg.httpClient = client
		}
	}
}

// NewProvider constructs a Yahoo Finance provider.
func NewProvider(opts ...ProviderOption) *Provider {
	cfg := &providerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	finance.SetHTTPClient(cfg.httpClient)
	return &Provider{providerID: "yahoo", requestDelay: cfg.requestDelay}
}

func init() {
	marketdata.RegisterProvider("yahoo", func(name string, cfg *marketdata.ProviderConfig) (marketdata.Provider, error) {
		opts := []ProviderOption{}
		if cfg.RequestDelay > 0 {
			opts = append(opts, WithRequestDelay(cfg.RequestDelay))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
		}
		provider := NewProvider(opts...)
		provider.providerID = name
		return provider, nil
	})
}

// DailyBars implements marketdata.Provider. Yahoo's period2 bound is
// exclusive, so the range is extended one day to include the final session.
func (p *Provider) DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]marketdata.Bar, error) {
	if err := p.pace(ctx); err != nil {
		return nil, err
	}

	start := marketdata.Day(from)
	end := marketdata.Day(to).AddDate(0, 0, 1)
	params := &chart.Params{
		Symbol:   symbol,
		Start:    datetime.New(&start),
		End:      datetime.New(&end),
		Interval: datetime.OneDay,
	}

	iter := chart.Get(params)
	seen := make(map[time.Time]int)
	var bars []marketdata.Bar
	for iter.Next() {
		b := iter.Bar()
		day := marketdata.Day(time.Unix(int64(b.Timestamp), 0).UTC())
		if day.After(marketdata.Day(to)) {
			continue
		}
		bar := marketdata.Bar{
			Symbol: symbol,
			Date:   day,
			Open:   decimalValue(b.Open),
			High:   decimalValue(b.High),
			Low:    decimalValue(b.Low),
			Close:  decimalValue(b.Close),
			Volume: int64(b.Volume),
		}
		// Yahoo occasionally repeats the most recent session; keep the last.
		if idx, ok := seen[day]; ok {
			bars[idx] = bar
			continue
		}
		seen[day] = len(bars)
		bars = append(bars, bar)
	}
	if err := iter.Err(); err != nil {
		if isRateLimited(err) {
			return bars, &marketdata.RateLimitError{Provider: p.providerID, Message: err.Error()}
		}
		return bars, fmt.Errorf("yahoo: daily bars for %s: %w", symbol, err)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars, nil
}

func (p *Provider) pace(ctx context.Context) error {
	if p.requestDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.requestDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func decimalValue(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func isRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "rate limit")
}
