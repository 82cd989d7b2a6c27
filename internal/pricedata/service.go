// Package pricedata owns the local OHLCV store: backfilling it from a
// market-data provider under rate limits, tracking which spans have been
// fetched, and serving date-bounded reads to the ledger and the agents.
package pricedata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	gocache "github.com/zeromicro/go-zero/core/stores/cache"

	cachekeys "alphasim/internal/cache"
	"alphasim/internal/store"
	"alphasim/pkg/agent"
	"alphasim/pkg/marketdata"
)

// defaultBarsLimit bounds BarsThrough when the caller does not.
const defaultBarsLimit = 250

// Service persists and serves daily bars. It satisfies agent.PriceAccessor,
// so the same instance backs both the executor's session requests and the
// ledger's valuations.
type Service struct {
	db       *store.Store
	provider marketdata.Provider
	cache    gocache.Cache
	ttl      cachekeys.TTLSet
}

// Config enumerates the price data dependencies. Cache is optional.
type Config struct {
	Store    *store.Store
	Provider marketdata.Provider
	Cache    gocache.Cache
	TTL      cachekeys.TTLSet
}

var _ agent.PriceAccessor = (*Service)(nil)

// NewService returns a price data service over the given store and provider.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("pricedata: store is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("pricedata: provider is required")
	}
	return &Service{
		db:       cfg.Store,
		provider: cfg.Provider,
		cache:    cfg.Cache,
		ttl:      cfg.TTL,
	}, nil
}

type barRow struct {
	Symbol string  `db:"symbol"`
	Date   string  `db:"date"`
	Open   float64 `db:"open"`
	High   float64 `db:"high"`
	Low    float64 `db:"low"`
	Close  float64 `db:"close"`
	Volume int64   `db:"volume"`
}

const barColumns = `symbol, date, open, high, low, close, volume`

// cachedBar is the JSON shape bars take in the cache.
type cachedBar struct {
	Symbol string  `json:"symbol"`
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// UpsertBars writes the batch in one transaction. Re-ingesting a span is
// harmless: existing (symbol, date) rows are overwritten in place.
func (s *Service) UpsertBars(ctx context.Context, bars []marketdata.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	stmt := `
INSERT INTO price_bars (symbol, date, open, high, low, close, volume)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (symbol, date) DO UPDATE SET
    open = excluded.open,
    high = excluded.high,
    low = excluded.low,
    close = excluded.close,
    volume = excluded.volume`

	symbols := make(map[string]bool)
	err := s.db.TransactCtx(ctx, func(ctx context.Context, session store.Session) error {
		for _, bar := range bars {
			symbol := strings.ToUpper(strings.TrimSpace(bar.Symbol))
			if symbol == "" || bar.Date.IsZero() {
				continue
			}
			date := store.FormatDate(marketdata.Day(bar.Date))
			if _, err := session.ExecCtx(ctx, stmt,
				symbol, date, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume,
			); err != nil {
				return err
			}
			symbols[symbol] = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pricedata: upsert bars: %w", err)
	}
	for symbol := range symbols {
		s.dropCache(ctx, cachekeys.LatestBarKey(symbol))
	}
	return nil
}

// BarOn returns the bar for symbol on exactly date, or nil when the venue
// was closed that day.
func (s *Service) BarOn(ctx context.Context, symbol string, date time.Time) (*marketdata.Bar, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	dateKey := store.FormatDate(marketdata.Day(date))

	key := cachekeys.BarKey(symbol, dateKey)
	if s.cache != nil {
		var cached cachedBar
		if err := s.cache.GetCtx(ctx, key, &cached); err == nil && cached.Symbol != "" {
			return barFromCache(&cached)
		} else if err != nil && !s.cache.IsNotFound(err) {
			logx.WithContext(ctx).Errorf("pricedata: load bar cache key=%s err=%v", key, err)
		}
	}

	query := `SELECT ` + barColumns + ` FROM price_bars WHERE symbol = $1 AND date = $2 LIMIT 1`
	var row barRow
	err := s.db.QueryRowCtx(ctx, &row, query, symbol, dateKey)
	if store.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pricedata: bar %s %s: %w", symbol, dateKey, err)
	}
	bar, err := barFromRow(&row)
	if err != nil {
		return nil, err
	}
	s.cacheBar(ctx, key, bar, cachekeys.BarTTL(s.ttl))
	return bar, nil
}

// BarsThrough returns up to limit bars dated at or before date, oldest
// first. This is the anti-look-ahead boundary: nothing after the given date
// is ever returned.
func (s *Service) BarsThrough(ctx context.Context, symbol string, date time.Time, limit int) ([]marketdata.Bar, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if limit <= 0 {
		limit = defaultBarsLimit
	}
	query := `SELECT ` + barColumns + ` FROM price_bars WHERE symbol = $1 AND date <= $2 ORDER BY date DESC LIMIT $3`
	var rows []barRow
	if err := s.db.QueryRowsCtx(ctx, &rows, query, symbol, store.FormatDate(marketdata.Day(date)), limit); err != nil {
		return nil, fmt.Errorf("pricedata: bars for %s through %s: %w", symbol, store.FormatDate(date), err)
	}
	bars := make([]marketdata.Bar, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		bar, err := barFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		bars = append(bars, *bar)
	}
	return bars, nil
}

// LatestBar returns the most recent stored bar for symbol, or nil when the
// symbol has no history.
func (s *Service) LatestBar(ctx context.Context, symbol string) (*marketdata.Bar, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	key := cachekeys.LatestBarKey(symbol)
	if s.cache != nil {
		var cached cachedBar
		if err := s.cache.GetCtx(ctx, key, &cached); err == nil && cached.Symbol != "" {
			return barFromCache(&cached)
		} else if err != nil && !s.cache.IsNotFound(err) {
			logx.WithContext(ctx).Errorf("pricedata: load latest-bar cache key=%s err=%v", key, err)
		}
	}

	query := `SELECT ` + barColumns + ` FROM price_bars WHERE symbol = $1 ORDER BY date DESC LIMIT 1`
	var row barRow
	err := s.db.QueryRowCtx(ctx, &row, query, symbol)
	if store.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pricedata: latest bar %s: %w", symbol, err)
	}
	bar, err := barFromRow(&row)
	if err != nil {
		return nil, err
	}
	s.cacheBar(ctx, key, bar, cachekeys.LatestBarTTL(s.ttl))
	return bar, nil
}

// TradeableDates keeps only the dates on which every given symbol has an
// actual bar. Covered-but-empty dates (market holidays) drop out here.
func (s *Service) TradeableDates(ctx context.Context, dates []time.Time, symbols []string) ([]time.Time, error) {
	if len(dates) == 0 || len(symbols) == 0 {
		return nil, nil
	}
	from, to := dateBounds(dates)

	// One round-trip per symbol, then intersect in memory.
	present := make([]map[string]bool, 0, len(symbols))
	for _, symbol := range symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		query := `SELECT date FROM price_bars WHERE symbol = $1 AND date >= $2 AND date <= $3`
		var rows []string
		if err := s.db.QueryRowsCtx(ctx, &rows, query, symbol, store.FormatDate(from), store.FormatDate(to)); err != nil {
			return nil, fmt.Errorf("pricedata: tradeable dates for %s: %w", symbol, err)
		}
		set := make(map[string]bool, len(rows))
		for _, d := range rows {
			set[d] = true
		}
		present = append(present, set)
	}

	var tradeable []time.Time
	for _, date := range dates {
		dateKey := store.FormatDate(marketdata.Day(date))
		ok := true
		for _, set := range present {
			if !set[dateKey] {
				ok = false
				break
			}
		}
		if ok {
			tradeable = append(tradeable, marketdata.Day(date))
		}
	}
	return tradeable, nil
}

// --- helpers ----------------------------------------------------------------

func (s *Service) cacheBar(ctx context.Context, key string, bar *marketdata.Bar, ttl time.Duration) {
	if s.cache == nil || bar == nil || ttl <= 0 {
		return
	}
	payload := cachedBar{
		Symbol: bar.Symbol,
		Date:   store.FormatDate(bar.Date),
		Open:   bar.Open,
		High:   bar.High,
		Low:    bar.Low,
		Close:  bar.Close,
		Volume: bar.Volume,
	}
	if err := s.cache.SetWithExpireCtx(ctx, key, payload, ttl); err != nil {
		logx.WithContext(ctx).Errorf("pricedata: set bar cache key=%s err=%v", key, err)
	}
}

func (s *Service) dropCache(ctx context.Context, key string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DelCtx(ctx, key); err != nil && !s.cache.IsNotFound(err) {
		logx.WithContext(ctx).Errorf("pricedata: del cache key=%s err=%v", key, err)
	}
}

func barFromRow(row *barRow) (*marketdata.Bar, error) {
	date, err := store.ParseDate(row.Date)
	if err != nil {
		return nil, err
	}
	return &marketdata.Bar{
		Symbol: row.Symbol,
		Date:   date,
		Open:   row.Open,
		High:   row.High,
		Low:    row.Low,
		Close:  row.Close,
		Volume: row.Volume,
	}, nil
}

func barFromCache(cached *cachedBar) (*marketdata.Bar, error) {
	date, err := store.ParseDate(cached.Date)
	if err != nil {
		return nil, err
	}
	return &marketdata.Bar{
		Symbol: cached.Symbol,
		Date:   date,
		Open:   cached.Open,
		High:   cached.High,
		Low:    cached.Low,
		Close:  cached.Close,
		Volume: cached.Volume,
	}, nil
}

func dateBounds(dates []time.Time) (time.Time, time.Time) {
	from, to := marketdata.Day(dates[0]), marketdata.Day(dates[0])
	for _, d := range dates[1:] {
		d = marketdata.Day(d)
		if d.Before(from) {
			from = d
		}
		if d.After(to) {
			to = d
		}
	}
	return from, to
}
