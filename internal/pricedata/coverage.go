package pricedata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	cachekeys "alphasim/internal/cache"
	"alphasim/internal/store"
	"alphasim/pkg/marketdata"
)

// Span is one contiguous calendar range a symbol has been downloaded for.
// Covered says nothing about bars existing: a covered holiday simply has no
// bar, which is how TradeableDates tells holidays from missing data.
type Span struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s Span) contains(d time.Time) bool {
	return !d.Before(s.Start) && !d.After(s.End)
}

type coverageRow struct {
	Symbol    string `db:"symbol"`
	StartDate string `db:"start_date"`
	EndDate   string `db:"end_date"`
}

// Coverage returns the merged spans recorded for a symbol, oldest first.
func (s *Service) Coverage(ctx context.Context, symbol string) ([]Span, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	key := cachekeys.CoverageKey(symbol)
	if s.cache != nil {
		var cached []Span
		if err := s.cache.GetCtx(ctx, key, &cached); err == nil && len(cached) > 0 {
			return cached, nil
		} else if err != nil && !s.cache.IsNotFound(err) {
			logx.WithContext(ctx).Errorf("pricedata: load coverage cache key=%s err=%v", key, err)
		}
	}

	query := `SELECT symbol, start_date, end_date FROM price_coverage WHERE symbol = $1 ORDER BY start_date`
	var rows []coverageRow
	if err := s.db.QueryRowsCtx(ctx, &rows, query, symbol); err != nil {
		return nil, fmt.Errorf("pricedata: coverage for %s: %w", symbol, err)
	}
	spans := make([]Span, 0, len(rows))
	for _, row := range rows {
		start, err := store.ParseDate(row.StartDate)
		if err != nil {
			return nil, err
		}
		end, err := store.ParseDate(row.EndDate)
		if err != nil {
			return nil, err
		}
		spans = append(spans, Span{Start: start, End: end})
	}

	if s.cache != nil && len(spans) > 0 {
		ttl := cachekeys.CoverageTTL(s.ttl)
		if ttl > 0 {
			if err := s.cache.SetWithExpireCtx(ctx, key, spans, ttl); err != nil {
				logx.WithContext(ctx).Errorf("pricedata: set coverage cache key=%s err=%v", key, err)
			}
		}
	}
	return spans, nil
}

// MergeCoverage records that [from, to] has been downloaded for symbol,
// coalescing with existing spans. The rows for the symbol are rewritten in
// one transaction so readers never see a partial merge.
func (s *Service) MergeCoverage(ctx context.Context, symbol string, from, to time.Time) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	from, to = marketdata.Day(from), marketdata.Day(to)
	if to.Before(from) {
		from, to = to, from
	}

	existing, err := s.Coverage(ctx, symbol)
	if err != nil {
		return err
	}
	merged := mergeSpans(append(existing, Span{Start: from, End: to}))

	err = s.db.TransactCtx(ctx, func(ctx context.Context, session store.Session) error {
		if _, err := session.ExecCtx(ctx, `DELETE FROM price_coverage WHERE symbol = $1`, symbol); err != nil {
			return err
		}
		stmt := `INSERT INTO price_coverage (symbol, start_date, end_date) VALUES ($1, $2, $3)`
		for _, span := range merged {
			if _, err := session.ExecCtx(ctx, stmt, symbol, store.FormatDate(span.Start), store.FormatDate(span.End)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pricedata: merge coverage for %s: %w", symbol, err)
	}
	s.dropCache(ctx, cachekeys.CoverageKey(symbol))
	return nil
}

// ComputeGaps reports, per symbol, the required dates its coverage does not
// include yet. Symbols with full coverage are absent from the result. Only
// coverage rows are consulted, never the provider.
func (s *Service) ComputeGaps(ctx context.Context, symbols []string, dates []time.Time) (map[string][]time.Time, error) {
	gaps := make(map[string][]time.Time)
	for _, symbol := range symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			continue
		}
		spans, err := s.Coverage(ctx, symbol)
		if err != nil {
			return nil, err
		}
		var missing []time.Time
		for _, date := range dates {
			d := marketdata.Day(date)
			covered := false
			for _, span := range spans {
				if span.contains(d) {
					covered = true
					break
				}
			}
			if !covered {
				missing = append(missing, d)
			}
		}
		if len(missing) > 0 {
			sort.Slice(missing, func(i, j int) bool { return missing[i].Before(missing[j]) })
			gaps[symbol] = missing
		}
	}
	return gaps, nil
}

// mergeSpans coalesces overlapping and calendar-adjacent spans.
func mergeSpans(spans []Span) []Span {
	if len(spans) == 0 {
		return nil
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start.Before(spans[j].Start) })

	merged := []Span{spans[0]}
	for _, span := range spans[1:] {
		last := &merged[len(merged)-1]
		if !span.Start.After(last.End.AddDate(0, 0, 1)) {
			if span.End.After(last.End) {
				last.End = span.End
			}
			continue
		}
		merged = append(merged, span)
	}
	return merged
}
