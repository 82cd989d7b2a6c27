package pricedata

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"alphasim/internal/store"
	"alphasim/pkg/marketdata"
)

// BackfillReport summarizes one PrioritizedDownload run. Warnings are
// job-level notes, never failures.
type BackfillReport struct {
	Requested    int      `json:"requested"`
	Downloaded   int      `json:"downloaded"`
	BarsIngested int      `json:"bars_ingested"`
	RateLimited  bool     `json:"rate_limited"`
	Warnings     []string `json:"warnings,omitempty"`
}

// PrioritizedDownload fills the given gaps symbol by symbol, most valuable
// first: each round it downloads the symbol whose bars alone would complete
// the most still-incomplete dates (a date is complete only once no symbol
// misses it), so an early rate limit leaves the largest possible set of
// fully-usable dates behind. Rate limits stop the run gracefully; a hard
// provider failure skips just that symbol.
func (s *Service) PrioritizedDownload(ctx context.Context, gaps map[string][]time.Time) (*BackfillReport, error) {
	report := &BackfillReport{Requested: len(gaps)}
	if len(gaps) == 0 {
		return report, nil
	}

	// missing[symbol] is the set of date keys the symbol still needs.
	missing := make(map[string]map[string]bool, len(gaps))
	for symbol, dates := range gaps {
		set := make(map[string]bool, len(dates))
		for _, d := range dates {
			set[store.FormatDate(marketdata.Day(d))] = true
		}
		if len(set) > 0 {
			missing[symbol] = set
		}
	}

	for len(missing) > 0 {
		symbol := nextDownload(missing)
		from, to := spanOf(missing[symbol])

		bars, err := s.provider.DailyBars(ctx, symbol, from, to)
		if err != nil {
			if marketdata.IsRateLimit(err) {
				report.RateLimited = true
				report.Warnings = append(report.Warnings, fmt.Sprintf(
					"rate limit reached: %d/%d symbols downloaded", report.Downloaded, report.Requested))
				logx.WithContext(ctx).Infof("pricedata: backfill stopped by rate limit after %d/%d symbols", report.Downloaded, report.Requested)
				break
			}
			report.Warnings = append(report.Warnings, fmt.Sprintf("download %s: %v", symbol, err))
			logx.WithContext(ctx).Errorf("pricedata: download %s [%s..%s]: %v", symbol, store.FormatDate(from), store.FormatDate(to), err)
			delete(missing, symbol)
			continue
		}

		if err := s.UpsertBars(ctx, bars); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("persist %s: %v", symbol, err))
			delete(missing, symbol)
			continue
		}
		if err := s.MergeCoverage(ctx, symbol, from, to); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("coverage %s: %v", symbol, err))
			delete(missing, symbol)
			continue
		}

		report.Downloaded++
		report.BarsIngested += len(bars)
		delete(missing, symbol)
	}
	return report, nil
}

// nextDownload picks the symbol whose download completes the most dates:
// dates it is the sole remaining blocker for. Ties go to the symbol with
// more missing dates, then to the lexically smaller name so runs are
// reproducible.
func nextDownload(missing map[string]map[string]bool) string {
	// blockers[date] counts how many symbols still miss the date.
	blockers := make(map[string]int)
	for _, dates := range missing {
		for d := range dates {
			blockers[d]++
		}
	}

	symbols := make([]string, 0, len(missing))
	for symbol := range missing {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	best := symbols[0]
	bestScore := -1
	for _, symbol := range symbols {
		score := 0
		for d := range missing[symbol] {
			if blockers[d] == 1 {
				score++
			}
		}
		if score > bestScore || (score == bestScore && len(missing[symbol]) > len(missing[best])) {
			best = symbol
			bestScore = score
		}
	}
	return best
}

func spanOf(dates map[string]bool) (time.Time, time.Time) {
	keys := make([]string, 0, len(dates))
	for d := range dates {
		keys = append(keys, d)
	}
	sort.Strings(keys)
	from, _ := store.ParseDate(keys[0])
	to, _ := store.ParseDate(keys[len(keys)-1])
	return from, to
}
