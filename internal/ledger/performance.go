package ledger

import (
	"context"
	"fmt"
	"math"

	"github.com/zeromicro/go-zero/core/logx"

	cachekeys "alphasim/internal/cache"
)

type performanceRow struct {
	PortfolioValueStart float64 `db:"portfolio_value_start"`
	PortfolioValueEnd   float64 `db:"portfolio_value_end"`
	DailyProfit         float64 `db:"daily_profit"`
}

// ModelPerformance aggregates the model's full daily series, across every
// job that contributed to it.
func (s *Service) ModelPerformance(ctx context.Context, model string) (*PerformanceSummary, error) {
	key := cachekeys.PerformanceKey(model)
	if s.cache != nil {
		var cached PerformanceSummary
		if err := s.cache.GetCtx(ctx, key, &cached); err == nil && cached.Model != "" {
			return &cached, nil
		} else if err != nil && !s.cache.IsNotFound(err) {
			logx.WithContext(ctx).Errorf("ledger: load performance cache key=%s err=%v", key, err)
		}
	}

	query := `SELECT portfolio_value_start, portfolio_value_end, daily_profit FROM trading_days WHERE model = $1 ORDER BY date`
	var rows []performanceRow
	if err := s.db.QueryRowsCtx(ctx, &rows, query, model); err != nil {
		return nil, fmt.Errorf("ledger: performance series model=%s: %w", model, err)
	}

	summary := buildPerformance(model, rows)
	if s.cache != nil {
		ttl := cachekeys.PerformanceTTL(s.ttl)
		if ttl > 0 {
			if err := s.cache.SetWithExpireCtx(ctx, key, summary, ttl); err != nil {
				logx.WithContext(ctx).Errorf("ledger: set performance cache key=%s err=%v", key, err)
			}
		}
	}
	return summary, nil
}

func buildPerformance(model string, rows []performanceRow) *PerformanceSummary {
	summary := &PerformanceSummary{Model: model, TradingDays: len(rows)}
	if len(rows) == 0 {
		return summary
	}

	equity := make([]float64, 0, len(rows)+1)
	equity = append(equity, rows[0].PortfolioValueStart)
	wins := 0
	for _, row := range rows {
		equity = append(equity, row.PortfolioValueEnd)
		if row.DailyProfit > 0 {
			wins++
		}
	}

	if first := equity[0]; first != 0 {
		summary.TotalReturnPct = (equity[len(equity)-1]/first - 1) * 100
	}
	summary.Sharpe = sharpe(equity)
	summary.MaxDrawdownPct = maxDrawdownPct(equity)
	summary.WinRate = float64(wins) / float64(len(rows))
	return summary
}

func maxDrawdownPct(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	peak := series[0]
	mdd := 0.0
	for _, v := range series {
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - v) / peak
		if dd > mdd {
			mdd = dd
		}
	}
	return mdd * 100
}

func sharpe(equity []float64) float64 {
	if len(equity) < 2 {
		return 0
	}
	rets := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			continue
		}
		rets = append(rets, equity[i]/equity[i-1]-1)
	}
	if len(rets) == 0 {
		return 0
	}
	m := 0.0
	for _, r := range rets {
		m += r
	}
	m /= float64(len(rets))
	v := 0.0
	for _, r := range rets {
		d := r - m
		v += d * d
	}
	v /= float64(len(rets))
	sd := math.Sqrt(v)
	if sd == 0 {
		return 0
	}
	return m / sd * math.Sqrt(float64(len(rets)))
}
