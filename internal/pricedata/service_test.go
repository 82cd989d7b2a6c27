package pricedata

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphasim/internal/store"
	"alphasim/pkg/marketdata"
)

type stubProvider struct {
	bars  map[string][]marketdata.Bar
	fail  map[string]error
	limit int // calls served before rate limiting; 0 = unlimited
	calls []string
}

func newStubProvider() *stubProvider {
	return &stubProvider{
		bars: map[string][]marketdata.Bar{},
		fail: map[string]error{},
	}
}

func (p *stubProvider) add(symbol, date string, close float64) {
	p.bars[symbol] = append(p.bars[symbol], marketdata.Bar{
		Symbol: symbol,
		Date:   day(date),
		Open:   close - 1,
		High:   close,
		Low:    close - 1,
		Close:  close,
		Volume: 100,
	})
}

func (p *stubProvider) DailyBars(_ context.Context, symbol string, from, to time.Time) ([]marketdata.Bar, error) {
	if err := p.fail[symbol]; err != nil {
		return nil, err
	}
	if p.limit > 0 && len(p.calls) >= p.limit {
		return nil, &marketdata.RateLimitError{Provider: "stub"}
	}
	p.calls = append(p.calls, symbol)

	var out []marketdata.Bar
	for _, bar := range p.bars[symbol] {
		if !bar.Date.Before(from) && !bar.Date.After(to) {
			out = append(out, bar)
		}
	}
	return out, nil
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func newTestService(t *testing.T, provider marketdata.Provider) *Service {
	t.Helper()
	st, err := store.Open(store.Config{
		Driver: store.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "prices.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Bootstrap(context.Background()))

	svc, err := NewService(Config{Store: st, Provider: provider})
	require.NoError(t, err)
	return svc
}

func TestUpsertAndReads(t *testing.T) {
	svc := newTestService(t, newStubProvider())
	ctx := context.Background()

	require.NoError(t, svc.UpsertBars(ctx, []marketdata.Bar{
		{Symbol: "aapl", Date: day("2025-01-02"), Open: 99, High: 101, Low: 98, Close: 100, Volume: 10},
		{Symbol: "AAPL", Date: day("2025-01-03"), Open: 100, High: 103, Low: 100, Close: 102, Volume: 20},
		{Symbol: "AAPL", Date: day("2025-01-06"), Open: 102, High: 105, Low: 101, Close: 104, Volume: 30},
	}))

	bar, err := svc.BarOn(ctx, "AAPL", day("2025-01-03"))
	require.NoError(t, err)
	require.NotNil(t, bar)
	assert.Equal(t, "AAPL", bar.Symbol, "symbols are stored uppercased")
	assert.InDelta(t, 102, bar.Close, 1e-9)

	bar, err = svc.BarOn(ctx, "AAPL", day("2025-01-04"))
	require.NoError(t, err)
	assert.Nil(t, bar, "closed days return nil, not an error")

	bars, err := svc.BarsThrough(ctx, "AAPL", day("2025-01-03"), 10)
	require.NoError(t, err)
	require.Len(t, bars, 2, "nothing after the requested date may appear")
	assert.Equal(t, "2025-01-02", store.FormatDate(bars[0].Date))
	assert.Equal(t, "2025-01-03", store.FormatDate(bars[1].Date))

	bars, err = svc.BarsThrough(ctx, "AAPL", day("2025-01-06"), 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, "2025-01-03", store.FormatDate(bars[0].Date), "limit keeps the most recent bars")

	latest, err := svc.LatestBar(ctx, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "2025-01-06", store.FormatDate(latest.Date))

	latest, err = svc.LatestBar(ctx, "MISSING")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestUpsertBarsOverwrites(t *testing.T) {
	svc := newTestService(t, newStubProvider())
	ctx := context.Background()

	require.NoError(t, svc.UpsertBars(ctx, []marketdata.Bar{
		{Symbol: "AAPL", Date: day("2025-01-02"), Close: 100, Volume: 10},
	}))
	require.NoError(t, svc.UpsertBars(ctx, []marketdata.Bar{
		{Symbol: "AAPL", Date: day("2025-01-02"), Close: 101, Volume: 11},
	}))

	bar, err := svc.BarOn(ctx, "AAPL", day("2025-01-02"))
	require.NoError(t, err)
	require.NotNil(t, bar)
	assert.InDelta(t, 101, bar.Close, 1e-9)
	assert.Equal(t, int64(11), bar.Volume)
}

func TestComputeGapsAndMergeCoverage(t *testing.T) {
	svc := newTestService(t, newStubProvider())
	ctx := context.Background()

	dates := []time.Time{day("2025-01-02"), day("2025-01-03"), day("2025-01-06")}

	gaps, err := svc.ComputeGaps(ctx, []string{"AAPL"}, dates)
	require.NoError(t, err)
	require.Len(t, gaps["AAPL"], 3, "no coverage means every date is a gap")

	require.NoError(t, svc.MergeCoverage(ctx, "AAPL", day("2025-01-02"), day("2025-01-03")))
	gaps, err = svc.ComputeGaps(ctx, []string{"AAPL"}, dates)
	require.NoError(t, err)
	require.Len(t, gaps["AAPL"], 1)
	assert.Equal(t, "2025-01-06", store.FormatDate(gaps["AAPL"][0]))

	// Adjacent span extends the existing one instead of fragmenting.
	require.NoError(t, svc.MergeCoverage(ctx, "AAPL", day("2025-01-04"), day("2025-01-06")))
	spans, err := svc.Coverage(ctx, "AAPL")
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "2025-01-02", store.FormatDate(spans[0].Start))
	assert.Equal(t, "2025-01-06", store.FormatDate(spans[0].End))

	gaps, err = svc.ComputeGaps(ctx, []string{"AAPL"}, dates)
	require.NoError(t, err)
	assert.Empty(t, gaps, "fully covered symbols are absent from the gap map")
}

func TestMergeSpans(t *testing.T) {
	spans := mergeSpans([]Span{
		{Start: day("2025-01-10"), End: day("2025-01-12")},
		{Start: day("2025-01-01"), End: day("2025-01-03")},
		{Start: day("2025-01-04"), End: day("2025-01-05")}, // adjacent to the first
		{Start: day("2025-01-02"), End: day("2025-01-04")}, // overlapping
	})
	require.Len(t, spans, 2)
	assert.Equal(t, "2025-01-01", store.FormatDate(spans[0].Start))
	assert.Equal(t, "2025-01-05", store.FormatDate(spans[0].End))
	assert.Equal(t, "2025-01-10", store.FormatDate(spans[1].Start))

	assert.Nil(t, mergeSpans(nil))
}

func TestPrioritizedDownloadOrder(t *testing.T) {
	provider := newStubProvider()
	for _, d := range []string{"2025-01-02", "2025-01-03", "2025-01-06", "2025-01-07", "2025-01-08"} {
		provider.add("AAA", d, 10)
	}
	provider.add("BBB", "2025-01-09", 20)
	provider.add("BBB", "2025-01-10", 21)
	svc := newTestService(t, provider)
	ctx := context.Background()

	// AAA alone blocks five dates, BBB two: AAA must download first.
	gaps := map[string][]time.Time{
		"BBB": {day("2025-01-09"), day("2025-01-10")},
		"AAA": {day("2025-01-02"), day("2025-01-03"), day("2025-01-06"), day("2025-01-07"), day("2025-01-08")},
	}

	report, err := svc.PrioritizedDownload(ctx, gaps)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "BBB"}, provider.calls)
	assert.Equal(t, 2, report.Downloaded)
	assert.Equal(t, 7, report.BarsIngested)
	assert.False(t, report.RateLimited)
	assert.Empty(t, report.Warnings)
}

func TestPrioritizedDownloadRateLimit(t *testing.T) {
	provider := newStubProvider()
	for _, d := range []string{"2025-01-02", "2025-01-03", "2025-01-06"} {
		provider.add("AAA", d, 10)
	}
	provider.add("BBB", "2025-01-02", 20)
	provider.limit = 1
	svc := newTestService(t, provider)
	ctx := context.Background()

	gaps := map[string][]time.Time{
		"AAA": {day("2025-01-02"), day("2025-01-03"), day("2025-01-06")},
		"BBB": {day("2025-01-02")},
	}

	report, err := svc.PrioritizedDownload(ctx, gaps)
	require.NoError(t, err, "rate limits degrade, they never fail the run")
	assert.True(t, report.RateLimited)
	assert.Equal(t, 1, report.Downloaded)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "rate limit reached: 1/2")

	// AAA was the higher-value symbol and its dates survived the cutoff.
	bar, err := svc.BarOn(ctx, "AAA", day("2025-01-03"))
	require.NoError(t, err)
	assert.NotNil(t, bar)

	remaining, err := svc.ComputeGaps(ctx, []string{"AAA", "BBB"}, []time.Time{day("2025-01-02")})
	require.NoError(t, err)
	assert.NotContains(t, remaining, "AAA")
	assert.Contains(t, remaining, "BBB")
}

func TestPrioritizedDownloadHardFailure(t *testing.T) {
	provider := newStubProvider()
	provider.add("BBB", "2025-01-02", 20)
	provider.fail["AAA"] = errors.New("boom")
	svc := newTestService(t, provider)
	ctx := context.Background()

	gaps := map[string][]time.Time{
		"AAA": {day("2025-01-02"), day("2025-01-03")},
		"BBB": {day("2025-01-02")},
	}

	report, err := svc.PrioritizedDownload(ctx, gaps)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Downloaded)
	assert.False(t, report.RateLimited)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "download AAA")

	bar, err := svc.BarOn(ctx, "BBB", day("2025-01-02"))
	require.NoError(t, err)
	assert.NotNil(t, bar, "one failed symbol must not stop the rest")
}

func TestTradeableDates(t *testing.T) {
	svc := newTestService(t, newStubProvider())
	ctx := context.Background()

	require.NoError(t, svc.UpsertBars(ctx, []marketdata.Bar{
		{Symbol: "AAA", Date: day("2025-01-02"), Close: 10, Volume: 1},
		{Symbol: "BBB", Date: day("2025-01-02"), Close: 20, Volume: 1},
		{Symbol: "AAA", Date: day("2025-01-03"), Close: 11, Volume: 1},
		// BBB has no bar on the 3rd, nobody has one on the 6th.
	}))

	dates := []time.Time{day("2025-01-02"), day("2025-01-03"), day("2025-01-06")}
	tradeable, err := svc.TradeableDates(ctx, dates, []string{"AAA", "BBB"})
	require.NoError(t, err)
	require.Len(t, tradeable, 1)
	assert.Equal(t, "2025-01-02", store.FormatDate(tradeable[0]))

	tradeable, err = svc.TradeableDates(ctx, dates, []string{"AAA"})
	require.NoError(t, err)
	assert.Len(t, tradeable, 2)

	tradeable, err = svc.TradeableDates(ctx, nil, []string{"AAA"})
	require.NoError(t, err)
	assert.Empty(t, tradeable)
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(Config{})
	assert.Error(t, err)
	_, err = NewService(Config{Provider: newStubProvider()})
	assert.Error(t, err)
}
