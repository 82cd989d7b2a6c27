package stub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphasim/pkg/marketdata"
)

func date(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestDailyBarsSkipsClosedSessions(t *testing.T) {
	p := New(WithBasePrice("AAPL", 180), WithHolidays("2025-07-04"))

	// Tue 2025-07-01 .. Mon 2025-07-07: weekend 5th/6th plus the holiday drop out.
	bars, err := p.DailyBars(context.Background(), "AAPL", date("2025-07-01"), date("2025-07-07"))
	require.NoError(t, err)
	require.Len(t, bars, 4)

	var got []string
	for _, b := range bars {
		got = append(got, b.Date.Format("2006-01-02"))
	}
	assert.Equal(t, []string{"2025-07-01", "2025-07-02", "2025-07-03", "2025-07-07"}, got)
}

func TestDailyBarsDeterministic(t *testing.T) {
	a := New(WithBasePrice("MSFT", 400))
	b := New(WithBasePrice("MSFT", 400))

	barsA, err := a.DailyBars(context.Background(), "MSFT", date("2025-03-03"), date("2025-03-07"))
	require.NoError(t, err)
	barsB, err := b.DailyBars(context.Background(), "msft", date("2025-03-03"), date("2025-03-07"))
	require.NoError(t, err)

	require.Equal(t, len(barsA), len(barsB))
	for i := range barsA {
		assert.Equal(t, barsA[i].Close, barsB[i].Close, "bar %d differs", i)
	}
	for _, b := range barsA {
		assert.InDelta(t, 400, b.Close, 400*0.06, "close should stay near base")
		assert.GreaterOrEqual(t, b.High, b.Low)
	}
}

func TestDailyBarsRequestLimit(t *testing.T) {
	p := New(WithRequestLimit(1))

	_, err := p.DailyBars(context.Background(), "AAPL", date("2025-03-03"), date("2025-03-04"))
	require.NoError(t, err)

	_, err = p.DailyBars(context.Background(), "MSFT", date("2025-03-03"), date("2025-03-04"))
	require.Error(t, err)
	assert.True(t, marketdata.IsRateLimit(err), "expected rate-limit error, got %v", err)
	assert.Equal(t, 2, p.Requests())
}
