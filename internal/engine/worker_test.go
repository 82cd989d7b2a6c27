package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphasim/internal/ledger"
	"alphasim/pkg/agent"
	"alphasim/pkg/marketdata"
	"alphasim/pkg/marketdata/stub"
)

func init() {
	agent.Register("alwaysfail", func(agent.Env, *agent.ModelConfig) (agent.Agent, error) {
		return sessionFunc(func(context.Context, *agent.SessionRequest) (*agent.SessionResult, error) {
			return nil, errors.New("synthetic session failure")
		}), nil
	})
	agent.Register("alwayspanic", func(agent.Env, *agent.ModelConfig) (agent.Agent, error) {
		return sessionFunc(func(context.Context, *agent.SessionRequest) (*agent.SessionResult, error) {
			panic("kaboom")
		}), nil
	})
}

type sessionFunc func(ctx context.Context, req *agent.SessionRequest) (*agent.SessionResult, error)

func (f sessionFunc) RunSession(ctx context.Context, req *agent.SessionRequest) (*agent.SessionResult, error) {
	return f(ctx, req)
}

func TestWorkerRunsJobEndToEnd(t *testing.T) {
	h := newTestEngine(t, testEngineOptions{Models: twoScriptedModels()})
	ctx := context.Background()

	jobID := h.createJob(t, "2025-01-06", "2025-01-08", "alpha", "beta")
	require.NoError(t, h.worker.Run(ctx, jobID))

	job, details, err := h.manager.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.Status)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.Warnings)
	assert.Empty(t, job.Error)

	require.Len(t, details, 6)
	for _, d := range details {
		assert.Equal(t, DetailCompleted, d.Status, "unit %s/%s", d.Model, d.Date.Format("2006-01-02"))
		assert.NotNil(t, d.StartedAt)
		assert.NotNil(t, d.CompletedAt)
		assert.Empty(t, d.Error)
	}

	// One provider call per symbol covers the whole span.
	assert.Equal(t, 2, h.provider.Requests())

	// alpha (cadence 1) rotates buy AAPL, buy MSFT, then liquidates AAPL.
	rows, err := h.ledger.QueryResults(ctx, ledger.Filter{Model: "alpha"})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.InDelta(t, 10_000, rows[0].StartingCash, 1e-9)
	assert.Empty(t, rows[0].StartingHoldings)
	assert.Zero(t, rows[0].DaysSinceLastTrading)

	require.Len(t, rows[0].Actions, 1)
	assert.Equal(t, string(agent.ActionBuy), rows[0].Actions[0].Type)
	assert.Equal(t, "AAPL", rows[0].Actions[0].Symbol)
	require.Len(t, rows[1].Actions, 1)
	assert.Equal(t, string(agent.ActionBuy), rows[1].Actions[0].Type)
	assert.Equal(t, "MSFT", rows[1].Actions[0].Symbol)
	require.Len(t, rows[2].Actions, 1)
	assert.Equal(t, string(agent.ActionSell), rows[2].Actions[0].Type)
	assert.Equal(t, "AAPL", rows[2].Actions[0].Symbol)

	for i := 1; i < len(rows); i++ {
		assert.InDelta(t, rows[i-1].EndingCash, rows[i].StartingCash, 1e-9,
			"cash must chain day over day")
		assert.True(t, agent.EqualHoldings(rows[i-1].EndingHoldings, rows[i].StartingHoldings),
			"holdings must chain day over day")
		assert.Equal(t, 1, rows[i].DaysSinceLastTrading)
		assert.Equal(t, jobID, rows[i].JobID)
	}
	assert.InDelta(t, 0, rows[2].EndingHoldings["AAPL"], 1e-9, "the liquidation emptied AAPL")
	assert.Greater(t, rows[2].EndingHoldings["MSFT"], 0.0)

	for _, row := range rows {
		assert.Greater(t, row.PortfolioValueStart, 0.0)
		assert.Greater(t, row.PortfolioValueEnd, 0.0)
		assert.NotEmpty(t, row.ReasoningSummary)
		assert.NotEmpty(t, row.ReasoningRef)
	}

	// beta (cadence 2) sat out its second session; the day still records an
	// explicit no_trade.
	rows, err = h.ledger.QueryResults(ctx, ledger.Filter{Model: "beta"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Len(t, rows[1].Actions, 1)
	assert.Equal(t, string(agent.ActionNoTrade), rows[1].Actions[0].Type)

	for _, model := range []string{"alpha", "beta"} {
		for _, date := range []string{"2025-01-06", "2025-01-07", "2025-01-08"} {
			assert.FileExists(t, filepath.Join(h.cfg.DataDir, "journal",
				fmt.Sprintf("session_%s_%s.json", model, date)))
		}
		assert.FileExists(t, filepath.Join(h.cfg.DataDir, "checkpoints", model+".msgpack"))
	}
}

func TestWorkerSkipsHolidayDates(t *testing.T) {
	h := newTestEngine(t, testEngineOptions{
		Provider: stub.New(stub.WithHolidays("2025-01-07")),
	})
	ctx := context.Background()

	jobID := h.createJob(t, "2025-01-06", "2025-01-08", "alpha")
	require.NoError(t, h.worker.Run(ctx, jobID))

	job, details, err := h.manager.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.Status, "skipped holidays do not taint the job")
	require.Len(t, job.Warnings, 1)
	assert.Contains(t, job.Warnings[0], "dropped 1 non-tradeable dates: 2025-01-07")

	require.Len(t, details, 3)
	byDate := map[string]JobDetail{}
	for _, d := range details {
		byDate[d.Date.Format("2006-01-02")] = d
	}
	assert.Equal(t, DetailCompleted, byDate["2025-01-06"].Status)
	assert.Equal(t, DetailSkipped, byDate["2025-01-07"].Status)
	assert.Contains(t, byDate["2025-01-07"].Error, "no market data")
	assert.Equal(t, DetailCompleted, byDate["2025-01-08"].Status)

	rows, err := h.ledger.QueryResults(ctx, ledger.Filter{Model: "alpha"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2025-01-06", rows[0].Date.Format("2006-01-02"))
	assert.Equal(t, "2025-01-08", rows[1].Date.Format("2006-01-02"))
	assert.Equal(t, 2, rows[1].DaysSinceLastTrading, "the gap spans the holiday")

	prev, err := h.ledger.GetPreviousTradingDay(ctx, "alpha", day("2025-01-08"))
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "2025-01-06", prev.Date.Format("2006-01-02"))
}

func TestWorkerFailingModelYieldsPartial(t *testing.T) {
	h := newTestEngine(t, testEngineOptions{
		Models: []agent.ModelConfig{
			{Key: "alpha", Variant: "scripted", Cadence: 1, Fraction: 0.5, TradeEnabled: true},
			{Key: "flaky", Variant: "alwaysfail", TradeEnabled: true},
		},
	})
	ctx := context.Background()

	jobID := h.createJob(t, "2025-01-07", "2025-01-08", "alpha", "flaky")
	require.NoError(t, h.worker.Run(ctx, jobID), "model failures never abort the run")

	job, details, err := h.manager.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobPartial, job.Status)

	for _, d := range details {
		switch d.Model {
		case "alpha":
			assert.Equal(t, DetailCompleted, d.Status)
		case "flaky":
			assert.Equal(t, DetailFailed, d.Status)
			assert.Contains(t, d.Error, "synthetic session failure")
		}
	}

	rows, err := h.ledger.QueryResults(ctx, ledger.Filter{Model: "alpha"})
	require.NoError(t, err)
	assert.Len(t, rows, 2, "the healthy model ran to completion")
	rows, err = h.ledger.QueryResults(ctx, ledger.Filter{Model: "flaky"})
	require.NoError(t, err)
	assert.Empty(t, rows, "failed sessions record no trading day")

	assert.FileExists(t, filepath.Join(h.cfg.DataDir, "journal", "session_flaky_2025-01-07.json"),
		"failed sessions still leave a journal record")
}

func TestWorkerPanickingModelIsContained(t *testing.T) {
	h := newTestEngine(t, testEngineOptions{
		Models: []agent.ModelConfig{
			{Key: "alpha", Variant: "scripted", Cadence: 1, Fraction: 0.5, TradeEnabled: true},
			{Key: "boom", Variant: "alwayspanic", TradeEnabled: true},
		},
	})
	ctx := context.Background()

	jobID := h.createJob(t, "2025-01-08", "2025-01-08", "alpha", "boom")
	require.NoError(t, h.worker.Run(ctx, jobID))

	job, details, err := h.manager.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobPartial, job.Status)
	for _, d := range details {
		if d.Model == "boom" {
			assert.Equal(t, DetailFailed, d.Status)
			assert.Contains(t, d.Error, "panicked")
			assert.Contains(t, d.Error, "kaboom")
		}
	}
}

func TestWorkerFailsWhenNothingTradeable(t *testing.T) {
	h := newTestEngine(t, testEngineOptions{
		Provider: stub.New(stub.WithHolidays("2025-01-07", "2025-01-08")),
	})
	ctx := context.Background()

	jobID := h.createJob(t, "2025-01-07", "2025-01-08", "alpha")
	err := h.worker.Run(ctx, jobID)
	require.Error(t, err)
	var ferr *FatalJobError
	require.ErrorAs(t, err, &ferr)
	assert.Contains(t, ferr.Error(), "no tradeable dates")

	job, details, err := h.manager.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
	assert.Contains(t, job.Error, "no tradeable dates")
	for _, d := range details {
		assert.Equal(t, DetailSkipped, d.Status)
	}
}

func TestWorkerCrossJobContinuity(t *testing.T) {
	h := newTestEngine(t, testEngineOptions{})
	ctx := context.Background()

	first := h.createJob(t, "2025-01-06", "2025-01-07", "alpha")
	require.NoError(t, h.worker.Run(ctx, first))
	job, _, err := h.manager.GetStatus(ctx, first)
	require.NoError(t, err)
	require.Equal(t, JobCompleted, job.Status)

	// No explicit start: the resolver continues from alpha's latest day.
	second := h.createJob(t, "", "2025-01-08", "alpha")
	require.NotEqual(t, first, second)
	require.NoError(t, h.worker.Run(ctx, second))

	rows, err := h.ledger.QueryResults(ctx, ledger.Filter{Model: "alpha"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, first, rows[1].JobID)
	assert.Equal(t, second, rows[2].JobID)
	assert.InDelta(t, rows[1].EndingCash, rows[2].StartingCash, 1e-9,
		"the position chains across job boundaries")
	assert.True(t, agent.EqualHoldings(rows[1].EndingHoldings, rows[2].StartingHoldings))

	prev, err := h.ledger.GetPreviousTradingDay(ctx, "alpha", day("2025-01-08"))
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, first, prev.JobID, "previous-day lookups ignore the job id")

	// Session three of the rotation liquidates AAPL, which proves the
	// checkpointed session counter survived the job boundary too.
	require.Len(t, rows[2].Actions, 1)
	assert.Equal(t, string(agent.ActionSell), rows[2].Actions[0].Type)
	assert.Equal(t, "AAPL", rows[2].Actions[0].Symbol)
}

func TestWorkerIdempotentResume(t *testing.T) {
	h := newTestEngine(t, testEngineOptions{})
	ctx := context.Background()

	jobID := h.createJob(t, "2025-01-06", "2025-01-08", "alpha")
	require.NoError(t, h.worker.Run(ctx, jobID))

	start := day("2025-01-06")
	_, err := h.manager.CreateJob(ctx, &CreateJobRequest{
		StartDate: &start,
		EndDate:   day("2025-01-08"),
		Models:    []string{"alpha"},
	})
	require.Error(t, err)
	assert.True(t, IsAlreadyUpToDate(err), "a re-trigger over recorded days has nothing to do")

	_, err = h.manager.CreateJob(ctx, &CreateJobRequest{
		EndDate: day("2025-01-08"),
		Models:  []string{"alpha"},
	})
	require.Error(t, err)
	assert.True(t, IsAlreadyUpToDate(err))

	rows, err := h.ledger.QueryResults(ctx, ledger.Filter{Model: "alpha"})
	require.NoError(t, err)
	assert.Len(t, rows, 3, "exactly one trading day per (model, date)")
}

func TestWorkerRateLimitLeavesWarning(t *testing.T) {
	h := newTestEngine(t, testEngineOptions{
		Provider: stub.New(stub.WithRequestLimit(1)),
	})
	ctx := context.Background()

	// Only one of the two symbols downloads, so no date has full coverage.
	jobID := h.createJob(t, "2025-01-07", "2025-01-08", "alpha")
	err := h.worker.Run(ctx, jobID)
	require.Error(t, err)
	var ferr *FatalJobError
	require.ErrorAs(t, err, &ferr)

	job, _, err := h.manager.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
	require.NotEmpty(t, job.Warnings)
	assert.Contains(t, job.Warnings[0], "rate limit reached: 1/2")
	assert.Equal(t, 2, h.provider.Requests())
}

func TestWorkerTradingDisabledModel(t *testing.T) {
	h := newTestEngine(t, testEngineOptions{
		Models: []agent.ModelConfig{
			{Key: "paper", Variant: "scripted", Cadence: 1, Fraction: 0.5, TradeEnabled: false},
		},
	})
	ctx := context.Background()

	jobID := h.createJob(t, "2025-01-07", "2025-01-08", "paper")
	require.NoError(t, h.worker.Run(ctx, jobID))

	job, _, err := h.manager.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.Status)

	rows, err := h.ledger.QueryResults(ctx, ledger.Filter{Model: "paper"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.Len(t, row.Actions, 1)
		assert.Equal(t, string(agent.ActionNoTrade), row.Actions[0].Type)
		assert.InDelta(t, 10_000, row.EndingCash, 1e-9)
		assert.Contains(t, row.ReasoningSummary, "trading disabled")
	}
}

func TestWorkerSkipsTerminalJob(t *testing.T) {
	h := newTestEngine(t, testEngineOptions{})
	ctx := context.Background()

	jobID := h.createJob(t, "2025-01-07", "2025-01-08", "alpha")
	h.finishAllDetails(t, jobID, DetailCompleted)

	require.NoError(t, h.worker.Run(ctx, jobID))

	rows, err := h.ledger.QueryResults(ctx, ledger.Filter{Model: "alpha"})
	require.NoError(t, err)
	assert.Empty(t, rows, "a terminal job must not execute anything")
}

func TestBoundedPricesCapsAtSessionDate(t *testing.T) {
	h := newTestEngine(t, testEngineOptions{})
	ctx := context.Background()

	require.NoError(t, h.prices.UpsertBars(ctx, []marketdata.Bar{
		{Symbol: "AAPL", Date: day("2025-01-06"), Close: 100, Volume: 1},
		{Symbol: "AAPL", Date: day("2025-01-07"), Close: 101, Volume: 1},
		{Symbol: "AAPL", Date: day("2025-01-08"), Close: 102, Volume: 1},
	}))

	bounded := boundedPrices{inner: h.prices, limit: day("2025-01-07")}

	bar, err := bounded.BarOn(ctx, "AAPL", day("2025-01-08"))
	require.NoError(t, err)
	assert.Nil(t, bar, "future bars are invisible")

	bar, err = bounded.BarOn(ctx, "AAPL", day("2025-01-07"))
	require.NoError(t, err)
	require.NotNil(t, bar)
	assert.InDelta(t, 101, bar.Close, 1e-9)

	bars, err := bounded.BarsThrough(ctx, "AAPL", day("2025-01-08"), 10)
	require.NoError(t, err)
	require.Len(t, bars, 2, "history reads clamp to the session date")
	assert.Equal(t, "2025-01-07", bars[len(bars)-1].Date.Format("2006-01-02"))
}
