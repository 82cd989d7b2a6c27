package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"alphasim/internal/ledger"
	"alphasim/internal/pricedata"
	"alphasim/internal/store"
	"alphasim/pkg/agent"
	_ "alphasim/pkg/agent/scripted"
	"alphasim/pkg/marketdata/stub"
)

// testEngine wires the full engine stack onto a throwaway sqlite store: stub
// provider, price service, ledger, resolver, manager and worker, all sharing
// a controllable clock.
type testEngine struct {
	store    *store.Store
	provider *stub.Provider
	prices   *pricedata.Service
	ledger   *ledger.Service
	resolver *Resolver
	manager  *Manager
	worker   *Worker
	cfg      *Config

	clock time.Time
}

// testEngineOptions override the harness defaults; zero values keep them.
type testEngineOptions struct {
	Universe     []string
	Models       []agent.ModelConfig
	Provider     *stub.Provider
	Today        string
	MaxRangeDays int
	InitialCash  float64
}

// 2025-01-10 is a Friday, so ranges inside the first two weeks of January
// 2025 give the tests a predictable weekday layout.
func newTestEngine(t *testing.T, opts testEngineOptions) *testEngine {
	t.Helper()

	if len(opts.Universe) == 0 {
		opts.Universe = []string{"AAPL", "MSFT"}
	}
	if len(opts.Models) == 0 {
		opts.Models = []agent.ModelConfig{
			{Key: "alpha", Variant: "scripted", Cadence: 1, Fraction: 0.5, TradeEnabled: true},
		}
	}
	if opts.Provider == nil {
		opts.Provider = stub.New()
	}
	if opts.Today == "" {
		opts.Today = "2025-01-10"
	}
	if opts.MaxRangeDays == 0 {
		opts.MaxRangeDays = 90
	}
	if opts.InitialCash == 0 {
		opts.InitialCash = 10_000
	}

	st, err := store.Open(store.Config{
		Driver: store.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "engine.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Bootstrap(context.Background()))

	prices, err := pricedata.NewService(pricedata.Config{Store: st, Provider: opts.Provider})
	require.NoError(t, err)
	led, err := ledger.NewService(ledger.Config{Store: st, Prices: prices})
	require.NoError(t, err)

	cfg := &Config{
		InitialCash:   opts.InitialCash,
		MaxRangeDays:  opts.MaxRangeDays,
		Universe:      opts.Universe,
		DataDir:       t.TempDir(),
		RetentionDays: 30,
		PollInterval:  time.Second,
	}
	roster := &agent.Config{Models: opts.Models}

	h := &testEngine{
		store:    st,
		provider: opts.Provider,
		prices:   prices,
		ledger:   led,
		cfg:      cfg,
		clock:    day(opts.Today),
	}

	resolver, err := NewResolver(ResolverConfig{Ledger: led, Models: roster, Engine: cfg, Clock: h.now})
	require.NoError(t, err)
	manager, err := NewManager(ManagerConfig{Store: st, Resolver: resolver, Clock: h.now})
	require.NoError(t, err)
	worker, err := NewWorker(WorkerConfig{
		Manager: manager,
		Prices:  prices,
		Ledger:  led,
		Models:  roster,
		Engine:  cfg,
	})
	require.NoError(t, err)

	h.resolver = resolver
	h.manager = manager
	h.worker = worker
	return h
}

func (h *testEngine) now() time.Time { return h.clock }

func (h *testEngine) advance(d time.Duration) { h.clock = h.clock.Add(d) }

// seedTradingDay records a cold no-trade day directly in the ledger, the
// cheapest way to give a model prior history. All-cash days need no price
// bars for their valuations.
func (h *testEngine) seedTradingDay(t *testing.T, model, date, jobID string, cash float64) {
	t.Helper()
	_, err := h.ledger.WriteTradingDay(context.Background(), ledger.TradingDayWrite{
		Model:        model,
		Date:         day(date),
		JobID:        jobID,
		StartingCash: cash,
		EndingCash:   cash,
		Actions:      []agent.Action{{Type: agent.ActionNoTrade}},
	})
	require.NoError(t, err)
}

// createJob resolves and persists a job for the given explicit range.
func (h *testEngine) createJob(t *testing.T, start, end string, models ...string) string {
	t.Helper()
	req := &CreateJobRequest{EndDate: day(end), Models: models}
	if start != "" {
		s := day(start)
		req.StartDate = &s
	}
	jobID, err := h.manager.CreateJob(context.Background(), req)
	require.NoError(t, err)
	return jobID
}

// finishAllDetails walks every non-terminal detail to the given status so
// the job reaches a terminal state without running the worker.
func (h *testEngine) finishAllDetails(t *testing.T, jobID string, status DetailStatus) {
	t.Helper()
	ctx := context.Background()
	_, details, err := h.manager.GetStatus(ctx, jobID)
	require.NoError(t, err)
	for _, d := range details {
		if d.Status.Terminal() {
			continue
		}
		msg := ""
		if status == DetailFailed {
			msg = "forced by test"
		}
		require.NoError(t, h.manager.TransitionDetail(ctx, jobID, d.Date, d.Model, status, msg))
	}
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func dateKeys(dates []time.Time) []string {
	keys := make([]string, 0, len(dates))
	for _, d := range dates {
		keys = append(keys, store.FormatDate(d))
	}
	return keys
}
