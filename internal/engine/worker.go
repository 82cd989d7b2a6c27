package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"alphasim/internal/ledger"
	"alphasim/internal/pricedata"
	"alphasim/internal/store"
	"alphasim/pkg/agent"
)

// Worker drives one job through its state machine: pending →
// downloading_data → running → terminal. Dates run strictly in order; the
// models of a date run concurrently and are joined before the next date, so
// every day starts from the previous day's recorded position.
type Worker struct {
	manager *Manager
	prices  *pricedata.Service
	ledger  *ledger.Service
	models  *agent.Config
	env     agent.Env
	engine  *Config
	journal *agent.JournalWriter
}

// WorkerConfig enumerates the worker's dependencies.
type WorkerConfig struct {
	Manager *Manager
	Prices  *pricedata.Service
	Ledger  *ledger.Service
	Models  *agent.Config
	Env     agent.Env
	Engine  *Config
}

// NewWorker wires a Worker from its dependencies.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("engine: worker requires the manager")
	}
	if cfg.Prices == nil {
		return nil, fmt.Errorf("engine: worker requires the price service")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("engine: worker requires the ledger")
	}
	if cfg.Models == nil {
		return nil, fmt.Errorf("engine: worker requires the model roster")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine: worker requires the engine config")
	}
	return &Worker{
		manager: cfg.Manager,
		prices:  cfg.Prices,
		ledger:  cfg.Ledger,
		models:  cfg.Models,
		env:     cfg.Env,
		engine:  cfg.Engine,
		journal: agent.NewJournalWriter(filepath.Join(cfg.Engine.DataDir, "journal")),
	}, nil
}

// Run executes the job to a terminal state. Model-day failures never abort
// the run; only fatal stage errors (no tradeable dates, storage failures)
// fail the whole job.
func (w *Worker) Run(ctx context.Context, jobID string) error {
	job, err := w.manager.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("engine: run job %s: %w", jobID, ErrJobNotFound)
	}
	if job.Status.Terminal() {
		logx.WithContext(ctx).Infof("engine: job %s already terminal (%s)", jobID, job.Status)
		return nil
	}

	if err := w.manager.markJobStarted(ctx, jobID); err != nil {
		return w.fail(ctx, jobID, &FatalJobError{Stage: "start job", Err: err})
	}

	details, err := w.manager.loadDetails(ctx, jobID)
	if err != nil {
		return w.fail(ctx, jobID, &FatalJobError{Stage: "load details", Err: err})
	}
	pending := pendingDetails(details)
	dates := distinctDates(pending)
	symbols := append([]string(nil), w.engine.Universe...)

	if err := w.backfill(ctx, jobID, dates, symbols); err != nil {
		return w.fail(ctx, jobID, &FatalJobError{Stage: "download price data", Err: err})
	}

	runnable, err := w.filterTradeable(ctx, jobID, pending, dates, symbols)
	if err != nil {
		return w.fail(ctx, jobID, &FatalJobError{Stage: "resolve tradeable dates", Err: err})
	}
	if len(runnable) == 0 {
		return w.fail(ctx, jobID, &FatalJobError{
			Stage: "resolve tradeable dates",
			Err:   errors.New("no tradeable dates in the requested range"),
		})
	}

	if err := w.manager.setJobStatus(ctx, jobID, JobRunning); err != nil {
		return w.fail(ctx, jobID, &FatalJobError{Stage: "start simulation", Err: err})
	}
	logx.WithContext(ctx).Infof("engine: job %s running %d model-days across %d dates",
		jobID, len(runnable), countDates(runnable))

	byDate := groupByDate(runnable)
	for _, dateKey := range sortedKeys(byDate) {
		if ctx.Err() != nil {
			logx.WithContext(ctx).Infof("engine: job %s interrupted before %s", jobID, dateKey)
			return ctx.Err()
		}
		units := byDate[dateKey]
		var wg sync.WaitGroup
		for i := range units {
			unit := units[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.runModelDay(ctx, job, unit.Date, unit.Model)
			}()
		}
		wg.Wait()
	}

	status, err := w.manager.finalizeJob(ctx, jobID)
	if err != nil {
		return err
	}
	logx.WithContext(ctx).Infof("engine: job %s finished as %s", jobID, status)
	return nil
}

// backfill fills price coverage gaps for the job's dates. Problems surface
// as job warnings; only infrastructure errors propagate.
func (w *Worker) backfill(ctx context.Context, jobID string, dates []time.Time, symbols []string) error {
	if len(dates) == 0 {
		return nil
	}
	gaps, err := w.prices.ComputeGaps(ctx, symbols, dates)
	if err != nil {
		return err
	}
	if len(gaps) == 0 {
		return nil
	}
	report, err := w.prices.PrioritizedDownload(ctx, gaps)
	if err != nil {
		return err
	}
	logx.WithContext(ctx).Infof("engine: job %s backfill downloaded %d/%d symbols, %d bars",
		jobID, report.Downloaded, report.Requested, report.BarsIngested)
	if len(report.Warnings) > 0 {
		if err := w.manager.appendJobWarnings(ctx, jobID, report.Warnings); err != nil {
			logx.WithContext(ctx).Errorf("engine: record backfill warnings job=%s: %v", jobID, err)
		}
	}
	return nil
}

// filterTradeable skips the pending details whose date has no bar for every
// required symbol and returns the ones that can run. Non-tradeable dates are
// expected (holidays land inside any real range) so they produce a warning,
// never a failure.
func (w *Worker) filterTradeable(ctx context.Context, jobID string, pending []JobDetail, dates []time.Time, symbols []string) ([]JobDetail, error) {
	tradeable, err := w.prices.TradeableDates(ctx, dates, symbols)
	if err != nil {
		return nil, err
	}
	tradeableSet := make(map[string]bool, len(tradeable))
	for _, d := range tradeable {
		tradeableSet[store.FormatDate(d)] = true
	}

	var (
		runnable []JobDetail
		dropped  []string
		seen     = make(map[string]bool)
	)
	for i := range pending {
		detail := pending[i]
		key := store.FormatDate(detail.Date)
		if tradeableSet[key] {
			runnable = append(runnable, detail)
			continue
		}
		note := fmt.Sprintf("no market data for %s (market closed or data unavailable)", key)
		if err := w.manager.skipDetail(ctx, &detail, note); err != nil {
			return nil, err
		}
		if !seen[key] {
			seen[key] = true
			dropped = append(dropped, key)
		}
	}
	if len(dropped) > 0 {
		sort.Strings(dropped)
		warning := fmt.Sprintf("dropped %d non-tradeable dates: %s", len(dropped), strings.Join(dropped, ", "))
		if err := w.manager.appendJobWarnings(ctx, jobID, []string{warning}); err != nil {
			logx.WithContext(ctx).Errorf("engine: record tradeable warnings job=%s: %v", jobID, err)
		}
	}
	return runnable, nil
}

// fail stamps the job failed with the fatal error and returns it.
func (w *Worker) fail(ctx context.Context, jobID string, ferr *FatalJobError) error {
	if err := w.manager.failJob(ctx, jobID, ferr.Error()); err != nil {
		logx.WithContext(ctx).Errorf("engine: mark job %s failed: %v", jobID, err)
	}
	return ferr
}

func pendingDetails(details []JobDetail) []JobDetail {
	out := make([]JobDetail, 0, len(details))
	for _, d := range details {
		if d.Status == DetailPending {
			out = append(out, d)
		}
	}
	return out
}

func distinctDates(details []JobDetail) []time.Time {
	seen := make(map[string]time.Time, len(details))
	for _, d := range details {
		seen[store.FormatDate(d.Date)] = d.Date
	}
	dates := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

func groupByDate(details []JobDetail) map[string][]JobDetail {
	byDate := make(map[string][]JobDetail)
	for _, d := range details {
		key := store.FormatDate(d.Date)
		byDate[key] = append(byDate[key], d)
	}
	return byDate
}

func sortedKeys(byDate map[string][]JobDetail) []string {
	keys := make([]string, 0, len(byDate))
	for key := range byDate {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func countDates(details []JobDetail) int {
	seen := make(map[string]bool, len(details))
	for _, d := range details {
		seen[store.FormatDate(d.Date)] = true
	}
	return len(seen)
}
