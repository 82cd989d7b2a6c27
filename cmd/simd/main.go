package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"alphasim/internal/cli"
	"alphasim/internal/config"
	"alphasim/internal/engine"
	"alphasim/internal/svc"
)

const (
	cleanupInterval = 6 * time.Hour    // Retention sweep cadence
	shutdownTimeout = 10 * time.Second // Grace period for shutdown
)

var configFile = flag.String("f", "etc/alphasim.yaml", "the config file")

func main() {
	flag.Parse()

	cfg := config.MustLoad(*configFile)
	cfg.MustSetUp()
	logx.DisableStat()

	cli.LogConfigSummary(cfg)

	// Sections missing from the root config fall back to the default
	// etc/*.yaml files at the project root.
	if cfg.Engine.Value == nil {
		logx.Info("engine section absent, loading etc/engine.yaml")
		cfg.Engine.Value = config.MustLoadEngine()
	}
	if cfg.Agents.Value == nil {
		logx.Info("agents section absent, loading etc/agents.yaml")
		cfg.Agents.Value = config.MustLoadAgents()
	}
	if cfg.MarketData.Value == nil {
		logx.Info("market data section absent, loading etc/marketdata.yaml")
		cfg.MarketData.Value = config.MustLoadMarketData()
	}

	sc := svc.NewServiceContext(*cfg)
	defer sc.Store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Jobs left mid-flight by a previous process are finalised before any
	// new work is picked up.
	if n, err := sc.Manager.RecoverStaleJobs(ctx); err != nil {
		logx.Errorf("recover stale jobs: %v", err)
	} else if n > 0 {
		logx.Infof("recovered %d stale job(s) from a previous run", n)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		runJobLoop(ctx, sc)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runRetentionLoop(ctx, sc)
	}()

	logx.Infof("simd started: polling every %s, retaining finished jobs for %d days",
		sc.EngineConfig.PollInterval, sc.EngineConfig.RetentionDays)

	<-ctx.Done()
	logx.Info("shutdown signal received, stopping loops")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logx.Info("all loops stopped cleanly")
	case <-shutdownCtx.Done():
		logx.Error("shutdown timeout exceeded, forcing exit")
	}
}

// runJobLoop polls for pending jobs and runs them one at a time.
func runJobLoop(ctx context.Context, sc *svc.ServiceContext) {
	ticker := time.NewTicker(sc.EngineConfig.PollInterval)
	defer ticker.Stop()

	// Run once immediately on startup
	drainPending(ctx, sc)

	for {
		select {
		case <-ctx.Done():
			logx.Info("job loop stopped")
			return
		case <-ticker.C:
			drainPending(ctx, sc)
		}
	}
}

// drainPending works through the pending queue until it is empty or an
// error suggests waiting for the next tick.
func drainPending(ctx context.Context, sc *svc.ServiceContext) {
	for ctx.Err() == nil {
		job, err := sc.Manager.NextPending(ctx)
		if err != nil {
			logx.Errorf("next pending job: %v", err)
			return
		}
		if job == nil {
			return
		}

		logx.Infof("job %s: starting %d model(s) through %s",
			job.ID, len(job.Models), job.EndDate.Format("2006-01-02"))
		if err := sc.Worker.Run(ctx, job.ID); err != nil {
			// Fatal job errors are already recorded on the job row; anything
			// else (cancellation, store trouble) waits for the next tick.
			logx.Errorf("job %s: %v", job.ID, err)
			var ferr *engine.FatalJobError
			if !errors.As(err, &ferr) {
				return
			}
			continue
		}
		reportJob(ctx, sc, job.ID)
	}
}

func reportJob(ctx context.Context, sc *svc.ServiceContext, jobID string) {
	job, details, err := sc.Manager.GetStatus(ctx, jobID)
	if err != nil {
		logx.Errorf("job %s: fetch status: %v", jobID, err)
		return
	}

	var completed, failed, skipped int
	for _, d := range details {
		switch d.Status {
		case engine.DetailCompleted:
			completed++
		case engine.DetailFailed:
			failed++
		case engine.DetailSkipped:
			skipped++
		}
	}

	logx.Infof("job %s: %s (%d completed, %d failed, %d skipped of %d units, %.1fs)",
		job.ID, job.Status, completed, failed, skipped, len(details), job.DurationSeconds)
	for _, warning := range job.Warnings {
		logx.Infof("job %s: warning: %s", job.ID, warning)
	}
}

// runRetentionLoop prunes finished jobs past the retention window.
func runRetentionLoop(ctx context.Context, sc *svc.ServiceContext) {
	if sc.EngineConfig.RetentionDays <= 0 {
		logx.Info("retention disabled, finished jobs are kept forever")
		return
	}

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	// Run once immediately on startup
	sweepRetention(ctx, sc)

	for {
		select {
		case <-ctx.Done():
			logx.Info("retention loop stopped")
			return
		case <-ticker.C:
			sweepRetention(ctx, sc)
		}
	}
}

func sweepRetention(ctx context.Context, sc *svc.ServiceContext) {
	if ctx.Err() != nil {
		return
	}
	n, err := sc.Manager.CleanupOlderThan(ctx, sc.EngineConfig.RetentionDays)
	if err != nil {
		logx.Errorf("retention sweep: %v", err)
		return
	}
	if n > 0 {
		logx.Infof("retention sweep removed %d finished job(s)", n)
	}
}
