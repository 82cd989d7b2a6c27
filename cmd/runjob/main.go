package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"alphasim/internal/config"
	"alphasim/internal/engine"
	"alphasim/internal/svc"
)

const dateLayout = "2006-01-02"

func parseModels(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if _, exists := seen[field]; exists {
			continue
		}
		seen[field] = struct{}{}
		out = append(out, field)
	}
	return out
}

func parseDate(name, raw string) (time.Time, error) {
	d, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s date %q, want YYYY-MM-DD", name, raw)
	}
	return d, nil
}

func fatalf(format string, args ...interface{}) {
	logx.Errorf(format, args...)
	os.Exit(1)
}

func main() {
	var (
		configPath = flag.String("f", "etc/alphasim.yaml", "the config file")
		modelsRaw  = flag.String("models", "", "comma-separated list of model keys to simulate")
		startRaw   = flag.String("start", "", "start date YYYY-MM-DD (default: resume per model)")
		endRaw     = flag.String("end", "", "end date YYYY-MM-DD (default: today)")
		jobID      = flag.String("job-id", "", "optional idempotency key for the job")
		replace    = flag.Bool("replace", false, "re-run dates that already have ledger entries")
	)
	flag.Parse()

	cfg := config.MustLoad(*configPath)
	cfg.MustSetUp()
	logx.DisableStat()

	models := parseModels(*modelsRaw)
	if len(models) == 0 {
		fatalf("no models provided; use --models to name at least one roster key")
	}

	req := &engine.CreateJobRequest{
		JobID:           strings.TrimSpace(*jobID),
		Models:          models,
		ReplaceExisting: *replace,
	}

	if strings.TrimSpace(*startRaw) != "" {
		start, err := parseDate("start", *startRaw)
		if err != nil {
			fatalf("%v", err)
		}
		req.StartDate = &start
	}
	if strings.TrimSpace(*endRaw) != "" {
		end, err := parseDate("end", *endRaw)
		if err != nil {
			fatalf("%v", err)
		}
		req.EndDate = end
	} else {
		now := time.Now().UTC()
		req.EndDate = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}

	sc := svc.NewServiceContext(*cfg)
	defer sc.Store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := sc.Manager.CreateJob(ctx, req)
	if err != nil {
		if engine.IsAlreadyUpToDate(err) {
			fmt.Printf("Nothing to do: all requested models are already up to date through %s\n",
				req.EndDate.Format(dateLayout))
			return
		}
		fatalf("create job: %v", err)
	}
	logx.Infof("created job %s for models %s", id, strings.Join(models, ","))

	if err := sc.Worker.Run(ctx, id); err != nil {
		// The job row records fatal failures; surface the error and let the
		// status report below tell the full story.
		logx.Errorf("job %s: %v", id, err)
	}

	job, details, err := sc.Manager.GetStatus(ctx, id)
	if err != nil {
		fatalf("fetch job status: %v", err)
	}
	printSummary(job, details)

	if job.Status == engine.JobFailed {
		os.Exit(1)
	}
}

func printSummary(job *engine.Job, details []engine.JobDetail) {
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

	fmt.Printf("Job %s finished with status %s\n", job.ID, job.Status)
	fmt.Printf("  models: %s\n", strings.Join(job.Models, ", "))
	fmt.Printf("  end date: %s\n", job.EndDate.Format(dateLayout))
	fmt.Printf("  units: %d completed, %d failed, %d skipped of %d\n",
		completed, failed, skipped, len(details))
	if job.DurationSeconds > 0 {
		fmt.Printf("  duration: %.1fs\n", job.DurationSeconds)
	}
	if job.Error != "" {
		fmt.Printf("  error: %s\n", job.Error)
	}
	for _, warning := range job.Warnings {
		fmt.Printf("  warning: %s\n", warning)
	}
	for _, d := range details {
		if d.Status == engine.DetailFailed {
			fmt.Printf("  failed %s %s: %s\n", d.Date.Format(dateLayout), d.Model, d.Error)
		}
	}
}
