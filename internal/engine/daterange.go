package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"alphasim/internal/ledger"
	"alphasim/internal/store"
	"alphasim/pkg/agent"
	"alphasim/pkg/marketdata"
)

// Resolver turns a job request into the per-model weekday lists the job
// still has to simulate. It only reads; CreateJob materializes its output.
type Resolver struct {
	ledger *ledger.Service
	models *agent.Config
	engine *Config
	now    func() time.Time
}

// ResolverConfig enumerates the resolver's dependencies. Clock is optional
// and defaults to time.Now.
type ResolverConfig struct {
	Ledger *ledger.Service
	Models *agent.Config
	Engine *Config
	Clock  func() time.Time
}

// NewResolver wires a Resolver from its dependencies.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("engine: resolver requires the ledger")
	}
	if cfg.Models == nil {
		return nil, fmt.Errorf("engine: resolver requires the model roster")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine: resolver requires the engine config")
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		ledger: cfg.Ledger,
		models: cfg.Models,
		engine: cfg.Engine,
		now:    now,
	}, nil
}

// Resolve validates the request and expands it into per-model date lists.
// Each model starts from the explicit start date when given, otherwise from
// the day after its own latest recorded trading day, otherwise (cold start)
// from the end date itself. Weekends are dropped, and unless the request
// replaces existing results, so are dates the model already recorded.
// ErrAlreadyUpToDate is returned when no model has anything left to do.
func (r *Resolver) Resolve(ctx context.Context, req *CreateJobRequest) (*Plan, error) {
	if req == nil {
		return nil, validationf("resolve: request is nil")
	}
	models := normalizeModels(req.Models)
	if err := r.validate(req, models); err != nil {
		return nil, err
	}

	end := marketdata.Day(req.EndDate)
	perModel := make(map[string][]time.Time, len(models))
	union := make(map[string]time.Time)

	for _, model := range models {
		start, err := r.effectiveStart(ctx, model, req, end)
		if err != nil {
			return nil, err
		}
		dates := weekdaysBetween(start, end)
		if !req.ReplaceExisting && len(dates) > 0 {
			completed, err := r.ledger.CompletedDates(ctx, model, start, end)
			if err != nil {
				return nil, err
			}
			remaining := make([]time.Time, 0, len(dates))
			for _, d := range dates {
				if !completed[store.FormatDate(d)] {
					remaining = append(remaining, d)
				}
			}
			dates = remaining
		}
		if len(dates) == 0 {
			continue
		}
		perModel[model] = dates
		for _, d := range dates {
			union[store.FormatDate(d)] = d
		}
	}
	if len(perModel) == 0 {
		return nil, ErrAlreadyUpToDate
	}

	sorted := make([]time.Time, 0, len(union))
	for _, d := range union {
		sorted = append(sorted, d)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	return &Plan{
		PerModel: perModel,
		Dates:    sorted,
		Symbols:  append([]string(nil), r.engine.Universe...),
	}, nil
}

func (r *Resolver) validate(req *CreateJobRequest, models []string) error {
	if len(models) == 0 {
		return validationf("at least one model is required")
	}
	seen := make(map[string]struct{}, len(models))
	for _, model := range models {
		if _, ok := seen[model]; ok {
			return validationf("duplicate model %q", model)
		}
		seen[model] = struct{}{}
		if _, ok := r.models.Model(model); !ok {
			return validationf("unknown model %q", model)
		}
	}

	if req.EndDate.IsZero() {
		return validationf("end date is required")
	}
	end := marketdata.Day(req.EndDate)
	today := marketdata.Day(r.now())
	if end.After(today) {
		return validationf("end date %s is in the future", store.FormatDate(end))
	}
	if req.StartDate != nil {
		start := marketdata.Day(*req.StartDate)
		if start.After(end) {
			return validationf("start date %s is after end date %s",
				store.FormatDate(start), store.FormatDate(end))
		}
		if span := inclusiveDays(start, end); span > r.engine.MaxRangeDays {
			return validationf("date range spans %d days, exceeding the %d-day limit",
				span, r.engine.MaxRangeDays)
		}
	}
	return nil
}

func (r *Resolver) effectiveStart(ctx context.Context, model string, req *CreateJobRequest, end time.Time) (time.Time, error) {
	if req.StartDate != nil {
		return marketdata.Day(*req.StartDate), nil
	}
	latest, ok, err := r.ledger.LatestTradingDate(ctx, model)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		// Cold start: a single day keeps the first run cheap and gives the
		// continuity chain its anchor.
		return end, nil
	}
	start := latest.AddDate(0, 0, 1)
	if start.After(end) {
		return start, nil
	}
	if span := inclusiveDays(start, end); span > r.engine.MaxRangeDays {
		return time.Time{}, validationf(
			"model %s needs %d days to catch up to %s, exceeding the %d-day limit; pass an explicit start date",
			model, span, store.FormatDate(end), r.engine.MaxRangeDays)
	}
	return start, nil
}

// weekdaysBetween expands the inclusive range to Monday-Friday dates.
// Market holidays are not considered here; they fall out later when the
// backfill finds no bars for them.
func weekdaysBetween(from, to time.Time) []time.Time {
	from, to = marketdata.Day(from), marketdata.Day(to)
	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days = append(days, d)
		}
	}
	return days
}

func inclusiveDays(from, to time.Time) int {
	return int(to.Sub(from).Hours()/24) + 1
}

func normalizeModels(models []string) []string {
	out := make([]string, 0, len(models))
	for _, m := range models {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}
