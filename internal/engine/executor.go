package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"alphasim/internal/ledger"
	"alphasim/internal/store"
	"alphasim/pkg/agent"
	"alphasim/pkg/marketdata"
)

// boundedPrices caps every read at the session date, so an agent can never
// observe bars from its own future no matter what date it asks for.
type boundedPrices struct {
	inner agent.PriceAccessor
	limit time.Time
}

func (b boundedPrices) BarOn(ctx context.Context, symbol string, date time.Time) (*marketdata.Bar, error) {
	if marketdata.Day(date).After(b.limit) {
		return nil, nil
	}
	return b.inner.BarOn(ctx, symbol, date)
}

func (b boundedPrices) BarsThrough(ctx context.Context, symbol string, date time.Time, limit int) ([]marketdata.Bar, error) {
	if marketdata.Day(date).After(b.limit) {
		date = b.limit
	}
	return b.inner.BarsThrough(ctx, symbol, date, limit)
}

// runModelDay executes one (model, date) unit and always returns normally:
// the outcome, success or failure, lands on the job detail and nothing
// propagates past this boundary.
func (w *Worker) runModelDay(ctx context.Context, job *Job, date time.Time, model string) {
	if err := w.manager.TransitionDetail(ctx, job.ID, date, model, DetailRunning, ""); err != nil {
		logx.WithContext(ctx).Errorf("engine: start detail job=%s model=%s date=%s: %v",
			job.ID, model, store.FormatDate(date), err)
		return
	}

	err := w.executeModelDay(ctx, job, date, model)
	status, msg := DetailCompleted, ""
	if err != nil {
		status, msg = DetailFailed, err.Error()
		logx.WithContext(ctx).Errorf("engine: model day failed job=%s model=%s date=%s: %v",
			job.ID, model, store.FormatDate(date), err)
	}
	if terr := w.manager.TransitionDetail(ctx, job.ID, date, model, status, msg); terr != nil {
		logx.WithContext(ctx).Errorf("engine: finish detail job=%s model=%s date=%s: %v",
			job.ID, model, store.FormatDate(date), terr)
	}
}

// executeModelDay is the unit of simulation: fresh runtime, previous-day
// position, one agent session, validation, the atomic ledger write and the
// checkpoint. A panic anywhere inside is recovered into the returned error.
// The session journal records the outcome either way.
func (w *Worker) executeModelDay(ctx context.Context, job *Job, date time.Time, model string) (err error) {
	started := time.Now()
	rec := &agent.SessionRecord{
		JobID: job.ID,
		Model: model,
		Date:  store.FormatDate(date),
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: model %s day %s panicked: %v", model, store.FormatDate(date), r)
		}
		if err != nil {
			rec.Success = false
			rec.ErrorMessage = err.Error()
			rec.DurationMs = time.Since(started).Milliseconds()
			if _, jerr := w.journal.WriteSession(rec); jerr != nil {
				logx.WithContext(ctx).Errorf("engine: journal failed session job=%s model=%s: %v", job.ID, model, jerr)
			}
		}
	}()

	cfg, ok := w.models.Model(model)
	if !ok {
		return fmt.Errorf("engine: model %s is not configured", model)
	}

	rt, err := agent.NewRuntime(w.engine.DataDir, job.ID, model, date, cfg.TradeEnabled)
	if err != nil {
		return err
	}
	defer func() {
		if derr := rt.Destroy(); derr != nil {
			logx.WithContext(ctx).Errorf("engine: destroy runtime job=%s model=%s: %v", job.ID, model, derr)
		}
	}()
	if err := rt.LoadCheckpoint(); err != nil {
		return err
	}

	prev, err := w.ledger.GetPreviousTradingDay(ctx, model, date)
	if err != nil {
		return err
	}
	start := agent.NewPosition(w.engine.InitialCash)
	if prev != nil {
		start = agent.Position{Cash: prev.EndingCash, Holdings: prev.EndingHoldings}.Clone()
	}
	rec.StartingCash = start.Cash
	rec.StartingHoldings = start.Holdings

	tradingAgent, err := agent.Build(w.env, cfg)
	if err != nil {
		return err
	}

	sessionCtx := ctx
	if cfg.SessionTimeout > 0 {
		var cancel context.CancelFunc
		sessionCtx, cancel = context.WithTimeout(ctx, cfg.SessionTimeout)
		defer cancel()
	}
	res, err := tradingAgent.RunSession(sessionCtx, &agent.SessionRequest{
		Model:    model,
		Date:     date,
		Universe: append([]string(nil), w.engine.Universe...),
		Position: start,
		Prices:   boundedPrices{inner: w.prices, limit: marketdata.Day(date)},
		Runtime:  rt,
	})
	if err != nil {
		return fmt.Errorf("engine: run session model=%s date=%s: %w", model, store.FormatDate(date), err)
	}

	var (
		actions   []agent.Action
		reasoning string
	)
	if res != nil {
		actions = res.Actions
		reasoning = res.Reasoning
	}
	// An empty session still records a no_trade action, so a day the agent
	// sat out stays distinguishable from a day that never executed.
	if len(actions) == 0 {
		actions = []agent.Action{{Type: agent.ActionNoTrade}}
	}
	end, err := agent.Replay(start, actions)
	if err != nil {
		return fmt.Errorf("engine: validate actions model=%s date=%s: %w", model, store.FormatDate(date), err)
	}

	rec.Actions = actions
	rec.EndingCash = end.Cash
	rec.EndingHoldings = end.Holdings
	rec.Reasoning = reasoning
	rec.Success = true
	rec.DurationMs = time.Since(started).Milliseconds()

	ref := ""
	if path, jerr := w.journal.WriteSession(rec); jerr != nil {
		logx.WithContext(ctx).Errorf("engine: journal session job=%s model=%s: %v", job.ID, model, jerr)
	} else {
		ref = path
	}

	if _, err := w.ledger.WriteTradingDay(ctx, ledger.TradingDayWrite{
		Model:            model,
		Date:             date,
		JobID:            job.ID,
		StartingCash:     start.Cash,
		EndingCash:       end.Cash,
		StartingHoldings: start.Holdings,
		EndingHoldings:   end.Holdings,
		Actions:          actions,
		ReasoningSummary: reasoning,
		ReasoningRef:     ref,
	}); err != nil {
		return err
	}

	return rt.SaveCheckpoint()
}
