// Package scripted implements a deterministic agent variant. It needs no
// external services, which makes it the workhorse for offline runs and for
// exercising the engine in tests.
package scripted

import (
	"context"
	"fmt"
	"math"

	"alphasim/pkg/agent"
)

const (
	defaultCadence  = 1
	defaultFraction = 0.25

	sessionCountKey = "scripted_sessions"
)

func init() {
	agent.Register("scripted", func(_ agent.Env, cfg *agent.ModelConfig) (agent.Agent, error) {
		return New(cfg), nil
	})
}

// Agent rotates through the instrument universe: on each active session it
// buys a fixed fraction of its cash in the next symbol, or liquidates the
// symbol when it is already held. The session counter lives in the runtime
// state bag, so the rotation continues across days and jobs.
type Agent struct {
	cadence  int
	fraction float64
}

// New constructs the variant from its model configuration.
func New(cfg *agent.ModelConfig) *Agent {
	a := &Agent{cadence: defaultCadence, fraction: defaultFraction}
	if cfg != nil {
		if cfg.Cadence > 0 {
			a.cadence = cfg.Cadence
		}
		if cfg.Fraction > 0 {
			a.fraction = cfg.Fraction
		}
	}
	return a
}

// RunSession implements agent.Agent.
func (a *Agent) RunSession(ctx context.Context, req *agent.SessionRequest) (*agent.SessionResult, error) {
	if req == nil || req.Runtime == nil {
		return nil, fmt.Errorf("scripted: session request requires a runtime")
	}

	n := req.Runtime.IntValue(sessionCountKey)
	req.Runtime.SetValue(sessionCountKey, n+1)

	if !req.Runtime.TradeEnabled {
		return &agent.SessionResult{Reasoning: "trading disabled for this model"}, nil
	}
	if len(req.Universe) == 0 {
		return &agent.SessionResult{Reasoning: "no instruments configured"}, nil
	}
	if n%int64(a.cadence) != 0 {
		return &agent.SessionResult{
			Reasoning: fmt.Sprintf("session %d: holding pattern, next trade in %d sessions", n, int64(a.cadence)-n%int64(a.cadence)),
		}, nil
	}

	symbol := req.Universe[int(n/int64(a.cadence))%len(req.Universe)]
	bar, err := req.Prices.BarOn(ctx, symbol, req.Date)
	if err != nil {
		return nil, fmt.Errorf("scripted: price lookup %s: %w", symbol, err)
	}
	if bar == nil {
		return &agent.SessionResult{
			Reasoning: fmt.Sprintf("session %d: no session for %s on %s", n, symbol, req.Date.Format("2006-01-02")),
		}, nil
	}

	if held := req.Position.Quantity(symbol); held > 0 {
		return &agent.SessionResult{
			Actions: []agent.Action{
				{Type: agent.ActionSell, Symbol: symbol, Quantity: held, Price: bar.Close},
			},
			Reasoning: fmt.Sprintf("session %d: liquidated %g %s at %.2f", n, held, symbol, bar.Close),
		}, nil
	}

	qty := truncateQty(a.fraction * req.Position.Cash / bar.Close)
	if qty <= 0 {
		return &agent.SessionResult{
			Reasoning: fmt.Sprintf("session %d: budget too small for %s at %.2f", n, symbol, bar.Close),
		}, nil
	}
	return &agent.SessionResult{
		Actions: []agent.Action{
			{Type: agent.ActionBuy, Symbol: symbol, Quantity: qty, Price: bar.Close},
		},
		Reasoning: fmt.Sprintf("session %d: bought %g %s at %.2f", n, qty, symbol, bar.Close),
	}, nil
}

// truncateQty floors to four decimals so a buy never rounds above the
// budget that sized it.
func truncateQty(q float64) float64 {
	return math.Floor(q*1e4) / 1e4
}
