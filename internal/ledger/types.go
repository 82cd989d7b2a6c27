package ledger

import (
	"time"

	"alphasim/pkg/agent"
)

// Holding snapshot phases. The start phase records the position a model woke
// up with, the end phase what it carried into the next session.
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
)

// TradingDay is one recorded model-day, holdings attached for both phases.
type TradingDay struct {
	ID                   int64              `json:"id"`
	Model                string             `json:"model"`
	Date                 time.Time          `json:"date"`
	JobID                string             `json:"job_id"`
	StartingCash         float64            `json:"starting_cash"`
	EndingCash           float64            `json:"ending_cash"`
	PortfolioValueStart  float64            `json:"portfolio_value_start"`
	PortfolioValueEnd    float64            `json:"portfolio_value_end"`
	DailyProfit          float64            `json:"daily_profit"`
	DailyReturnPct       float64            `json:"daily_return_pct"`
	DaysSinceLastTrading int                `json:"days_since_last_trading"`
	ReasoningSummary     string             `json:"reasoning_summary,omitempty"`
	ReasoningRef         string             `json:"reasoning_ref,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	StartingHoldings     map[string]float64 `json:"starting_holdings"`
	EndingHoldings       map[string]float64 `json:"ending_holdings"`
}

// TradingDayWrite carries everything the executor knows once a session has
// finished. P&L fields are derived by the ledger, never supplied.
type TradingDayWrite struct {
	Model            string
	Date             time.Time
	JobID            string
	StartingCash     float64
	EndingCash       float64
	StartingHoldings map[string]float64
	EndingHoldings   map[string]float64
	Actions          []agent.Action
	ReasoningSummary string
	ReasoningRef     string
}

// ActionRow is one recorded order (or explicit no_trade) of a trading day.
type ActionRow struct {
	SeqNo      int       `json:"seq_no"`
	Type       string    `json:"type"`
	Symbol     string    `json:"symbol,omitempty"`
	Quantity   float64   `json:"quantity,omitempty"`
	Price      float64   `json:"price,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Filter narrows QueryResults. Zero values mean "any".
type Filter struct {
	JobID string
	Model string
	Date  time.Time
}

// TradingDayResult is a trading day with its ordered actions attached.
type TradingDayResult struct {
	TradingDay
	Actions []ActionRow `json:"actions"`
}

// PerformanceSummary aggregates a model's full cross-job daily series.
type PerformanceSummary struct {
	Model          string  `json:"model"`
	TradingDays    int     `json:"trading_days"`
	TotalReturnPct float64 `json:"total_return_pct"`
	Sharpe         float64 `json:"sharpe"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	WinRate        float64 `json:"win_rate"`
}

// ReplayActions applies an ordered action list to a starting position and
// returns the resulting one. It delegates to the shared replay used for
// validating agent output, so the ledger and the executor cannot drift.
func ReplayActions(start agent.Position, actions []agent.Action) (agent.Position, error) {
	return agent.Replay(start, actions)
}
