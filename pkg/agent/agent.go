// Package agent defines the contract between the simulation engine and the
// trading agents it runs. Concrete variants register themselves by name and
// are selected through model configuration.
package agent

import (
	"context"
	"sort"
	"time"

	"alphasim/pkg/marketdata"
)

// ActionType enumerates the instructions an agent may emit for a session.
type ActionType string

const (
	ActionBuy     ActionType = "buy"
	ActionSell    ActionType = "sell"
	ActionNoTrade ActionType = "no_trade"
)

// Action is a single instruction produced during a trading session. Buys and
// sells carry symbol, quantity and the execution price; no_trade carries
// nothing and records that the agent deliberately sat out the day.
type Action struct {
	Type     ActionType `json:"type"`
	Symbol   string     `json:"symbol,omitempty"`
	Quantity float64    `json:"quantity,omitempty"`
	Price    float64    `json:"price,omitempty"`
}

// Position is a cash balance plus per-symbol share holdings.
type Position struct {
	Cash     float64            `json:"cash"`
	Holdings map[string]float64 `json:"holdings,omitempty"`
}

// NewPosition returns an all-cash position.
func NewPosition(cash float64) Position {
	return Position{Cash: cash, Holdings: map[string]float64{}}
}

// Clone deep-copies the position so replay never mutates its input.
func (p Position) Clone() Position {
	cp := Position{Cash: p.Cash, Holdings: make(map[string]float64, len(p.Holdings))}
	for symbol, qty := range p.Holdings {
		cp.Holdings[symbol] = qty
	}
	return cp
}

// Quantity returns the held quantity for symbol, zero when absent.
func (p Position) Quantity(symbol string) float64 {
	if p.Holdings == nil {
		return 0
	}
	return p.Holdings[symbol]
}

// Symbols returns the held symbols in sorted order, skipping zero quantities.
func (p Position) Symbols() []string {
	symbols := make([]string, 0, len(p.Holdings))
	for symbol, qty := range p.Holdings {
		if qty != 0 {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// PriceAccessor gives agents date-bounded access to market history. The
// engine hands out accessors capped at the session date, so an agent can
// never observe prices from its own future.
type PriceAccessor interface {
	// BarOn returns the bar for symbol on exactly date, or nil when the
	// venue was closed that day.
	BarOn(ctx context.Context, symbol string, date time.Time) (*marketdata.Bar, error)
	// BarsThrough returns up to limit bars for symbol dated at or before
	// date, oldest first.
	BarsThrough(ctx context.Context, symbol string, date time.Time, limit int) ([]marketdata.Bar, error)
}

// SessionRequest describes one model-day invocation.
type SessionRequest struct {
	Model    string
	Date     time.Time
	Universe []string
	Position Position
	Prices   PriceAccessor
	Runtime  *Runtime
}

// SessionResult carries the decisions an agent made for the day.
type SessionResult struct {
	Actions   []Action
	Reasoning string
}

// Agent runs one simulated trading session per call. Implementations must be
// safe for concurrent sessions on distinct requests; all per-day state
// belongs on the request's Runtime.
type Agent interface {
	RunSession(ctx context.Context, req *SessionRequest) (*SessionResult, error)
}
