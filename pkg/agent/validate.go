package agent

import (
	"fmt"
	"math"
	"strings"
)

// Replay applies actions to a starting position in order while enforcing the
// execution constraints: quantities and prices must be positive, a sell
// cannot exceed the held quantity and a buy cannot spend cash the position
// does not have. The input position is never mutated.
func Replay(start Position, actions []Action) (Position, error) {
	pos := start.Clone()
	for i, a := range actions {
		switch a.Type {
		case ActionNoTrade:
			if strings.TrimSpace(a.Symbol) != "" || a.Quantity != 0 || a.Price != 0 {
				return Position{}, fmt.Errorf("action[%d]: no_trade carries no symbol, quantity or price", i)
			}
		case ActionBuy, ActionSell:
			symbol := strings.TrimSpace(a.Symbol)
			if symbol == "" {
				return Position{}, fmt.Errorf("action[%d]: symbol is required", i)
			}
			if a.Quantity <= 0 {
				return Position{}, fmt.Errorf("action[%d]: quantity must be positive", i)
			}
			if a.Price <= 0 {
				return Position{}, fmt.Errorf("action[%d]: price must be positive", i)
			}
			notional := a.Quantity * a.Price
			if a.Type == ActionBuy {
				if notional > pos.Cash+1e-9 {
					return Position{}, fmt.Errorf("action[%d]: buy %s costs %.2f with only %.2f cash available", i, symbol, notional, pos.Cash)
				}
				pos.Cash -= notional
				pos.Holdings[symbol] += a.Quantity
			} else {
				held := pos.Holdings[symbol]
				if a.Quantity > held+1e-9 {
					return Position{}, fmt.Errorf("action[%d]: sell %s quantity %g exceeds held %g", i, symbol, a.Quantity, held)
				}
				pos.Cash += notional
				if remaining := held - a.Quantity; remaining > 1e-9 {
					pos.Holdings[symbol] = remaining
				} else {
					delete(pos.Holdings, symbol)
				}
			}
		default:
			return Position{}, fmt.Errorf("action[%d]: unknown type %q", i, a.Type)
		}
	}
	return pos, nil
}

// ValidateActions checks actions against the starting position without
// materializing the result.
func ValidateActions(start Position, actions []Action) error {
	_, err := Replay(start, actions)
	return err
}

// EqualHoldings reports whether two holdings maps describe the same
// position, tolerating float drift from replayed arithmetic.
func EqualHoldings(a, b map[string]float64) bool {
	for symbol, qty := range a {
		if math.Abs(qty-b[symbol]) > 1e-6 {
			return false
		}
	}
	for symbol, qty := range b {
		if _, ok := a[symbol]; !ok && math.Abs(qty) > 1e-6 {
			return false
		}
	}
	return true
}
