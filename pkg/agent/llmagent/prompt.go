package llmagent

import (
	"context"
	"fmt"
	"strings"

	"alphasim/pkg/agent"
)

// historyBars bounds the per-symbol close history shown to the model.
const historyBars = 10

const systemPrompt = `You manage a simulated stock portfolio in a daily trading game.
Each session covers exactly one trading day. You receive your cash, current
holdings and recent closing prices for a fixed instrument universe. Decide
which orders to place today; every order fills at today's closing price.
Rules: you may only trade symbols from the universe, you cannot sell shares
you do not hold, and buys are limited by your cash. Fractional share
quantities are allowed. If nothing looks attractive, return no decisions.
Respond only with the structured decision object.`

func buildUserPrompt(ctx context.Context, req *agent.SessionRequest, previousNote string) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "Date: %s (%s)\n", req.Date.Format("2006-01-02"), req.Date.Weekday())
	fmt.Fprintf(&b, "Cash: $%.2f\n", req.Position.Cash)

	b.WriteString("Holdings:\n")
	held := req.Position.Symbols()
	if len(held) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, symbol := range held {
		fmt.Fprintf(&b, "  %s: %g shares\n", symbol, req.Position.Quantity(symbol))
	}

	b.WriteString("Recent daily closes, oldest to newest:\n")
	for _, symbol := range req.Universe {
		bars, err := req.Prices.BarsThrough(ctx, symbol, req.Date, historyBars)
		if err != nil {
			return "", fmt.Errorf("history for %s: %w", symbol, err)
		}
		if len(bars) == 0 {
			fmt.Fprintf(&b, "  %s: (no data)\n", symbol)
			continue
		}
		closes := make([]string, 0, len(bars))
		for _, bar := range bars {
			closes = append(closes, fmt.Sprintf("%.2f", bar.Close))
		}
		fmt.Fprintf(&b, "  %s: %s\n", symbol, strings.Join(closes, " "))
	}

	if note := strings.TrimSpace(previousNote); note != "" {
		fmt.Fprintf(&b, "Your note from the previous session: %s\n", note)
	}

	b.WriteString("Place today's orders.")
	return b.String(), nil
}
