// Package llmagent implements the LLM-backed agent variant. Each session
// renders the model's position and recent price history into a prompt, asks
// the chat model for structured decisions and maps them onto executable
// actions filled at the session's closing prices.
package llmagent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"alphasim/pkg/agent"
	"alphasim/pkg/llm"
)

const noteKey = "llm_note"

func init() {
	agent.Register("llm", func(env agent.Env, cfg *agent.ModelConfig) (agent.Agent, error) {
		return New(env.LLM, cfg)
	})
}

// Agent asks a chat model for the day's trades using structured output.
type Agent struct {
	client llm.LLMClient
	cfg    *agent.ModelConfig
}

// New constructs the variant. The client is required; deployments without a
// configured LLM backend cannot run llm models.
func New(client llm.LLMClient, cfg *agent.ModelConfig) (*Agent, error) {
	if client == nil {
		return nil, errors.New("llmagent: llm client is required")
	}
	if cfg == nil {
		return nil, errors.New("llmagent: model config is required")
	}
	return &Agent{client: client, cfg: cfg}, nil
}

type decisionContract struct {
	Decisions []decisionItem `json:"decisions" description:"today's orders; empty to sit out"`
	Summary   string         `json:"summary" description:"one or two sentences on today's thinking"`
	Note      string         `json:"note,omitempty" description:"private note carried into the next session"`
}

type decisionItem struct {
	Action   string  `json:"action" description:"buy, sell or no_trade"`
	Symbol   string  `json:"symbol,omitempty" description:"instrument symbol, required for buy and sell"`
	Quantity float64 `json:"quantity,omitempty" description:"share quantity, required for buy and sell"`
}

// RunSession implements agent.Agent.
func (a *Agent) RunSession(ctx context.Context, req *agent.SessionRequest) (*agent.SessionResult, error) {
	if req == nil || req.Runtime == nil {
		return nil, errors.New("llmagent: session request requires a runtime")
	}
	if !req.Runtime.TradeEnabled {
		return &agent.SessionResult{Reasoning: "trading disabled for this model"}, nil
	}

	prompt, err := buildUserPrompt(ctx, req, req.Runtime.StringValue(noteKey))
	if err != nil {
		return nil, fmt.Errorf("llmagent: build prompt: %w", err)
	}

	callCtx := ctx
	if a.cfg.SessionTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.cfg.SessionTimeout)
		defer cancel()
	}

	var out decisionContract
	_, err = a.client.ChatStructured(callCtx, &llm.ChatRequest{
		Model: a.cfg.LLMModel,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: a.cfg.Temperature,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("llmagent: decision call: %w", err)
	}

	if a.cfg.MaxActions > 0 && len(out.Decisions) > a.cfg.MaxActions {
		return nil, fmt.Errorf("llmagent: %d decisions exceed max_actions %d", len(out.Decisions), a.cfg.MaxActions)
	}

	actions, err := a.mapDecisions(ctx, req, out.Decisions)
	if err != nil {
		return nil, err
	}

	if note := strings.TrimSpace(out.Note); note != "" {
		req.Runtime.SetValue(noteKey, note)
	}
	return &agent.SessionResult{
		Actions:   actions,
		Reasoning: strings.TrimSpace(out.Summary),
	}, nil
}

// mapDecisions turns contract items into executable actions priced at the
// session date's close. Explicit no_trade items map to nothing; the engine
// records the canonical no_trade action when a day ends without orders.
func (a *Agent) mapDecisions(ctx context.Context, req *agent.SessionRequest, items []decisionItem) ([]agent.Action, error) {
	universe := make(map[string]struct{}, len(req.Universe))
	for _, symbol := range req.Universe {
		universe[symbol] = struct{}{}
	}

	var actions []agent.Action
	for i, item := range items {
		verb := strings.ToLower(strings.TrimSpace(item.Action))
		switch verb {
		case "", "no_trade", "hold":
			continue
		case "buy", "sell":
		default:
			return nil, fmt.Errorf("llmagent: decision[%d]: unsupported action %q", i, item.Action)
		}

		symbol := strings.ToUpper(strings.TrimSpace(item.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("llmagent: decision[%d]: symbol is required", i)
		}
		if _, ok := universe[symbol]; !ok {
			return nil, fmt.Errorf("llmagent: decision[%d]: %s is outside the instrument universe", i, symbol)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("llmagent: decision[%d]: quantity must be positive", i)
		}

		bar, err := req.Prices.BarOn(ctx, symbol, req.Date)
		if err != nil {
			return nil, fmt.Errorf("llmagent: decision[%d]: price lookup %s: %w", i, symbol, err)
		}
		if bar == nil {
			return nil, fmt.Errorf("llmagent: decision[%d]: no session for %s on %s", i, symbol, req.Date.Format("2006-01-02"))
		}

		actionType := agent.ActionBuy
		if verb == "sell" {
			actionType = agent.ActionSell
		}
		actions = append(actions, agent.Action{
			Type:     actionType,
			Symbol:   symbol,
			Quantity: item.Quantity,
			Price:    bar.Close,
		})
	}
	return actions, nil
}
