package llmagent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphasim/pkg/agent"
	"alphasim/pkg/llm"
	"alphasim/pkg/marketdata"
)

type fakeLLM struct {
	response string
	err      error
	lastReq  *llm.ChatRequest
	calls    int
}

func (f *fakeLLM) Chat(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("fake: plain chat not expected")
}

func (f *fakeLLM) ChatStructured(_ context.Context, req *llm.ChatRequest, target interface{}) (interface{}, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	if err := json.Unmarshal([]byte(f.response), target); err != nil {
		return nil, err
	}
	return target, nil
}

func (f *fakeLLM) GetConfig() *llm.Config { return &llm.Config{} }
func (f *fakeLLM) Close() error           { return nil }

type historyPrices struct{ base float64 }

func (h historyPrices) BarOn(_ context.Context, symbol string, date time.Time) (*marketdata.Bar, error) {
	day := marketdata.Day(date)
	return &marketdata.Bar{
		Symbol: symbol, Date: day,
		Open: h.base - 1, High: h.base + 1, Low: h.base - 2, Close: h.base, Volume: 1000,
	}, nil
}

func (h historyPrices) BarsThrough(ctx context.Context, symbol string, date time.Time, limit int) ([]marketdata.Bar, error) {
	var bars []marketdata.Bar
	for i := 2; i >= 0; i-- {
		bar, _ := h.BarOn(ctx, symbol, date.AddDate(0, 0, -i))
		bar.Close -= float64(i)
		bars = append(bars, *bar)
	}
	return bars, nil
}

func testModelConfig() *agent.ModelConfig {
	return &agent.ModelConfig{
		Key:            "alpha",
		Variant:        "llm",
		LLMModel:       "gpt-5",
		MaxActions:     8,
		SessionTimeout: time.Minute,
		TradeEnabled:   true,
	}
}

func newSessionRequest(t *testing.T, tradeEnabled bool) *agent.SessionRequest {
	t.Helper()
	rt, err := agent.NewRuntime(t.TempDir(), "job-1", "alpha",
		time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC), tradeEnabled)
	require.NoError(t, err)
	return &agent.SessionRequest{
		Model:    "alpha",
		Date:     rt.Date,
		Universe: []string{"AAPL", "MSFT"},
		Position: agent.NewPosition(10_000),
		Prices:   historyPrices{base: 100},
		Runtime:  rt,
	}
}

func TestRunSession_MapsBuyDecision(t *testing.T) {
	client := &fakeLLM{response: `{
		"decisions":[{"action":"buy","symbol":"aapl","quantity":5}],
		"summary":"momentum building",
		"note":"watch MSFT earnings"
	}`}
	a, err := New(client, testModelConfig())
	require.NoError(t, err)

	req := newSessionRequest(t, true)
	res, err := a.RunSession(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, res.Actions, 1)
	act := res.Actions[0]
	assert.Equal(t, agent.ActionBuy, act.Type)
	assert.Equal(t, "AAPL", act.Symbol, "symbols normalize to upper case")
	assert.InDelta(t, 5, act.Quantity, 1e-9)
	assert.InDelta(t, 100, act.Price, 1e-9, "orders fill at the session close")
	assert.Equal(t, "momentum building", res.Reasoning)
	assert.Equal(t, "watch MSFT earnings", req.Runtime.StringValue("llm_note"))

	require.NotNil(t, client.lastReq)
	assert.Equal(t, "gpt-5", client.lastReq.Model)
	require.Len(t, client.lastReq.Messages, 2)
	user := client.lastReq.Messages[1].Content
	assert.Contains(t, user, "Date: 2025-01-06")
	assert.Contains(t, user, "Cash: $10000.00")
	assert.Contains(t, user, "AAPL: 98.00 99.00 100.00")
	assert.Contains(t, user, "(none)", "empty holdings render a placeholder")
}

func TestRunSession_CarriesPreviousNote(t *testing.T) {
	client := &fakeLLM{response: `{"decisions":[],"summary":"quiet day"}`}
	a, err := New(client, testModelConfig())
	require.NoError(t, err)

	req := newSessionRequest(t, true)
	req.Runtime.SetValue("llm_note", "stay patient on MSFT")

	res, err := a.RunSession(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, res.Actions)
	assert.Contains(t, client.lastReq.Messages[1].Content, "stay patient on MSFT")
	assert.Equal(t, "stay patient on MSFT", req.Runtime.StringValue("llm_note"),
		"empty note leaves the previous one in place")
}

func TestRunSession_NoTradeDecisionsMapToNothing(t *testing.T) {
	client := &fakeLLM{response: `{
		"decisions":[{"action":"no_trade"},{"action":"hold"}],
		"summary":"waiting for a pullback"
	}`}
	a, err := New(client, testModelConfig())
	require.NoError(t, err)

	res, err := a.RunSession(context.Background(), newSessionRequest(t, true))
	require.NoError(t, err)
	assert.Empty(t, res.Actions)
	assert.Equal(t, "waiting for a pullback", res.Reasoning)
}

func TestRunSession_Rejections(t *testing.T) {
	cases := []struct {
		name     string
		response string
		wantMsg  string
	}{
		{
			"outside universe",
			`{"decisions":[{"action":"buy","symbol":"TSLA","quantity":1}],"summary":""}`,
			"outside the instrument universe",
		},
		{
			"unsupported verb",
			`{"decisions":[{"action":"short","symbol":"AAPL","quantity":1}],"summary":""}`,
			"unsupported action",
		},
		{
			"missing symbol",
			`{"decisions":[{"action":"buy","quantity":1}],"summary":""}`,
			"symbol is required",
		},
		{
			"non-positive quantity",
			`{"decisions":[{"action":"sell","symbol":"AAPL","quantity":0}],"summary":""}`,
			"quantity must be positive",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, err := New(&fakeLLM{response: tc.response}, testModelConfig())
			require.NoError(t, err)
			_, err = a.RunSession(context.Background(), newSessionRequest(t, true))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestRunSession_TooManyDecisions(t *testing.T) {
	cfg := testModelConfig()
	cfg.MaxActions = 1
	client := &fakeLLM{response: `{
		"decisions":[
			{"action":"buy","symbol":"AAPL","quantity":1},
			{"action":"buy","symbol":"MSFT","quantity":1}
		],
		"summary":""
	}`}
	a, err := New(client, cfg)
	require.NoError(t, err)

	_, err = a.RunSession(context.Background(), newSessionRequest(t, true))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceed max_actions")
}

func TestRunSession_ClientError(t *testing.T) {
	a, err := New(&fakeLLM{err: errors.New("upstream busy")}, testModelConfig())
	require.NoError(t, err)

	_, err = a.RunSession(context.Background(), newSessionRequest(t, true))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decision call")
}

func TestRunSession_TradeDisabledSkipsCall(t *testing.T) {
	client := &fakeLLM{response: `{}`}
	a, err := New(client, testModelConfig())
	require.NoError(t, err)

	res, err := a.RunSession(context.Background(), newSessionRequest(t, false))
	require.NoError(t, err)
	assert.Empty(t, res.Actions)
	assert.Zero(t, client.calls, "disabled models never reach the LLM")
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(nil, testModelConfig())
	require.Error(t, err)
	_, err = New(&fakeLLM{}, nil)
	require.Error(t, err)
	assert.True(t, agent.Registered("llm"))
}
