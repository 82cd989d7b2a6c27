package agent_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphasim/pkg/agent"
)

type staticAgent struct{ key string }

func (a staticAgent) RunSession(context.Context, *agent.SessionRequest) (*agent.SessionResult, error) {
	return &agent.SessionResult{}, nil
}

func init() {
	agent.Register("static", func(_ agent.Env, cfg *agent.ModelConfig) (agent.Agent, error) {
		return staticAgent{key: cfg.Key}, nil
	})
}

func TestLoadAgentsConfig(t *testing.T) {
	yaml := `
models:
  - key: alpha
    variant: static
    llm_model: gpt-5
    temperature: 0.4
    session_timeout: 90s
  - key: beta
    variant: static
    trade_enabled: false
`
	cfg, err := agent.LoadConfigFromReader(strings.NewReader(yaml))
	require.NoError(t, err)
	require.Len(t, cfg.Models, 2)

	alpha, ok := cfg.Model("alpha")
	require.True(t, ok)
	assert.Equal(t, "gpt-5", alpha.LLMModel)
	assert.Equal(t, 90*time.Second, alpha.SessionTimeout)
	assert.True(t, alpha.TradeEnabled)
	require.NotNil(t, alpha.Temperature)
	assert.InDelta(t, 0.4, *alpha.Temperature, 1e-9)
	assert.Equal(t, 8, alpha.MaxActions, "max_actions defaults")

	beta, ok := cfg.Model("beta")
	require.True(t, ok)
	assert.False(t, beta.TradeEnabled)
	assert.Equal(t, "beta", beta.LLMModel, "llm_model falls back to the key")
	assert.Equal(t, 2*time.Minute, beta.SessionTimeout, "session_timeout defaults")

	assert.Equal(t, []string{"alpha", "beta"}, cfg.Keys())

	_, ok = cfg.Model("gamma")
	assert.False(t, ok)
}

func TestLoadAgentsConfigRejections(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{"empty roster", `models: []`, "at least one model"},
		{"missing key", "models:\n  - variant: static\n", "key is required"},
		{
			"duplicate key",
			"models:\n  - key: a\n    variant: static\n  - key: a\n    variant: static\n",
			"duplicate model key",
		},
		{"missing variant", "models:\n  - key: a\n", "variant is required"},
		{"unknown variant", "models:\n  - key: a\n    variant: quantum\n", "unsupported variant"},
		{"bad timeout", "models:\n  - key: a\n    variant: static\n    session_timeout: soon\n", "invalid"},
		{"bad fraction", "models:\n  - key: a\n    variant: static\n    fraction: 1.5\n", "fraction"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := agent.LoadConfigFromReader(strings.NewReader(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestRegistryBuild(t *testing.T) {
	assert.True(t, agent.Registered("static"))
	assert.True(t, agent.Registered("  STATIC "), "lookup normalizes case and spacing")
	assert.Contains(t, agent.Variants(), "static")

	built, err := agent.Build(agent.Env{}, &agent.ModelConfig{Key: "alpha", Variant: "static"})
	require.NoError(t, err)
	require.NotNil(t, built)

	_, err = agent.Build(agent.Env{}, &agent.ModelConfig{Key: "alpha", Variant: "quantum"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown variant")

	_, err = agent.Build(agent.Env{}, nil)
	require.Error(t, err)
}
