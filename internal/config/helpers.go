package config

import (
	"fmt"
	"path/filepath"

	"alphasim/internal/engine"
	"alphasim/pkg/agent"
	"alphasim/pkg/confkit"
	"alphasim/pkg/llm"
	"alphasim/pkg/marketdata"
)

// MustLoadEngine loads etc/engine.yaml from the project root and panics on
// error. It isolates the engine tuning so tests that only need the engine
// knobs do not have to stand up the full root config.
func MustLoadEngine() *engine.Config {
	return engine.MustLoad()
}

// MustLoadAgents loads etc/agents.yaml from the project root and panics on error.
func MustLoadAgents() *agent.Config {
	return agent.MustLoad()
}

// MustLoadMarketData loads etc/marketdata.yaml from the project root and
// panics on error.
func MustLoadMarketData() *marketdata.Config {
	return marketdata.MustLoad()
}

// MustBuildMarketProviders loads market data config from the default path
// and builds provider instances; returns the map and default provider name.
func MustBuildMarketProviders() (map[string]marketdata.Provider, string) {
	cfg := MustLoadMarketData()
	providers, err := cfg.BuildProviders()
	if err != nil {
		panic(err)
	}
	return providers, cfg.Default
}

// MustLoadLLM loads etc/llm.yaml from the project root and panics on error.
func MustLoadLLM() *llm.Config {
	root := confkit.MustProjectRoot()
	path := filepath.Join(root, "etc", "llm.yaml")
	cfg, err := llm.LoadConfig(path)
	if err != nil {
		panic(fmt.Errorf("load llm config %s: %w", path, err))
	}
	return cfg
}
