package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	appconfig "alphasim/internal/config"
	"alphasim/internal/svc"
)

// TestLoadAndServiceWiring composes a complete configuration in a temp dir
// and verifies that the service context wires the full engine from it: the
// store bootstraps, the stub market data provider builds and the job
// pipeline components all come up.
func TestLoadAndServiceWiring(t *testing.T) {
	dir := t.TempDir()

	engineYAML := []byte(`
initial_cash: 10000
max_range_days: 90
universe: [AAPL, MSFT]
data_dir: ` + filepath.Join(dir, "runtime") + `
retention_days: 30
poll_interval: 5s
`)
	if err := os.WriteFile(filepath.Join(dir, "engine.yaml"), engineYAML, 0o600); err != nil {
		t.Fatalf("write engine.yaml: %v", err)
	}

	agentsYAML := []byte(`
models:
  - key: alpha
    variant: scripted
    cadence: 1
    fraction: 0.5
`)
	if err := os.WriteFile(filepath.Join(dir, "agents.yaml"), agentsYAML, 0o600); err != nil {
		t.Fatalf("write agents.yaml: %v", err)
	}

	marketYAML := []byte(`
default: stub
providers:
  stub:
    type: stub
    base_prices:
      AAPL: 100
      MSFT: 200
`)
	if err := os.WriteFile(filepath.Join(dir, "marketdata.yaml"), marketYAML, 0o600); err != nil {
		t.Fatalf("write marketdata.yaml: %v", err)
	}

	mainYAML := []byte(`
Name: alphasim-test
DataDir: ` + dir + `
Store:
  Driver: sqlite
  Path: ` + filepath.Join(dir, "alphasim.db") + `
TTL:
  Short: 10
  Medium: 60
  Long: 300
Engine:
  File: engine.yaml
Agents:
  File: agents.yaml
MarketData:
  File: marketdata.yaml
`)
	mainPath := filepath.Join(dir, "alphasim.yaml")
	if err := os.WriteFile(mainPath, mainYAML, 0o600); err != nil {
		t.Fatalf("write temp main config: %v", err)
	}

	cfg, err := appconfig.Load(mainPath)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	sc := svc.NewServiceContext(*cfg)
	defer sc.Store.Close()

	if len(sc.MarketProviders) == 0 {
		t.Fatalf("no market data providers built")
	}
	if sc.DefaultProvider == nil {
		t.Fatalf("default market data provider not selected")
	}
	if sc.Prices == nil || sc.Ledger == nil {
		t.Fatalf("data services not initialised")
	}
	if sc.Resolver == nil || sc.Manager == nil || sc.Worker == nil {
		t.Fatalf("engine components not initialised")
	}

	if err := sc.Manager.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check: %v", err)
	}

	// Runtime files inherit the engine section's data_dir.
	if got := sc.EngineConfig.DataDir; got != filepath.Join(dir, "runtime") {
		t.Fatalf("engine data dir got %q", got)
	}
}
