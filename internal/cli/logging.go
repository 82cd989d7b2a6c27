package cli

import (
	"fmt"
	"strings"

	"github.com/zeromicro/go-zero/core/logx"

	"alphasim/internal/config"
	"alphasim/pkg/confkit"
)

// ConfigSummaryLines returns human readable lines describing the loaded app config.
func ConfigSummaryLines(cfg *config.Config) []string {
	if cfg == nil {
		return []string{"Configuration: <nil>"}
	}

	lines := []string{
		fmt.Sprintf("Environment: %s", cfg.Env),
		fmt.Sprintf("Data dir: %s", cfg.DataDir),
		fmt.Sprintf("Store: %s", storeLine(cfg)),
		fmt.Sprintf("Redis: %s", presence(strings.TrimSpace(cfg.Redis.Host) != "")),
		fmt.Sprintf("TTL (short/medium/long): %ds / %ds / %ds", cfg.TTL.Short, cfg.TTL.Medium, cfg.TTL.Long),
		sectionLine("Engine config", cfg.Engine),
		sectionLine("Agents config", cfg.Agents),
		sectionLine("Market data config", cfg.MarketData),
		sectionLine("LLM config", cfg.LLM),
	}

	return lines
}

// LogConfigSummary emits the configuration summary using logx.
func LogConfigSummary(cfg *config.Config) {
	lines := ConfigSummaryLines(cfg)
	if len(lines) == 0 {
		return
	}
	logx.Info("configuration summary")
	for _, line := range lines {
		logx.Infof("config • %s", line)
	}
}

func storeLine(cfg *config.Config) string {
	switch {
	case strings.TrimSpace(cfg.Store.DSN) != "":
		return fmt.Sprintf("%s (dsn)", driverName(cfg.Store.Driver))
	case strings.TrimSpace(cfg.Store.Path) != "":
		return fmt.Sprintf("%s at %s", driverName(cfg.Store.Driver), cfg.Store.Path)
	default:
		return fmt.Sprintf("%s (derived from data dir)", driverName(cfg.Store.Driver))
	}
}

func driverName(driver string) string {
	if strings.TrimSpace(driver) == "" {
		return "sqlite"
	}
	return driver
}

func presence(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}

func sectionLine[T any](name string, section confkit.Section[T]) string {
	switch {
	case strings.TrimSpace(section.File) != "":
		return fmt.Sprintf("%s: %s", name, section.File)
	case section.Value != nil:
		return fmt.Sprintf("%s: inline", name)
	default:
		return fmt.Sprintf("%s: not configured", name)
	}
}
