package engine

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"alphasim/pkg/confkit"
)

// Config tunes the engine: the cash every model starts with, how large a
// requested date range may be, the instrument universe jobs price and trade,
// where runtime scratch/journal/checkpoint files live, how long finished
// jobs are retained, and how often the daemon polls for pending jobs.
type Config struct {
	InitialCash   float64  `yaml:"initial_cash"`
	MaxRangeDays  int      `yaml:"max_range_days"`
	Universe      []string `yaml:"universe"`
	DataDir       string   `yaml:"data_dir"`
	RetentionDays int      `yaml:"retention_days"`

	PollInterval time.Duration `yaml:"-"`

	PollIntervalRaw string `yaml:"poll_interval"`
}

// LoadConfig reads the engine configuration from disk.
func LoadConfig(path string) (*Config, error) {
	confkit.LoadDotenvOnce()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open engine config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// MustLoad reads the engine configuration from the default project location
// and panics on error.
func MustLoad() *Config {
	path := confkit.MustProjectPath("etc/engine.yaml")
	cfg, err := LoadConfig(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfigFromReader constructs a Config from a reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read engine config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal engine config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	cfg.expandFields()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.InitialCash == 0 {
		c.InitialCash = 10000
	}
	if c.MaxRangeDays == 0 {
		c.MaxRangeDays = 90
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 30
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "data"
	}
	if strings.TrimSpace(c.PollIntervalRaw) == "" {
		c.PollIntervalRaw = "30s"
	}
}

func (c *Config) parseDurations() error {
	d, err := time.ParseDuration(strings.TrimSpace(c.PollIntervalRaw))
	if err != nil {
		return fmt.Errorf("engine config: invalid poll_interval %q: %w", c.PollIntervalRaw, err)
	}
	if d <= 0 {
		return fmt.Errorf("engine config: poll_interval must be positive, got %s", d)
	}
	c.PollInterval = d
	return nil
}

func (c *Config) expandFields() {
	c.DataDir = strings.TrimSpace(os.ExpandEnv(c.DataDir))
	cleaned := make([]string, 0, len(c.Universe))
	for _, symbol := range c.Universe {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol != "" {
			cleaned = append(cleaned, symbol)
		}
	}
	c.Universe = cleaned
}

// Validate ensures the engine can actually run with this configuration.
func (c *Config) Validate() error {
	if c.InitialCash <= 0 {
		return fmt.Errorf("engine config: initial_cash must be positive, got %g", c.InitialCash)
	}
	if c.MaxRangeDays <= 0 {
		return fmt.Errorf("engine config: max_range_days must be positive, got %d", c.MaxRangeDays)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("engine config: retention_days cannot be negative, got %d", c.RetentionDays)
	}
	if len(c.Universe) == 0 {
		return fmt.Errorf("engine config: universe must name at least one symbol")
	}
	seen := make(map[string]struct{}, len(c.Universe))
	for _, symbol := range c.Universe {
		if _, ok := seen[symbol]; ok {
			return fmt.Errorf("engine config: duplicate universe symbol %q", symbol)
		}
		seen[symbol] = struct{}{}
	}
	return nil
}
