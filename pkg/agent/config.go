package agent

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"alphasim/pkg/confkit"
)

// Config defines the model roster: which models exist and which agent
// variant backs each of them.
type Config struct {
	Models []ModelConfig `yaml:"models"`
}

// ModelConfig configures a single simulated model.
type ModelConfig struct {
	Key     string `yaml:"key"`
	Variant string `yaml:"variant"`

	// LLM variant knobs.
	LLMModel    string   `yaml:"llm_model"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxActions  int      `yaml:"max_actions"`

	// Scripted variant knobs.
	Cadence  int     `yaml:"cadence"`
	Fraction float64 `yaml:"fraction"`

	SessionTimeout time.Duration `yaml:"-"`
	TradeEnabled   bool          `yaml:"-"`

	SessionTimeoutRaw string `yaml:"session_timeout"`
	TradeEnabledRaw   *bool  `yaml:"trade_enabled"`
}

// LoadConfig reads the model roster from disk.
func LoadConfig(path string) (*Config, error) {
	confkit.LoadDotenvOnce()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open agents config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// MustLoad reads the roster from the default project location and panics on
// error.
func MustLoad() *Config {
	path := confkit.MustProjectPath("etc/agents.yaml")
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
		return nil, fmt.Errorf("read agents config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal agents config: %w", err)
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
	for i := range c.Models {
		m := &c.Models[i]
		if strings.TrimSpace(m.SessionTimeoutRaw) == "" {
			m.SessionTimeoutRaw = "2m"
		}
		if m.MaxActions <= 0 {
			m.MaxActions = 8
		}
		if m.TradeEnabledRaw == nil {
			m.TradeEnabled = true
		} else {
			m.TradeEnabled = *m.TradeEnabledRaw
		}
	}
}

func (c *Config) parseDurations() error {
	for i := range c.Models {
		d, err := parsePositiveDuration(fmt.Sprintf("models[%d].session_timeout", i), c.Models[i].SessionTimeoutRaw)
		if err != nil {
			return err
		}
		c.Models[i].SessionTimeout = d
	}
	return nil
}

func (c *Config) expandFields() {
	for i := range c.Models {
		m := &c.Models[i]
		m.Key = strings.TrimSpace(m.Key)
		m.Variant = strings.ToLower(strings.TrimSpace(m.Variant))
		m.LLMModel = strings.TrimSpace(os.ExpandEnv(m.LLMModel))
		if m.LLMModel == "" {
			m.LLMModel = m.Key
		}
	}
}

// Validate ensures the roster is usable: every model has a unique key and
// names a registered variant.
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return errors.New("agents config: at least one model must be defined")
	}
	seen := make(map[string]struct{}, len(c.Models))
	for i, m := range c.Models {
		if m.Key == "" {
			return fmt.Errorf("agents config: models[%d].key is required", i)
		}
		if _, ok := seen[m.Key]; ok {
			return fmt.Errorf("agents config: duplicate model key %q", m.Key)
		}
		seen[m.Key] = struct{}{}
		if m.Variant == "" {
			return fmt.Errorf("agents config: models[%d].variant is required", i)
		}
		if !Registered(m.Variant) {
			return fmt.Errorf("agents config: models[%d] uses unsupported variant %q", i, m.Variant)
		}
		if m.Fraction < 0 || m.Fraction > 1 {
			return fmt.Errorf("agents config: models[%d].fraction must be within [0, 1]", i)
		}
		if m.Cadence < 0 {
			return fmt.Errorf("agents config: models[%d].cadence cannot be negative", i)
		}
	}
	return nil
}

// Model returns the configuration for the given model key.
func (c *Config) Model(key string) (*ModelConfig, bool) {
	for i := range c.Models {
		if c.Models[i].Key == key {
			return &c.Models[i], true
		}
	}
	return nil, false
}

// Keys returns the configured model keys in sorted order.
func (c *Config) Keys() []string {
	keys := make([]string, 0, len(c.Models))
	for i := range c.Models {
		keys = append(keys, c.Models[i].Key)
	}
	sort.Strings(keys)
	return keys
}

func parsePositiveDuration(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("agents config: invalid %s %q: %w", field, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("agents config: %s must be positive, got %s", field, d)
	}
	return d, nil
}
