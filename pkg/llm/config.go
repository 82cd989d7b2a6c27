// Package llm wraps the OpenAI-compatible chat completion API used by the
// LLM-backed agent variant.
package llm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 3
)

// Environment variables take precedence over their file counterparts so
// deployments can rotate credentials without editing YAML.
const (
	envAPIKey       = "LLM_API_KEY"
	envBaseURL      = "LLM_BASE_URL"
	envDefaultModel = "LLM_DEFAULT_MODEL"
	envTimeout      = "LLM_TIMEOUT"
	envMaxRetries   = "LLM_MAX_RETRIES"
)

// Config holds runtime settings for the LLM client: endpoint, credentials
// and per-alias model defaults.
type Config struct {
	BaseURL      string                 `yaml:"base_url"`
	APIKey       string                 `yaml:"api_key"`
	DefaultModel string                 `yaml:"default_model"`
	MaxRetries   int                    `yaml:"max_retries"`
	Models       map[string]ModelConfig `yaml:"models"`

	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// ModelConfig carries defaults for one model alias.
type ModelConfig struct {
	ModelName           string   `yaml:"model_name"`
	Temperature         *float64 `yaml:"temperature,omitempty"`
	MaxCompletionTokens *int     `yaml:"max_completion_tokens,omitempty"`
}

// LoadConfig reads client settings from disk.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open llm config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader parses client settings and runs them through the
// defaulting, environment override and validation pipeline.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read llm config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal llm config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.parseTimeout(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first missing or nonsensical setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("llm config: api_key is required")
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("llm config: base_url is required")
	}
	if strings.TrimSpace(c.DefaultModel) == "" {
		return errors.New("llm config: default_model is required")
	}
	if c.Timeout <= 0 {
		return errors.New("llm config: timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("llm config: max_retries cannot be negative")
	}
	return nil
}

// Model returns the configuration registered for an alias.
func (c *Config) Model(name string) (ModelConfig, bool) {
	modelCfg, ok := c.Models[name]
	return modelCfg, ok
}

// ResolveModelID maps an alias onto the wire-level model identifier.
// Unknown aliases pass through untouched so callers can name models
// directly.
func (c *Config) ResolveModelID(alias string) string {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		alias = c.DefaultModel
	}
	if modelCfg, ok := c.Model(alias); ok && strings.TrimSpace(modelCfg.ModelName) != "" {
		return modelCfg.ModelName
	}
	return alias
}

// Clone returns a copy detached from the receiver's Models map.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Models != nil {
		cp.Models = make(map[string]ModelConfig, len(c.Models))
		for alias, modelCfg := range c.Models {
			cp.Models[alias] = modelCfg
		}
	}
	return &cp
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
}

func (c *Config) applyEnvOverrides() {
	c.BaseURL = overrideFromEnv(c.BaseURL, envBaseURL)
	c.APIKey = overrideFromEnv(c.APIKey, envAPIKey)
	c.DefaultModel = overrideFromEnv(c.DefaultModel, envDefaultModel)
	c.TimeoutRaw = overrideFromEnv(c.TimeoutRaw, envTimeout)

	if raw := os.Getenv(envMaxRetries); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			c.MaxRetries = v
		}
	}
}

func (c *Config) parseTimeout() error {
	raw := strings.TrimSpace(c.TimeoutRaw)
	if raw == "" {
		c.Timeout = defaultTimeout
		return nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("llm config: invalid timeout %q: %w", raw, err)
	}
	if d <= 0 {
		return fmt.Errorf("llm config: timeout must be positive, got %s", d)
	}
	c.Timeout = d
	return nil
}

// overrideFromEnv expands ${VAR} references in the file value and lets a
// dedicated environment variable win over the result.
func overrideFromEnv(fileValue, envKey string) string {
	if envValue := os.Getenv(envKey); envValue != "" {
		return envValue
	}
	return os.ExpandEnv(fileValue)
}
