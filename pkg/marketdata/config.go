package marketdata

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"alphasim/pkg/confkit"
)

// Config describes the set of market data providers available to the engine.
type Config struct {
	Default   string                     `yaml:"default"`
	Providers map[string]*ProviderConfig `yaml:"providers"`
}

// ProviderConfig represents configuration for a single data provider.
type ProviderConfig struct {
	Type string `yaml:"type"`

	TimeoutRaw      string        `yaml:"timeout"`
	Timeout         time.Duration `yaml:"-"`
	RequestDelayRaw string        `yaml:"request_delay"`
	RequestDelay    time.Duration `yaml:"-"`
	MaxRetries      int           `yaml:"max_retries"`

	// Stub provider knobs.
	BasePrices  map[string]float64 `yaml:"base_prices"`
	Holidays    []string           `yaml:"holidays"`
	MaxRequests int                `yaml:"max_requests"`
}

// ProviderBuilder constructs a Provider from configuration.
type ProviderBuilder func(name string, cfg *ProviderConfig) (Provider, error)

var (
	providerRegistry   = make(map[string]ProviderBuilder)
	providerRegistryMu sync.RWMutex
)

// RegisterProvider registers a data provider constructor.
func RegisterProvider(typeName string, builder ProviderBuilder) {
	providerRegistryMu.Lock()
	defer providerRegistryMu.Unlock()
	providerRegistry[strings.ToLower(strings.TrimSpace(typeName))] = builder
}

func lookupProviderBuilder(typeName string) (ProviderBuilder, bool) {
	providerRegistryMu.RLock()
	defer providerRegistryMu.RUnlock()
	builder, ok := providerRegistry[strings.ToLower(strings.TrimSpace(typeName))]
	return builder, ok
}

// LoadConfig reads configuration from disk.
func LoadConfig(path string) (*Config, error) {
	confkit.LoadDotenvOnce()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open marketdata config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// MustLoad reads provider configuration from the default project location and
// panics on error.
func MustLoad() *Config {
	path := confkit.MustProjectPath("etc/marketdata.yaml")
	cfg, err := LoadConfig(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfigFromReader constructs a Config from an io.Reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	confkit.LoadDotenvOnce()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read marketdata config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal marketdata config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalise() error {
	if c.Providers == nil {
		c.Providers = make(map[string]*ProviderConfig)
	}
	for name, provider := range c.Providers {
		if provider == nil {
			provider = &ProviderConfig{}
			c.Providers[name] = provider
		}
		provider.expandEnv()
		if err := provider.parseDurations(name); err != nil {
			return err
		}
	}
	return nil
}

func (p *ProviderConfig) expandEnv() {
	p.Type = strings.TrimSpace(os.ExpandEnv(p.Type))
	p.TimeoutRaw = strings.TrimSpace(os.ExpandEnv(p.TimeoutRaw))
	p.RequestDelayRaw = strings.TrimSpace(os.ExpandEnv(p.RequestDelayRaw))
}

func (p *ProviderConfig) parseDurations(name string) error {
	if p.TimeoutRaw != "" {
		d, err := time.ParseDuration(p.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("marketdata provider %s: invalid timeout %q: %w", name, p.TimeoutRaw, err)
		}
		if d <= 0 {
			return fmt.Errorf("marketdata provider %s: timeout must be positive, got %s", name, d)
		}
		p.Timeout = d
	}
	if p.RequestDelayRaw != "" {
		d, err := time.ParseDuration(p.RequestDelayRaw)
		if err != nil {
			return fmt.Errorf("marketdata provider %s: invalid request_delay %q: %w", name, p.RequestDelayRaw, err)
		}
		if d < 0 {
			return fmt.Errorf("marketdata provider %s: request_delay cannot be negative, got %s", name, d)
		}
		p.RequestDelay = d
	}
	return nil
}

// Validate ensures the configuration is structurally sound.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("marketdata config: providers cannot be empty")
	}
	if c.Default != "" {
		if _, ok := c.Providers[c.Default]; !ok {
			return fmt.Errorf("marketdata config: default provider %q not defined", c.Default)
		}
	}
	for name, provider := range c.Providers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("marketdata config: provider name cannot be empty")
		}
		if err := provider.validate(name); err != nil {
			return err
		}
	}
	return nil
}

func (p *ProviderConfig) validate(name string) error {
	if p == nil {
		return fmt.Errorf("marketdata config: provider %s is nil", name)
	}
	if strings.TrimSpace(p.Type) == "" {
		return fmt.Errorf("marketdata config: provider %s must specify type", name)
	}
	if _, ok := lookupProviderBuilder(p.Type); !ok {
		return fmt.Errorf("marketdata config: provider %s has unsupported type %q", name, p.Type)
	}
	return nil
}

// BuildProviders instantiates data providers according to configuration.
func (c *Config) BuildProviders() (map[string]Provider, error) {
	result := make(map[string]Provider, len(c.Providers))
	for name, providerCfg := range c.Providers {
		builder, ok := lookupProviderBuilder(providerCfg.Type)
		if !ok {
			return nil, fmt.Errorf("marketdata provider %s: unsupported type %q", name, providerCfg.Type)
		}
		provider, err := builder(name, providerCfg)
		if err != nil {
			return nil, fmt.Errorf("marketdata provider %s: %w", name, err)
		}
		result[name] = provider
	}
	return result, nil
}
