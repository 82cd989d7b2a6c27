package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/core/service"
	"github.com/zeromicro/go-zero/core/stores/redis"

	"alphasim/internal/engine"
	"alphasim/internal/store"
	"alphasim/pkg/agent"
	"alphasim/pkg/confkit"
	"alphasim/pkg/llm"
	"alphasim/pkg/marketdata"
)

// CacheTTL groups cache lifetimes, in seconds, by volatility class.
type CacheTTL struct {
	Short  int `json:",default=10"` // seconds
	Medium int `json:",default=60"`
	Long   int `json:",default=300"`
}

type Config struct {
	service.ServiceConf
	// Env indicates the running environment: test | dev | prod.
	// Defaults to test. In test mode LLM routing prefers low-cost models.
	Env     string          `json:",default=test"`
	DataDir string          `json:",default=data"`
	Store   store.Config    `json:",optional"`
	Redis   redis.RedisConf `json:",optional"`
	TTL     CacheTTL        `json:",optional"`

	Engine     confkit.Section[engine.Config]     `json:",optional"`
	Agents     confkit.Section[agent.Config]      `json:",optional"`
	MarketData confkit.Section[marketdata.Config] `json:",optional"`
	LLM        confkit.Section[llm.Config]        `json:",optional"`

	mainPath string
	baseDir  string
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the root config file, validates it and hydrates every section
// that names a companion file. Paths inside the file resolve relative to
// the file's own directory, not the working directory.
func Load(path string) (*Config, error) {
	confkit.LoadDotenvOnce()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %s: %w", path, err)
	}

	cfg := Config{mainPath: absPath, baseDir: filepath.Dir(absPath)}
	if err := conf.Load(absPath, &cfg, conf.UseEnv()); err != nil {
		return nil, fmt.Errorf("load config %s: %w", absPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.hydrateSections(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Env)) {
	case "":
		c.Env = "test"
	case "test", "dev", "prod":
	default:
		return errors.New("config: env must be one of test|dev|prod")
	}

	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("config: dataDir is required")
	}

	buckets := []struct {
		name    string
		seconds int
	}{
		{"short", c.TTL.Short},
		{"medium", c.TTL.Medium},
		{"long", c.TTL.Long},
	}
	for _, b := range buckets {
		if b.seconds <= 0 {
			return fmt.Errorf("config: ttl.%s must be positive", b.name)
		}
	}
	return nil
}

func (c *Config) hydrateSections() error {
	if err := c.Engine.Hydrate(c.baseDir, engine.LoadConfig); err != nil {
		return fmt.Errorf("load engine config: %w", err)
	}
	if err := c.Agents.Hydrate(c.baseDir, agent.LoadConfig); err != nil {
		return fmt.Errorf("load agents config: %w", err)
	}
	if err := c.MarketData.Hydrate(c.baseDir, marketdata.LoadConfig); err != nil {
		return fmt.Errorf("load market data config: %w", err)
	}
	if err := c.LLM.Hydrate(c.baseDir, llm.LoadConfig); err != nil {
		return fmt.Errorf("load llm config: %w", err)
	}
	return nil
}

func (c *Config) IsTestEnv() bool {
	return c.Env == "test" || c.Env == ""
}

func (c *Config) MainPath() string {
	return c.mainPath
}

func (c *Config) BaseDir() string {
	return c.baseDir
}
