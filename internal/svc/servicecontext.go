package svc

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"strings"

	gocache "github.com/zeromicro/go-zero/core/stores/cache"
	"github.com/zeromicro/go-zero/core/stores/redis"
	"github.com/zeromicro/go-zero/core/syncx"

	cachekeys "alphasim/internal/cache"
	"alphasim/internal/config"
	"alphasim/internal/engine"
	"alphasim/internal/ledger"
	"alphasim/internal/pricedata"
	"alphasim/internal/store"
	"alphasim/pkg/agent"
	_ "alphasim/pkg/agent/llmagent" // register llm variant
	_ "alphasim/pkg/agent/scripted" // register scripted variant
	"alphasim/pkg/llm"
	"alphasim/pkg/marketdata"
	_ "alphasim/pkg/marketdata/stub"  // register stub provider
	_ "alphasim/pkg/marketdata/yahoo" // register yahoo provider
)

// errCacheMiss is the sentinel the shared cache node reports for absent keys.
var errCacheMiss = errors.New("alphasim: cache miss")

type ServiceContext struct {
	Config config.Config

	Store *store.Store
	Cache gocache.Cache
	TTL   cachekeys.TTLSet

	MarketConfig    *marketdata.Config
	MarketProviders map[string]marketdata.Provider
	DefaultProvider marketdata.Provider

	LLMConfig *llm.Config
	LLMClient llm.LLMClient

	AgentsConfig *agent.Config
	AgentEnv     agent.Env

	EngineConfig *engine.Config

	Prices   *pricedata.Service
	Ledger   *ledger.Service
	Resolver *engine.Resolver
	Manager  *engine.Manager
	Worker   *engine.Worker
}

func NewServiceContext(c config.Config) *ServiceContext {
	svc := &ServiceContext{
		Config: c,
		TTL:    cachekeys.NewTTLSet(c.TTL.Short, c.TTL.Medium, c.TTL.Long),
	}

	// The engine cannot run without its tuning, the model roster and a
	// market data source; fail fast instead of limping along.
	if c.Engine.Value == nil {
		log.Fatalf("config %s: engine section is required (set Engine.File)", c.MainPath())
	}
	if c.Agents.Value == nil {
		log.Fatalf("config %s: agents section is required (set Agents.File)", c.MainPath())
	}
	if c.MarketData.Value == nil {
		log.Fatalf("config %s: market data section is required (set MarketData.File)", c.MainPath())
	}
	svc.EngineConfig = c.Engine.Value
	svc.AgentsConfig = c.Agents.Value

	// Runtime files default next to the store unless the engine section
	// pins them somewhere else.
	if strings.TrimSpace(svc.EngineConfig.DataDir) == "" {
		svc.EngineConfig.DataDir = c.DataDir
	}

	storeCfg := c.Store
	if strings.TrimSpace(storeCfg.DSN) == "" && strings.TrimSpace(storeCfg.Path) == "" {
		storeCfg.Path = filepath.Join(c.DataDir, "alphasim.db")
	}
	st, err := store.Open(storeCfg)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	if err := st.Bootstrap(context.Background()); err != nil {
		log.Fatalf("failed to bootstrap schema: %v", err)
	}
	svc.Store = st

	// Shared cache is optional; everything degrades to direct store reads
	// when no Redis host is configured.
	if strings.TrimSpace(c.Redis.Host) != "" {
		rds := redis.MustNewRedis(c.Redis)
		svc.Cache = gocache.NewNode(rds, syncx.NewSingleFlight(), gocache.NewStat(cachekeys.Namespace), errCacheMiss)
	}

	mdCfg := c.MarketData.Value
	providers, err := mdCfg.BuildProviders()
	if err != nil {
		log.Fatalf("failed to build market data providers: %v", err)
	}
	svc.MarketConfig = mdCfg
	svc.MarketProviders = providers
	if mdCfg.Default != "" {
		svc.DefaultProvider = providers[mdCfg.Default]
	}
	if svc.DefaultProvider == nil {
		log.Fatalf("market data config names no usable default provider")
	}

	// Load LLM config if specified
	if c.LLM.Value != nil {
		llmCfg := c.LLM.Value
		// Apply test environment defaults: route to a low-cost model.
		if c.IsTestEnv() {
			llmCfg.DefaultModel = "gpt-4o-mini"
		}
		client, err := llm.NewClient(llmCfg)
		if err != nil {
			log.Fatalf("failed to build llm client: %v", err)
		}
		svc.LLMConfig = llmCfg
		svc.LLMClient = client
	}
	svc.AgentEnv = agent.Env{LLM: svc.LLMClient}

	// Strict cross-section check: llm-variant models need a configured client.
	for i := range svc.AgentsConfig.Models {
		m := &svc.AgentsConfig.Models[i]
		if m.Variant == "llm" && svc.LLMClient == nil {
			log.Fatalf("model %s uses the llm variant but no LLM section is configured", m.Key)
		}
	}

	prices, err := pricedata.NewService(pricedata.Config{
		Store:    st,
		Provider: svc.DefaultProvider,
		Cache:    svc.Cache,
		TTL:      svc.TTL,
	})
	if err != nil {
		log.Fatalf("failed to build price data service: %v", err)
	}
	svc.Prices = prices

	ldg, err := ledger.NewService(ledger.Config{
		Store:  st,
		Prices: prices,
		Cache:  svc.Cache,
		TTL:    svc.TTL,
	})
	if err != nil {
		log.Fatalf("failed to build ledger service: %v", err)
	}
	svc.Ledger = ldg

	resolver, err := engine.NewResolver(engine.ResolverConfig{
		Ledger: ldg,
		Models: svc.AgentsConfig,
		Engine: svc.EngineConfig,
	})
	if err != nil {
		log.Fatalf("failed to build date range resolver: %v", err)
	}
	svc.Resolver = resolver

	manager, err := engine.NewManager(engine.ManagerConfig{
		Store:    st,
		Resolver: resolver,
		Cache:    svc.Cache,
		TTL:      svc.TTL,
	})
	if err != nil {
		log.Fatalf("failed to build job manager: %v", err)
	}
	svc.Manager = manager

	worker, err := engine.NewWorker(engine.WorkerConfig{
		Manager: manager,
		Prices:  prices,
		Ledger:  ldg,
		Models:  svc.AgentsConfig,
		Env:     svc.AgentEnv,
		Engine:  svc.EngineConfig,
	})
	if err != nil {
		log.Fatalf("failed to build worker: %v", err)
	}
	svc.Worker = worker

	return svc
}
