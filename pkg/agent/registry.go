package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"alphasim/pkg/llm"
)

// Env carries the shared dependencies variant builders may need. Fields stay
// nil when the deployment does not configure the corresponding backend.
type Env struct {
	LLM llm.LLMClient
}

// Builder constructs an agent from the shared environment and one model's
// configuration.
type Builder func(env Env, cfg *ModelConfig) (Agent, error)

var (
	variantRegistry   = make(map[string]Builder)
	variantRegistryMu sync.RWMutex
)

// Register makes a variant available under the given name. Variant packages
// call this from init; a later registration replaces an earlier one.
func Register(variant string, builder Builder) {
	variantRegistryMu.Lock()
	defer variantRegistryMu.Unlock()
	variantRegistry[strings.ToLower(strings.TrimSpace(variant))] = builder
}

// Registered reports whether a variant name resolves to a builder.
func Registered(variant string) bool {
	_, ok := lookupBuilder(variant)
	return ok
}

// Variants returns the registered variant names in sorted order.
func Variants() []string {
	variantRegistryMu.RLock()
	defer variantRegistryMu.RUnlock()
	names := make([]string, 0, len(variantRegistry))
	for name := range variantRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the variant the model configuration names.
func Build(env Env, cfg *ModelConfig) (Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("agent: model config is nil")
	}
	builder, ok := lookupBuilder(cfg.Variant)
	if !ok {
		return nil, fmt.Errorf("agent: model %s uses unknown variant %q", cfg.Key, cfg.Variant)
	}
	built, err := builder(env, cfg)
	if err != nil {
		return nil, fmt.Errorf("agent: build model %s (%s): %w", cfg.Key, cfg.Variant, err)
	}
	return built, nil
}

func lookupBuilder(variant string) (Builder, bool) {
	variantRegistryMu.RLock()
	defer variantRegistryMu.RUnlock()
	builder, ok := variantRegistry[strings.ToLower(strings.TrimSpace(variant))]
	return builder, ok
}
