package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"alphasim/internal/config"
	"alphasim/internal/store"
	_ "alphasim/pkg/agent/llmagent"   // register llm variant
	_ "alphasim/pkg/agent/scripted"   // register scripted variant
	_ "alphasim/pkg/marketdata/stub"  // register stub provider
	_ "alphasim/pkg/marketdata/yahoo" // register yahoo provider
)

// Operational probe: opens the configured store, verifies connectivity and
// prints per-table row counts. Useful before pointing the daemon at a new
// database or after a retention sweep.
func main() {
	configPath := flag.String("f", "etc/alphasim.yaml", "the config file")
	bootstrap := flag.Bool("bootstrap", false, "apply the schema before counting")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	storeCfg := cfg.Store
	if strings.TrimSpace(storeCfg.DSN) == "" && strings.TrimSpace(storeCfg.Path) == "" {
		storeCfg.Path = filepath.Join(cfg.DataDir, "alphasim.db")
	}

	st, err := store.Open(storeCfg)
	if err != nil {
		fmt.Printf("open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	start := time.Now()
	if err := st.Ping(ctx); err != nil {
		fmt.Printf("ping: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Store OK: driver=%s ping=%dms\n", st.Driver(), time.Since(start).Milliseconds())

	if *bootstrap {
		if err := st.Bootstrap(ctx); err != nil {
			fmt.Printf("bootstrap: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Schema bootstrapped")
	}

	counts, err := st.TableCounts(ctx)
	if err != nil {
		fmt.Printf("table counts: %v\n", err)
		fmt.Println("Hint: run with -bootstrap to create the schema first")
		os.Exit(1)
	}

	tables := make([]string, 0, len(counts))
	for table := range counts {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	fmt.Println("Row counts:")
	for _, table := range tables {
		fmt.Printf("  %-16s %d\n", table, counts[table])
	}
}
