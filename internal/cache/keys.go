package cache

import (
	"fmt"
	"strings"
	"time"
)

// Namespace is the Redis key prefix for the alphasim application.
const Namespace = "alphasim"

// TTLSet normalises cache TTLs from config into time.Duration values,
// grouped by how quickly the underlying data goes stale.
type TTLSet struct {
	Short  time.Duration
	Medium time.Duration
	Long   time.Duration
}

// NewTTLSet converts TTLs given in whole seconds into durations. Zero
// values fall back to the defaults, negative values disable the bucket.
func NewTTLSet(short, medium, long int) TTLSet {
	return TTLSet{
		Short:  durationOrDefault(short, 10*time.Second),
		Medium: durationOrDefault(medium, time.Minute),
		Long:   durationOrDefault(long, 5*time.Minute),
	}
}

func durationOrDefault(seconds int, fallback time.Duration) time.Duration {
	switch {
	case seconds < 0:
		return 0
	case seconds == 0:
		return fallback
	default:
		return time.Duration(seconds) * time.Second
	}
}

func formatKey(parts ...string) string {
	values := make([]string, 0, len(parts)+1)
	values = append(values, Namespace)
	for _, part := range parts {
		if clean := strings.TrimSpace(part); clean != "" {
			values = append(values, clean)
		}
	}
	return strings.Join(values, ":")
}

// BuildKeyWithSuffix appends an arbitrary suffix to an existing key.
func BuildKeyWithSuffix(baseKey, suffix string) string {
	if strings.TrimSpace(suffix) == "" {
		return baseKey
	}
	return fmt.Sprintf("%s:%s", baseKey, strings.TrimSpace(suffix))
}

// --- Job Keys ---------------------------------------------------------------

// JobStatusKey stores the rendered status payload for a job.
func JobStatusKey(jobID string) string {
	return formatKey("job", "status", jobID)
}

// JobListKey caches the rendered job listing.
func JobListKey() string {
	return formatKey("job", "list")
}

// --- Ledger Keys ------------------------------------------------------------

// TradingDayKey stores a full trading-day result (holdings and actions included).
func TradingDayKey(model, date string) string {
	return formatKey("ledger", "day", model, date)
}

// LatestTradingDateKey caches the most recent recorded date for a model.
func LatestTradingDateKey(model string) string {
	return formatKey("ledger", "latest", model)
}

// PerformanceKey caches the aggregated performance summary for a model.
func PerformanceKey(model string) string {
	return formatKey("performance", model)
}

// --- Price Data Keys --------------------------------------------------------

// BarKey stores one daily price bar.
func BarKey(symbol, date string) string {
	return formatKey("price", "bar", symbol, date)
}

// LatestBarKey stores the most recent stored bar for a symbol.
func LatestBarKey(symbol string) string {
	return formatKey("price", "latest", symbol)
}

// CoverageKey stores the merged coverage ranges for a symbol.
func CoverageKey(symbol string) string {
	return formatKey("price", "coverage", symbol)
}

// --- TTL Helpers ------------------------------------------------------------

// JobStatusTTL returns the TTL for job status payloads. Kept short because
// detail transitions land continuously while a job runs.
func JobStatusTTL(ttl TTLSet) time.Duration {
	return ttl.Short
}

// JobListTTL returns the TTL for job listings.
func JobListTTL(ttl TTLSet) time.Duration {
	return ttl.Short
}

// TradingDayTTL returns the TTL for trading-day results. Days are immutable
// once written so these can live long.
func TradingDayTTL(ttl TTLSet) time.Duration {
	return ttl.Long
}

// LatestTradingDateTTL returns the TTL for latest-date markers.
func LatestTradingDateTTL(ttl TTLSet) time.Duration {
	return ttl.Short
}

// PerformanceTTL returns the TTL for performance summaries.
func PerformanceTTL(ttl TTLSet) time.Duration {
	return ttl.Medium
}

// BarTTL returns the TTL for historical bars. Bars never change after
// ingest, so they outlive every other bucket.
func BarTTL(ttl TTLSet) time.Duration {
	return 2 * ttl.Long
}

// LatestBarTTL returns the TTL for latest-bar snapshots.
func LatestBarTTL(ttl TTLSet) time.Duration {
	return ttl.Medium
}

// CoverageTTL returns the TTL for coverage payloads.
func CoverageTTL(ttl TTLSet) time.Duration {
	return ttl.Medium
}
