package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"alphasim/pkg/marketdata"
)

const dateLayout = "2006-01-02"

// Runtime is the isolated working context for exactly one model-day
// execution. Every invocation gets a fresh instance with its own scratch
// directory; runtimes are never shared or pooled. The state bag is the only
// thing that survives across days, carried in a per-model msgpack
// checkpoint.
type Runtime struct {
	JobID        string
	Model        string
	Date         time.Time
	TradeEnabled bool

	baseDir    string
	scratchDir string
	state      map[string]any
	destroyed  bool
}

type checkpointFile struct {
	Model   string         `msgpack:"model"`
	SavedAt time.Time      `msgpack:"saved_at"`
	State   map[string]any `msgpack:"state"`
}

// NewRuntime creates the runtime and its scratch directory under baseDir.
func NewRuntime(baseDir, jobID, model string, date time.Time, tradeEnabled bool) (*Runtime, error) {
	day := marketdata.Day(date)
	dir := filepath.Join(baseDir, "runtime", safeSegment(model),
		fmt.Sprintf("%s_%s", day.Format(dateLayout), safeSegment(jobID)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("agent: create scratch dir: %w", err)
	}
	return &Runtime{
		JobID:        jobID,
		Model:        model,
		Date:         day,
		TradeEnabled: tradeEnabled,
		baseDir:      baseDir,
		scratchDir:   dir,
		state:        map[string]any{},
	}, nil
}

// ScratchDir returns the private working directory for this execution. It is
// removed when the runtime is destroyed.
func (r *Runtime) ScratchDir() string {
	return r.scratchDir
}

// CheckpointPath returns the per-model checkpoint location under baseDir.
func (r *Runtime) CheckpointPath() string {
	return filepath.Join(r.baseDir, "checkpoints", safeSegment(r.Model)+".msgpack")
}

// SetValue stores a value in the cross-day state bag.
func (r *Runtime) SetValue(key string, v any) {
	r.state[key] = v
}

// Value returns the raw state entry for key.
func (r *Runtime) Value(key string) (any, bool) {
	v, ok := r.state[key]
	return v, ok
}

// IntValue returns the integer stored under key, tolerating the integer
// widths msgpack decoding produces.
func (r *Runtime) IntValue(key string) int64 {
	switch v := r.state[key].(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// StringValue returns the string stored under key, or "" when absent.
func (r *Runtime) StringValue(key string) string {
	if s, ok := r.state[key].(string); ok {
		return s
	}
	return ""
}

// LoadCheckpoint restores the model's state bag from its checkpoint file. A
// missing file is a cold start, not an error.
func (r *Runtime) LoadCheckpoint() error {
	data, err := os.ReadFile(r.CheckpointPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("agent: read checkpoint %s: %w", r.Model, err)
	}
	var cp checkpointFile
	if err := msgpack.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("agent: decode checkpoint %s: %w", r.Model, err)
	}
	if cp.State != nil {
		r.state = cp.State
	}
	return nil
}

// SaveCheckpoint writes the state bag to the model's checkpoint file.
func (r *Runtime) SaveCheckpoint() error {
	path := r.CheckpointPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("agent: create checkpoint dir: %w", err)
	}
	data, err := msgpack.Marshal(checkpointFile{
		Model:   r.Model,
		SavedAt: time.Now().UTC(),
		State:   r.state,
	})
	if err != nil {
		return fmt.Errorf("agent: encode checkpoint %s: %w", r.Model, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("agent: write checkpoint %s: %w", r.Model, err)
	}
	return nil
}

// Destroy removes the scratch directory. It is idempotent and always called
// by the engine once the execution finishes, success or not.
func (r *Runtime) Destroy() error {
	if r.destroyed {
		return nil
	}
	r.destroyed = true
	if err := os.RemoveAll(r.scratchDir); err != nil {
		return fmt.Errorf("agent: remove scratch dir: %w", err)
	}
	return nil
}

// Destroyed reports whether Destroy has run.
func (r *Runtime) Destroyed() bool {
	return r.destroyed
}

// safeSegment makes an identifier safe to use as a path element.
func safeSegment(s string) string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			return c
		case c == '-', c == '_', c == '.':
			return c
		default:
			return '_'
		}
	}, s)
}
