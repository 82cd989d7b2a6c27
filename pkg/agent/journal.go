package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SessionRecord captures one model-day session for audit and analysis. The
// ledger stores the written file's path as the day's reasoning reference.
type SessionRecord struct {
	Timestamp        time.Time          `json:"timestamp"`
	JobID            string             `json:"job_id"`
	Model            string             `json:"model"`
	Date             string             `json:"date"`
	StartingCash     float64            `json:"starting_cash"`
	StartingHoldings map[string]float64 `json:"starting_holdings,omitempty"`
	Actions          []Action           `json:"actions"`
	EndingCash       float64            `json:"ending_cash"`
	EndingHoldings   map[string]float64 `json:"ending_holdings,omitempty"`
	Reasoning        string             `json:"reasoning,omitempty"`
	DurationMs       int64              `json:"duration_ms,omitempty"`
	Success          bool               `json:"success"`
	ErrorMessage     string             `json:"error_message,omitempty"`
}

// JournalWriter persists session records to a directory as JSON files.
type JournalWriter struct {
	dir   string
	nowFn func() time.Time
}

// NewJournalWriter constructs a journal writer rooted at dir.
func NewJournalWriter(dir string) *JournalWriter {
	if dir == "" {
		dir = "journal"
	}
	_ = os.MkdirAll(dir, 0o755)
	return &JournalWriter{dir: dir, nowFn: time.Now}
}

// WriteSession writes one session record and returns the file path. A rerun
// of the same model-day overwrites the previous record.
func (w *JournalWriter) WriteSession(rec *SessionRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("agent: nil session record")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = w.nowFn()
	}
	name := fmt.Sprintf("session_%s_%s.json", safeSegment(rec.Model), safeSegment(rec.Date))
	path := filepath.Join(w.dir, name)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
