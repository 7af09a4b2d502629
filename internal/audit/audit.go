// Package audit provides the append-only mutation log.
//
// The catalog fires one entry per successful mutation and never reads
// the log back. Records are JSON Lines appended to a single file.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// timeNow is a package-level var for testability.
var timeNow = time.Now

// Entry is one audit record.
type Entry struct {
	Event  string         `json:"event"`
	TS     string         `json:"ts"`
	Action string         `json:"action"`
	IDs    []string       `json:"ids,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Sink receives audit entries. Implementations must tolerate being
// called from the catalog's mutation path; failures are best-effort
// and never propagate into the mutation result.
type Sink interface {
	Record(action string, ids []string, meta map[string]any)
}

// Nop discards all entries.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(string, []string, map[string]any) {}

// FileSink appends JSONL records to a single log file.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink creates a FileSink writing to path. The parent directory
// is created on first Record, not here.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Record appends one entry. Errors are reported to stderr only — the
// audit trail is a side-effect sink, not a mutation dependency.
func (s *FileSink) Record(action string, ids []string, meta map[string]any) {
	e := Entry{
		Event:  uuid.NewString(),
		TS:     timeNow().UTC().Format(time.RFC3339),
		Action: action,
		IDs:    ids,
		Meta:   meta,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.append(e); err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
	}
}

func (s *FileSink) append(e Entry) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending entry: %w", err)
	}
	return nil
}
