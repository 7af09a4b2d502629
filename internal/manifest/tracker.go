// Package manifest persists a snapshot of the catalog's (id → hash) set
// and detects drift between disk and memory without rehashing everything
// on every call.
//
// The tracker only ever reads catalog state to build snapshots — it is
// never the source of truth for current content.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edictd/edict/internal/fsatomic"
)

// timeNow is a package-level var for testability.
var timeNow = time.Now

// Source is the catalog view the tracker snapshots. Returns the
// (id → sourceHash) map, entry count, and aggregate hash as one
// consistent read.
type Source interface {
	Snapshot() (map[string]string, int, string)
}

// Snapshot is the persisted manifest file.
type Snapshot struct {
	Entries   map[string]string `json:"entries"`
	Count     int               `json:"count"`
	Hash      string            `json:"hash"`
	UpdatedAt string            `json:"updatedAt"`
}

// Tracker owns the persisted snapshot.
type Tracker struct {
	mu     sync.Mutex
	path   string
	files  *fsatomic.Store
	source Source

	// dirty invalidates the fastload shortcut; set by the watcher when
	// instruction files change on disk outside the catalog API.
	dirty atomic.Bool
}

// New creates a Tracker persisting to path.
func New(path string, files *fsatomic.Store, source Source) *Tracker {
	return &Tracker{path: path, files: files, source: source}
}

// MarkDirty forces the next Status call onto the full-comparison path.
func (t *Tracker) MarkDirty() {
	t.dirty.Store(true)
}

// Status reports drift between the persisted snapshot and live catalog
// state.
type Status struct {
	ManifestPresent bool `json:"manifestPresent"`
	Drift           int  `json:"drift"`
	// Fastload reports whether the count-and-hash shortcut answered
	// without a per-entry comparison.
	Fastload bool `json:"fastload,omitempty"`
}

// Status compares the live catalog against the persisted snapshot. The
// fastload shortcut answers drift:0 only when the snapshot's count AND
// aggregate hash both match the live catalog and no on-disk change has
// been signalled — any mismatch falls back to the full per-id
// comparison, so the shortcut can never produce a false negative.
func (t *Tracker) Status() (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	liveHashes, liveCount, liveHash := t.source.Snapshot()

	snap, present, err := t.read()
	if err != nil {
		return Status{}, err
	}
	if !present {
		// No snapshot: every live entry is unaccounted for.
		return Status{ManifestPresent: false, Drift: liveCount}, nil
	}

	if !t.dirty.Load() && snap.Count == liveCount && snap.Hash == liveHash {
		return Status{ManifestPresent: true, Drift: 0, Fastload: true}, nil
	}

	drift := computeDrift(snap.Entries, liveHashes)
	if drift == 0 {
		t.dirty.Store(false)
	}
	return Status{ManifestPresent: true, Drift: drift}, nil
}

// Refresh unconditionally rewrites the snapshot from current catalog
// state.
func (t *Tracker) Refresh() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refreshLocked()
}

func (t *Tracker) refreshLocked() error {
	hashes, count, hash := t.source.Snapshot()
	snap := Snapshot{
		Entries:   hashes,
		Count:     count,
		Hash:      hash,
		UpdatedAt: timeNow().UTC().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if err := t.files.WriteFile(t.path, data); err != nil {
		return fmt.Errorf("persisting snapshot: %w", err)
	}
	t.dirty.Store(false)
	return nil
}

// RepairResult is the outcome of an explicit repair.
type RepairResult struct {
	Repaired   bool `json:"repaired"`
	DriftAfter int  `json:"driftAfter"`
}

// Repair recomputes drift fully (never taking the fastload shortcut),
// rewrites the snapshot from live state, and reports the post-repair
// drift, which is zero by construction.
func (t *Tracker) Repair() (RepairResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.refreshLocked(); err != nil {
		return RepairResult{}, err
	}

	// Re-read and re-compare to report an honest driftAfter rather
	// than an assumed zero.
	liveHashes, _, _ := t.source.Snapshot()
	snap, present, err := t.read()
	if err != nil {
		return RepairResult{}, err
	}
	if !present {
		return RepairResult{}, fmt.Errorf("snapshot missing immediately after refresh")
	}
	return RepairResult{Repaired: true, DriftAfter: computeDrift(snap.Entries, liveHashes)}, nil
}

// read loads the persisted snapshot. present is false when no snapshot
// file exists yet.
func (t *Tracker) read() (Snapshot, bool, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("reading snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("parsing snapshot %s: %w", t.path, err)
	}
	return snap, true, nil
}

// computeDrift counts ids whose hash differs between snapshot and live
// state, plus ids present on only one side.
func computeDrift(snapshot, live map[string]string) int {
	drift := 0
	for id, h := range live {
		if snapshot[id] != h {
			drift++
		}
	}
	for id := range snapshot {
		if _, ok := live[id]; !ok {
			drift++
		}
	}
	return drift
}
