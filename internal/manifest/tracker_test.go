package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edictd/edict/internal/fsatomic"
)

// fakeSource is a hand-rolled catalog stand-in.
type fakeSource struct {
	hashes map[string]string
	hash   string
}

func (f *fakeSource) Snapshot() (map[string]string, int, string) {
	out := make(map[string]string, len(f.hashes))
	for k, v := range f.hashes {
		out[k] = v
	}
	return out, len(f.hashes), f.hash
}

func (f *fakeSource) set(hashes map[string]string, hash string) {
	f.hashes = hashes
	f.hash = hash
}

func newTestTracker(t *testing.T) (*Tracker, *fakeSource) {
	t.Helper()
	src := &fakeSource{hashes: map[string]string{}, hash: "empty"}
	path := filepath.Join(t.TempDir(), "snapshots", "catalog-manifest.json")
	return New(path, fsatomic.New(1, 0), src), src
}

func TestStatus_NoSnapshotReportsAllLiveAsDrift(t *testing.T) {
	tr, src := newTestTracker(t)
	src.set(map[string]string{"a": "h1", "b": "h2"}, "agg")

	st, err := tr.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.ManifestPresent {
		t.Error("no snapshot file yet")
	}
	if st.Drift != 2 {
		t.Errorf("Drift = %d, want 2", st.Drift)
	}
}

func TestStatus_FastloadWhenCountAndHashMatch(t *testing.T) {
	tr, src := newTestTracker(t)
	src.set(map[string]string{"a": "h1"}, "agg1")
	if err := tr.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	st, err := tr.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !st.ManifestPresent || st.Drift != 0 {
		t.Errorf("status = %+v", st)
	}
	if !st.Fastload {
		t.Error("matching count+hash should take the fastload shortcut")
	}
}

func TestStatus_CountMatchButHashMismatchFallsBack(t *testing.T) {
	// Same count, different content: the shortcut precondition fails
	// and the full comparison must report the drift.
	tr, src := newTestTracker(t)
	src.set(map[string]string{"a": "h1"}, "agg1")
	if err := tr.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	src.set(map[string]string{"a": "EDITED"}, "agg2")
	st, err := tr.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Fastload {
		t.Error("shortcut must not fire when the aggregate hash moved")
	}
	if st.Drift != 1 {
		t.Errorf("Drift = %d, want 1", st.Drift)
	}
}

func TestStatus_CountMismatchFallsBack(t *testing.T) {
	tr, src := newTestTracker(t)
	src.set(map[string]string{"a": "h1"}, "agg1")
	if err := tr.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	src.set(map[string]string{"a": "h1", "b": "h2"}, "agg2")
	st, _ := tr.Status()
	if st.Fastload || st.Drift != 1 {
		t.Errorf("status = %+v, want full-path drift 1", st)
	}

	src.set(map[string]string{}, "empty")
	st, _ = tr.Status()
	if st.Drift != 1 {
		t.Errorf("Drift = %d, want 1 (snapshot entry gone live)", st.Drift)
	}
}

func TestStatus_DirtyFlagDisablesFastload(t *testing.T) {
	tr, src := newTestTracker(t)
	src.set(map[string]string{"a": "h1"}, "agg1")
	if err := tr.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	tr.MarkDirty()
	st, err := tr.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Fastload {
		t.Error("dirty flag must force the full comparison")
	}
	if st.Drift != 0 {
		t.Errorf("Drift = %d, want 0", st.Drift)
	}

	// Clean full comparison clears the flag; next call fastloads again.
	st, _ = tr.Status()
	if !st.Fastload {
		t.Error("flag should clear after a clean full comparison")
	}
}

func TestRefresh_PersistsSnapshot(t *testing.T) {
	tr, src := newTestTracker(t)
	src.set(map[string]string{"a": "h1"}, "agg1")

	oldNow := timeNow
	timeNow = func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }
	defer func() { timeNow = oldNow }()

	if err := tr.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	snap, present, err := tr.read()
	if err != nil || !present {
		t.Fatalf("read: present=%v err=%v", present, err)
	}
	if snap.Count != 1 || snap.Hash != "agg1" || snap.Entries["a"] != "h1" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.UpdatedAt != "2026-05-01T00:00:00Z" {
		t.Errorf("UpdatedAt = %s", snap.UpdatedAt)
	}
}

func TestRepair_BringsDriftToZero(t *testing.T) {
	tr, src := newTestTracker(t)
	src.set(map[string]string{"a": "h1"}, "agg1")
	if err := tr.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	// Catalog moved on; snapshot is stale.
	src.set(map[string]string{"a": "h2", "b": "h3"}, "agg2")
	st, _ := tr.Status()
	if st.Drift == 0 {
		t.Fatal("precondition: drift expected before repair")
	}

	res, err := tr.Repair()
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}
	if !res.Repaired || res.DriftAfter != 0 {
		t.Errorf("repair = %+v", res)
	}

	st, _ = tr.Status()
	if st.Drift != 0 {
		t.Errorf("post-repair drift = %d", st.Drift)
	}
}

func TestStatus_CorruptSnapshotIsAnError(t *testing.T) {
	tr, src := newTestTracker(t)
	src.set(map[string]string{}, "empty")
	if err := os.MkdirAll(filepath.Dir(tr.path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(tr.path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := tr.Status(); err == nil {
		t.Fatal("corrupt snapshot should surface as an error")
	}
}
