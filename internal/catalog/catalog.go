package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/edictd/edict/internal/audit"
	"github.com/edictd/edict/internal/config"
	"github.com/edictd/edict/internal/fsatomic"
)

// Catalog is the authoritative in-memory index of instruction entries.
// Mutations and reloads serialize on the write lock so a reload never
// observes a half-applied mutation; entry files themselves are written
// atomically by fsatomic.
type Catalog struct {
	mu    sync.RWMutex
	cfg   config.Config
	files *fsatomic.Store
	sink  audit.Sink

	entries map[string]*InstructionEntry
	hash    string
	issues  []Issue

	// onChange is invoked after every successful mutation, outside the
	// lock. The manifest tracker hooks in here.
	onChange func()
}

// New creates an empty catalog. Call Load to populate it from disk.
func New(cfg config.Config, files *fsatomic.Store, sink audit.Sink) *Catalog {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Catalog{
		cfg:     cfg,
		files:   files,
		sink:    sink,
		entries: make(map[string]*InstructionEntry),
		hash:    AggregateHash(nil),
	}
}

// OnChange registers the post-mutation hook. Must be called before the
// catalog is shared across goroutines.
func (c *Catalog) OnChange(fn func()) {
	c.onChange = fn
}

// EntryPath returns the file backing an entry id.
func (c *Catalog) EntryPath(id string) string {
	return filepath.Join(c.cfg.InstructionsDir(), id+".json")
}

// canonicalize applies the configured canonicalization tolerance.
func (c *Catalog) canonicalize(body string) string {
	return Canonicalize(body, c.cfg.Hardening.CanonicalVariants)
}

// timeNow is a package-level var for testability.
var timeNow = time.Now

func nowStamp() string {
	return timeNow().UTC().Format(time.RFC3339)
}

// --- Load / reload ---

// Issue describes a file skipped or flagged during load.
type Issue struct {
	File   string `json:"file"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

// LoadResult reports what a load pass found.
type LoadResult struct {
	Loaded int     `json:"loaded"`
	Issues []Issue `json:"issues,omitempty"`
}

// Load scans the instructions directory and replaces the in-memory
// index. Malformed files are skipped with a reported issue, never fatal
// to the whole load. The in-memory sourceHash is always recomputed from
// the body, so a direct on-disk body edit shows up in the aggregate
// hash (and therefore in manifest drift) after a reload.
func (c *Catalog) Load() (LoadResult, error) {
	dir := c.cfg.InstructionsDir()
	dirEntries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return LoadResult{}, fmt.Errorf("reading instructions directory: %w", err)
	}

	newEntries := make(map[string]*InstructionEntry)
	var issues []Issue

	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			issues = append(issues, Issue{File: name, Reason: fmt.Sprintf("unreadable: %v", err)})
			continue
		}

		e, err := DecodeEntry(data)
		if err != nil {
			issues = append(issues, Issue{File: name, Reason: fmt.Sprintf("malformed JSON: %v", err)})
			continue
		}

		stem := strings.TrimSuffix(name, ".json")
		if e.ID != stem {
			issues = append(issues, Issue{File: name, ID: e.ID, Reason: fmt.Sprintf("id %q does not match filename", e.ID)})
			continue
		}

		e.ApplyDefaults(config.SchemaVersion)
		if err := e.Validate(); err != nil {
			issues = append(issues, Issue{File: name, ID: e.ID, Reason: err.Error()})
			continue
		}

		declared := e.SourceHash
		e.Body = c.canonicalize(e.Body)
		e.SourceHash = EntryHash(e.Body)
		if declared != "" && declared != e.SourceHash {
			issues = append(issues, Issue{File: name, ID: e.ID, Reason: "sourceHash does not match body"})
		}

		newEntries[e.ID] = &e
	}

	c.mu.Lock()
	c.entries = newEntries
	c.issues = issues
	c.recomputeHashLocked()
	loaded := len(c.entries)
	c.mu.Unlock()

	return LoadResult{Loaded: loaded, Issues: issues}, nil
}

// Reload is Load by another name, for call sites that mean "refresh".
func (c *Catalog) Reload() (LoadResult, error) {
	return c.Load()
}

func (c *Catalog) recomputeHashLocked() {
	hashes := make(map[string]string, len(c.entries))
	for id, e := range c.entries {
		hashes[id] = e.SourceHash
	}
	c.hash = AggregateHash(hashes)
}

// --- Read operations ---

// Hash returns the current aggregate catalog hash.
func (c *Catalog) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hash
}

// Count returns the number of entries.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Issues returns the issues recorded by the last load.
func (c *Catalog) Issues() []Issue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Issue(nil), c.issues...)
}

// Get returns a copy of the entry, or ok=false when the id is absent.
// A missing id is a result, not an error.
func (c *Catalog) Get(id string) (InstructionEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return InstructionEntry{}, false
	}
	return cloneEntry(e), true
}

// ListResult is the common shape for list/search/export: callers can
// compare Hash between calls to cheaply detect catalog-wide change.
type ListResult struct {
	Hash  string             `json:"hash"`
	Count int                `json:"count"`
	Items []InstructionEntry `json:"items"`
}

// List returns all entries, optionally filtered by category. Items are
// sorted by id for deterministic output.
func (c *Catalog) List(category string) ListResult {
	want := strings.ToLower(strings.TrimSpace(category))

	c.mu.RLock()
	defer c.mu.RUnlock()

	items := make([]InstructionEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if want != "" && !hasCategory(e, want) {
			continue
		}
		items = append(items, cloneEntry(e))
	}
	sortEntries(items)
	return ListResult{Hash: c.hash, Count: len(items), Items: items}
}

// Search performs a linear case-insensitive keyword scan over id,
// title, body, rationale, and categories.
func (c *Catalog) Search(q string) ListResult {
	needle := strings.ToLower(strings.TrimSpace(q))

	c.mu.RLock()
	defer c.mu.RUnlock()

	items := make([]InstructionEntry, 0)
	for _, e := range c.entries {
		if needle == "" || matchesQuery(e, needle) {
			items = append(items, cloneEntry(e))
		}
	}
	sortEntries(items)
	return ListResult{Hash: c.hash, Count: len(items), Items: items}
}

// Export returns the complete entry set for backup or transfer.
func (c *Catalog) Export() ListResult {
	return c.List("")
}

// HasNonSeedEntries reports whether any entry outside the bootstrap
// seed set exists. The bootstrap gate treats such a workspace as
// pre-authorized.
func (c *Catalog) HasNonSeedEntries() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if !e.IsBootstrapSeed() {
			return true
		}
	}
	return false
}

// Snapshot returns the (id → sourceHash) map, count, and aggregate hash
// as one consistent view. The manifest tracker builds its persisted
// snapshot from this — it never owns current content itself.
func (c *Catalog) Snapshot() (map[string]string, int, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hashes := make(map[string]string, len(c.entries))
	for id, e := range c.entries {
		hashes[id] = e.SourceHash
	}
	return hashes, len(c.entries), c.hash
}

// --- Add / update ---

// AddOptions controls add behavior.
type AddOptions struct {
	// Overwrite allows replacing an existing id. When false, an add on
	// an existing id is a no-op reporting created:false.
	Overwrite bool
	// Lax fills defaults (audience, requirement, schema version) for
	// partial input instead of rejecting it.
	Lax bool
}

// AddResult reports the outcome of an add or update.
type AddResult struct {
	ID          string `json:"id"`
	Created     bool   `json:"created"`
	Overwritten bool   `json:"overwritten"`
	Hash        string `json:"hash"`
}

// Add validates and persists one entry. The body is canonicalized and
// sourceHash recomputed before anything touches disk; validation
// failures are rejected with nothing partially applied.
func (c *Catalog) Add(e InstructionEntry, opts AddOptions) (AddResult, error) {
	if opts.Lax {
		e.ApplyDefaults(config.SchemaVersion)
	}
	e.Body = c.canonicalize(e.Body)
	if err := e.Validate(); err != nil {
		return AddResult{}, fmt.Errorf("validation: %w", err)
	}
	e.SourceHash = EntryHash(e.Body)
	if e.SchemaVersion == "" {
		e.SchemaVersion = config.SchemaVersion
	}

	now := nowStamp()

	c.mu.Lock()
	existing, exists := c.entries[e.ID]
	if exists && !opts.Overwrite {
		res := AddResult{ID: e.ID, Created: false, Overwritten: false, Hash: c.hash}
		c.mu.Unlock()
		return res, nil
	}

	if exists {
		e.CreatedAt = existing.CreatedAt
	} else {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	if err := c.writeEntryLocked(&e); err != nil {
		c.mu.Unlock()
		return AddResult{}, err
	}

	c.entries[e.ID] = &e
	c.recomputeHashLocked()
	res := AddResult{ID: e.ID, Created: !exists, Overwritten: exists, Hash: c.hash}
	c.mu.Unlock()

	action := "add"
	if exists {
		action = "update"
	}
	c.afterMutation(action, []string{e.ID}, map[string]any{"hash": res.Hash})
	return res, nil
}

// Update is add with implicit overwrite; the original createdAt is
// preserved.
func (c *Catalog) Update(e InstructionEntry) (AddResult, error) {
	return c.Add(e, AddOptions{Overwrite: true, Lax: true})
}

func (c *Catalog) writeEntryLocked(e *InstructionEntry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling entry %q: %w", e.ID, err)
	}
	if err := c.files.WriteFile(c.EntryPath(e.ID), data); err != nil {
		return fmt.Errorf("persisting entry %q: %w", e.ID, err)
	}
	return nil
}

// --- Remove ---

// RemoveOutcome is the per-id result of a remove.
type RemoveOutcome struct {
	ID      string `json:"id"`
	Removed bool   `json:"removed"`
	Missing bool   `json:"missing,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RemoveResult is the whole-batch result. OK is false when missingOk
// was false and any id was absent, or any deletion failed — but ids
// that do exist are still deleted either way.
type RemoveResult struct {
	OK      bool            `json:"ok"`
	Results []RemoveOutcome `json:"results"`
	Hash    string          `json:"hash"`
}

// Remove deletes entries by id. Each id gets its own outcome; one id's
// failure never blocks or corrupts another's deletion.
func (c *Catalog) Remove(ids []string, missingOk bool) RemoveResult {
	c.mu.Lock()

	results := make([]RemoveOutcome, 0, len(ids))
	var removed []string
	anyMissing := false
	anyFailed := false

	for _, id := range ids {
		if _, exists := c.entries[id]; !exists {
			anyMissing = true
			results = append(results, RemoveOutcome{ID: id, Missing: true})
			continue
		}
		if err := c.files.Remove(c.EntryPath(id)); err != nil && !os.IsNotExist(err) {
			anyFailed = true
			results = append(results, RemoveOutcome{ID: id, Error: err.Error()})
			continue
		}
		delete(c.entries, id)
		removed = append(removed, id)
		results = append(results, RemoveOutcome{ID: id, Removed: true})
	}

	c.recomputeHashLocked()
	hash := c.hash
	c.mu.Unlock()

	if len(removed) > 0 {
		c.afterMutation("remove", removed, map[string]any{"hash": hash})
	}

	ok := !anyFailed && (missingOk || !anyMissing)
	return RemoveResult{OK: ok, Results: results, Hash: hash}
}

// --- Import ---

// ImportMode controls batch-add collision behavior.
type ImportMode string

const (
	ImportSkip      ImportMode = "skip"
	ImportOverwrite ImportMode = "overwrite"
)

// ValidateImportMode returns an error if the mode is not recognized.
func ValidateImportMode(m ImportMode) error {
	if m != ImportSkip && m != ImportOverwrite {
		return fmt.Errorf("invalid import mode %q: must be one of: skip, overwrite", m)
	}
	return nil
}

// ImportOutcome is the per-entry result of an import.
type ImportOutcome struct {
	ID          string `json:"id"`
	Created     bool   `json:"created"`
	Overwritten bool   `json:"overwritten"`
	Skipped     bool   `json:"skipped,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ImportReport is the whole-batch result.
type ImportReport struct {
	Results []ImportOutcome `json:"results"`
	Errors  []string        `json:"errors"`
	Hash    string          `json:"hash"`
}

// Import batch-adds entries. One entry's failure never blocks the rest,
// and the resulting aggregate hash is independent of input order.
func (c *Catalog) Import(entries []InstructionEntry, mode ImportMode) (ImportReport, error) {
	if err := ValidateImportMode(mode); err != nil {
		return ImportReport{}, err
	}

	report := ImportReport{
		Results: make([]ImportOutcome, 0, len(entries)),
		Errors:  []string{},
	}
	for _, e := range entries {
		res, err := c.Add(e, AddOptions{Overwrite: mode == ImportOverwrite, Lax: true})
		if err != nil {
			report.Results = append(report.Results, ImportOutcome{ID: e.ID, Error: err.Error()})
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", e.ID, err))
			continue
		}
		report.Results = append(report.Results, ImportOutcome{
			ID:          res.ID,
			Created:     res.Created,
			Overwritten: res.Overwritten,
			Skipped:     !res.Created && !res.Overwritten,
		})
	}
	report.Hash = c.Hash()
	return report, nil
}

// --- Diff ---

// KnownEntry is a client-declared (id, hash) pair.
type KnownEntry struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
}

// DiffResult partitions the catalog against a client's declared state.
type DiffResult struct {
	UpToDate bool               `json:"upToDate"`
	Hash     string             `json:"hash"`
	Added    []InstructionEntry `json:"added,omitempty"`
	Updated  []InstructionEntry `json:"updated,omitempty"`
	Removed  []string           `json:"removed,omitempty"`
}

// Diff compares the client's catalog hash and known set against the
// live catalog.
func (c *Catalog) Diff(clientHash string, known []KnownEntry) DiffResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if clientHash == c.hash {
		return DiffResult{UpToDate: true, Hash: c.hash}
	}

	knownHashes := make(map[string]string, len(known))
	for _, k := range known {
		knownHashes[k.ID] = k.Hash
	}

	res := DiffResult{Hash: c.hash}
	for id, e := range c.entries {
		declared, ok := knownHashes[id]
		switch {
		case !ok:
			res.Added = append(res.Added, cloneEntry(e))
		case declared != e.SourceHash:
			res.Updated = append(res.Updated, cloneEntry(e))
		}
	}
	for id := range knownHashes {
		if _, ok := c.entries[id]; !ok {
			res.Removed = append(res.Removed, id)
		}
	}

	sortEntries(res.Added)
	sortEntries(res.Updated)
	sort.Strings(res.Removed)
	return res
}

// --- Integrity verify ---

// IntegrityIssue is one detected hash mismatch or unparsable file.
type IntegrityIssue struct {
	ID       string `json:"id,omitempty"`
	File     string `json:"file"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Reason   string `json:"reason"`
}

// VerifyResult is the integrity report over the on-disk entry set.
type VerifyResult struct {
	Hash       string           `json:"hash"`
	Count      int              `json:"count"`
	Issues     []IntegrityIssue `json:"issues"`
	IssueCount int              `json:"issueCount"`
}

// Verify re-reads every entry file and reports declared-vs-recomputed
// sourceHash mismatches. It reports; it never auto-corrects — repair is
// an explicit groom/repair action.
func (c *Catalog) Verify() (VerifyResult, error) {
	dir := c.cfg.InstructionsDir()
	dirEntries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return VerifyResult{}, fmt.Errorf("reading instructions directory: %w", err)
	}

	issues := []IntegrityIssue{}
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			issues = append(issues, IntegrityIssue{File: name, Reason: fmt.Sprintf("unreadable: %v", err)})
			continue
		}
		var e InstructionEntry
		if err := json.Unmarshal(data, &e); err != nil {
			issues = append(issues, IntegrityIssue{File: name, Reason: fmt.Sprintf("malformed JSON: %v", err)})
			continue
		}

		actual := EntryHash(c.canonicalize(e.Body))
		if e.SourceHash != actual {
			issues = append(issues, IntegrityIssue{
				ID:       e.ID,
				File:     name,
				Expected: e.SourceHash,
				Actual:   actual,
				Reason:   "sourceHash does not match body",
			})
		}
	}

	return VerifyResult{
		Hash:       c.Hash(),
		Count:      c.Count(),
		Issues:     issues,
		IssueCount: len(issues),
	}, nil
}

// --- helpers ---

func (c *Catalog) afterMutation(action string, ids []string, meta map[string]any) {
	c.sink.Record(action, ids, meta)
	if c.onChange != nil {
		c.onChange()
	}
}

func cloneEntry(e *InstructionEntry) InstructionEntry {
	out := *e
	out.Categories = append([]string(nil), e.Categories...)
	out.ChangeLog = append([]string(nil), e.ChangeLog...)
	return out
}

func sortEntries(items []InstructionEntry) {
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
}

func hasCategory(e *InstructionEntry, want string) bool {
	for _, c := range e.Categories {
		if strings.ToLower(strings.TrimSpace(c)) == want {
			return true
		}
	}
	return false
}

func matchesQuery(e *InstructionEntry, needle string) bool {
	if strings.Contains(strings.ToLower(e.ID), needle) ||
		strings.Contains(strings.ToLower(e.Title), needle) ||
		strings.Contains(strings.ToLower(e.Body), needle) ||
		strings.Contains(strings.ToLower(e.Rationale), needle) {
		return true
	}
	for _, c := range e.Categories {
		if strings.Contains(strings.ToLower(c), needle) {
			return true
		}
	}
	return false
}
