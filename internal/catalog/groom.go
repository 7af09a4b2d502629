package catalog

import (
	"fmt"
	"os"
	"sort"
)

// --- Groom: catalog maintenance pass ---

// GroomMode selects how aggressive the maintenance pass is.
type GroomMode string

const (
	// GroomNormalize normalizes categories and repairs sourceHash
	// mismatches.
	GroomNormalize GroomMode = "normalize"
	// GroomDedupe additionally merges duplicate-body entries into the
	// lexically smallest id.
	GroomDedupe GroomMode = "dedupe"
	// GroomPurge additionally removes requirement:deprecated entries.
	GroomPurge GroomMode = "purge"
	// GroomFull does all of the above.
	GroomFull GroomMode = "full"
)

var validGroomModes = map[GroomMode]bool{
	GroomNormalize: true,
	GroomDedupe:    true,
	GroomPurge:     true,
	GroomFull:      true,
}

// ValidateGroomMode returns an error if the mode is not recognized.
func ValidateGroomMode(m GroomMode) error {
	if !validGroomModes[m] {
		return fmt.Errorf("invalid groom mode %q: must be one of: normalize, dedupe, purge, full", m)
	}
	return nil
}

// GroomReport summarizes one maintenance pass.
type GroomReport struct {
	DryRun               bool      `json:"dryRun"`
	Mode                 GroomMode `json:"mode"`
	Scanned              int       `json:"scanned"`
	RepairedHashes       int       `json:"repairedHashes"`
	NormalizedCategories int       `json:"normalizedCategories"`
	DuplicatesMerged     int       `json:"duplicatesMerged"`
	DeprecatedRemoved    int       `json:"deprecatedRemoved"`
	PreviousHash         string    `json:"previousHash"`
	Hash                 string    `json:"hash"`
}

// Groom runs the maintenance pass. With dryRun, everything is computed
// and reported but nothing is written, removed, or changed in memory.
func (c *Catalog) Groom(mode GroomMode, dryRun bool) (GroomReport, error) {
	if err := ValidateGroomMode(mode); err != nil {
		return GroomReport{}, err
	}

	c.mu.Lock()

	report := GroomReport{DryRun: dryRun, Mode: mode, PreviousHash: c.hash}

	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	report.Scanned = len(ids)

	now := nowStamp()
	var mutated []string

	// Normalize pass: categories plus on-disk hash repair. The disk
	// body is authoritative here — a direct edit is exactly what this
	// repairs.
	for _, id := range ids {
		disk, readErr := c.readEntryFromDisk(id)
		if readErr != nil {
			// Unreadable files are Verify's department; skip.
			continue
		}

		canonical := c.canonicalize(disk.Body)
		recomputed := EntryHash(canonical)
		needsRepair := disk.SourceHash != recomputed || disk.Body != canonical
		normCats, catsChanged := NormalizeCategories(disk.Categories)

		if needsRepair {
			report.RepairedHashes++
		}
		if catsChanged {
			report.NormalizedCategories++
		}
		if dryRun || (!needsRepair && !catsChanged) {
			continue
		}

		disk.Body = canonical
		disk.SourceHash = recomputed
		disk.Categories = normCats
		disk.UpdatedAt = now
		if err := c.writeEntryLocked(disk); err != nil {
			c.mu.Unlock()
			return GroomReport{}, err
		}
		c.entries[id] = disk
		mutated = append(mutated, id)
	}

	// Dedupe pass: group by content hash, keep the lexically smallest
	// id, fold the duplicates' categories into the keeper.
	if mode == GroomDedupe || mode == GroomFull {
		byHash := make(map[string][]string)
		for id, e := range c.entries {
			byHash[e.SourceHash] = append(byHash[e.SourceHash], id)
		}
		for _, group := range byHash {
			if len(group) < 2 {
				continue
			}
			sort.Strings(group)
			keeper := group[0]
			report.DuplicatesMerged += len(group) - 1
			if dryRun {
				continue
			}

			merged := append([]string(nil), c.entries[keeper].Categories...)
			for _, dup := range group[1:] {
				merged = append(merged, c.entries[dup].Categories...)
				if err := c.files.Remove(c.EntryPath(dup)); err != nil && !os.IsNotExist(err) {
					c.mu.Unlock()
					return GroomReport{}, fmt.Errorf("removing duplicate %q: %w", dup, err)
				}
				delete(c.entries, dup)
				mutated = append(mutated, dup)
			}

			normMerged, changed := NormalizeCategories(merged)
			if changed || len(normMerged) != len(c.entries[keeper].Categories) {
				kept := cloneEntry(c.entries[keeper])
				kept.Categories = normMerged
				kept.UpdatedAt = now
				if err := c.writeEntryLocked(&kept); err != nil {
					c.mu.Unlock()
					return GroomReport{}, err
				}
				c.entries[keeper] = &kept
				mutated = append(mutated, keeper)
			}
		}
	}

	// Purge pass: drop deprecated entries.
	if mode == GroomPurge || mode == GroomFull {
		for id, e := range c.entries {
			if e.Requirement != RequirementDeprecated {
				continue
			}
			report.DeprecatedRemoved++
			if dryRun {
				continue
			}
			if err := c.files.Remove(c.EntryPath(id)); err != nil && !os.IsNotExist(err) {
				c.mu.Unlock()
				return GroomReport{}, fmt.Errorf("removing deprecated %q: %w", id, err)
			}
			delete(c.entries, id)
			mutated = append(mutated, id)
		}
	}

	if !dryRun {
		c.recomputeHashLocked()
	}
	report.Hash = c.hash
	c.mu.Unlock()

	if len(mutated) > 0 {
		c.afterMutation("groom", mutated, map[string]any{
			"mode":                 string(mode),
			"repairedHashes":       report.RepairedHashes,
			"normalizedCategories": report.NormalizedCategories,
			"duplicatesMerged":     report.DuplicatesMerged,
			"deprecatedRemoved":    report.DeprecatedRemoved,
		})
	}
	return report, nil
}

// readEntryFromDisk parses the file backing id. Caller holds the lock.
func (c *Catalog) readEntryFromDisk(id string) (*InstructionEntry, error) {
	data, err := os.ReadFile(c.EntryPath(id))
	if err != nil {
		return nil, fmt.Errorf("reading entry %q: %w", id, err)
	}
	e, err := DecodeEntry(data)
	if err != nil {
		return nil, fmt.Errorf("parsing entry %q: %w", id, err)
	}
	return &e, nil
}
