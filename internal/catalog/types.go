// Package catalog implements the instruction catalog: the authoritative
// in-memory index of instruction entries, backed by one JSON file per
// entry, with content-hash integrity and an order-independent aggregate
// hash.
package catalog

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// --- Audience enum ---

// Audience says who an instruction applies to.
type Audience string

const (
	AudienceIndividual Audience = "individual"
	AudienceGroup      Audience = "group"
	AudienceAll        Audience = "all"
)

var validAudiences = map[Audience]bool{
	AudienceIndividual: true,
	AudienceGroup:      true,
	AudienceAll:        true,
}

// ValidateAudience returns an error if the audience is not recognized.
func ValidateAudience(a Audience) error {
	if !validAudiences[a] {
		return fmt.Errorf("invalid audience %q: must be one of: individual, group, all", a)
	}
	return nil
}

// --- Requirement enum ---

// Requirement grades how binding an instruction is.
type Requirement string

const (
	RequirementMandatory   Requirement = "mandatory"
	RequirementCritical    Requirement = "critical"
	RequirementRecommended Requirement = "recommended"
	RequirementOptional    Requirement = "optional"
	RequirementDeprecated  Requirement = "deprecated"
)

var validRequirements = map[Requirement]bool{
	RequirementMandatory:   true,
	RequirementCritical:    true,
	RequirementRecommended: true,
	RequirementOptional:    true,
	RequirementDeprecated:  true,
}

// ValidateRequirement returns an error if the requirement is not recognized.
func ValidateRequirement(r Requirement) error {
	if !validRequirements[r] {
		return fmt.Errorf("invalid requirement %q: must be one of: mandatory, critical, recommended, optional, deprecated", r)
	}
	return nil
}

// --- Core data structure ---

// InstructionEntry is one catalog record, persisted as <id>.json under
// the instructions directory. SourceHash is always sha256 of Body; any
// divergence on disk is an integrity issue surfaced by Verify.
type InstructionEntry struct {
	ID            string      `json:"id"`
	Title         string      `json:"title"`
	Body          string      `json:"body"`
	Rationale     string      `json:"rationale,omitempty"`
	Priority      int         `json:"priority"`
	Audience      Audience    `json:"audience"`
	Requirement   Requirement `json:"requirement"`
	Categories    []string    `json:"categories,omitempty"`
	SourceHash    string      `json:"sourceHash"`
	SchemaVersion string      `json:"schemaVersion"`
	CreatedAt     string      `json:"createdAt"`
	UpdatedAt     string      `json:"updatedAt"`

	// Usage fields, populated from the usage tracker when enabled.
	UsageCount int     `json:"usageCount,omitempty"`
	LastUsedAt string  `json:"lastUsedAt,omitempty"`
	RiskScore  float64 `json:"riskScore,omitempty"`

	// Governance metadata. Never hash-bearing.
	Version   string   `json:"version,omitempty"`
	Status    string   `json:"status,omitempty"`
	Owner     string   `json:"owner,omitempty"`
	ChangeLog []string `json:"changeLog,omitempty"`
}

// Default values filled in for lax adds.
const (
	DefaultPriority = 50
)

// idPattern is the filesystem-safe charset for entry ids: the id is the
// filename stem, so path separators and dotfiles are rejected outright.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

const maxIDLen = 128

// ValidateID checks that the id is usable as a filename.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("missing required field: id")
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("id exceeds %d characters", maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid id %q: allowed characters are letters, digits, '.', '_', '-', starting with a letter or digit", id)
	}
	return nil
}

// DecodeEntry unmarshals one JSON entry with priority pre-seeded to
// DefaultPriority, so an omitted priority gets the default while an
// explicit zero survives. Empty input decodes to the seeded zero entry;
// validation catches the missing fields downstream.
func DecodeEntry(data []byte) (InstructionEntry, error) {
	e := InstructionEntry{Priority: DefaultPriority}
	if len(data) == 0 {
		return e, nil
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return InstructionEntry{}, err
	}
	return e, nil
}

// ApplyDefaults fills the enum fields a lax add may omit. Priority is
// not defaulted here: zero is a legal explicit value, so the default
// is applied at JSON decode time where absence is still observable
// (see DecodeEntry).
func (e *InstructionEntry) ApplyDefaults(schemaVersion string) {
	if e.Audience == "" {
		e.Audience = AudienceAll
	}
	if e.Requirement == "" {
		e.Requirement = RequirementRecommended
	}
	if e.SchemaVersion == "" {
		e.SchemaVersion = schemaVersion
	}
}

// Validate checks the required fields and enum values. It does not
// touch hashes or timestamps — those are owned by the catalog.
func (e *InstructionEntry) Validate() error {
	if err := ValidateID(e.ID); err != nil {
		return err
	}
	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("missing required field: title")
	}
	if e.Body == "" {
		return fmt.Errorf("missing required field: body")
	}
	if err := ValidateAudience(e.Audience); err != nil {
		return err
	}
	if err := ValidateRequirement(e.Requirement); err != nil {
		return err
	}
	if e.Priority < 0 {
		return fmt.Errorf("priority must be non-negative, got %d", e.Priority)
	}
	return nil
}

// IsBootstrapSeed reports whether the entry is part of the bootstrap
// seed set. Seeds don't count as workspace content for the purposes of
// the confirmation gate.
func (e *InstructionEntry) IsBootstrapSeed() bool {
	if strings.HasPrefix(e.ID, "bootstrap-") {
		return true
	}
	for _, c := range e.Categories {
		if strings.EqualFold(strings.TrimSpace(c), "bootstrap") {
			return true
		}
	}
	return false
}

// NormalizeCategories returns the trimmed, lowercased, deduplicated
// category list, preserving first-occurrence order, plus whether
// anything changed.
func NormalizeCategories(categories []string) ([]string, bool) {
	if len(categories) == 0 {
		return categories, false
	}

	seen := make(map[string]bool, len(categories))
	out := make([]string, 0, len(categories))
	for _, c := range categories {
		n := strings.ToLower(strings.TrimSpace(c))
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}

	changed := len(out) != len(categories)
	if !changed {
		for i := range out {
			if out[i] != categories[i] {
				changed = true
				break
			}
		}
	}
	return out, changed
}
