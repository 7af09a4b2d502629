// Package config holds the immutable runtime configuration for edict.
//
// Configuration is resolved exactly once at startup (defaults, then an
// optional YAML file) and the resulting struct is threaded through every
// constructor. No other package reads ambient environment state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SchemaVersion is the current instruction entry schema version written
// into new entries.
const SchemaVersion = "1.0"

// Retry controls the bounded retry/backoff applied to single-entry
// file writes.
type Retry struct {
	Attempts  int `yaml:"attempts"`
	BackoffMs int `yaml:"backoff_ms"`
}

// Backoff returns the per-attempt backoff as a duration.
func (r Retry) Backoff() time.Duration {
	return time.Duration(r.BackoffMs) * time.Millisecond
}

// Hardening holds the governance-hash hardening parameters. Body is the
// only hash-bearing field; these knobs bound the invariance properties
// the catalog enforces and tests.
type Hardening struct {
	// MaxImportSetCheck bounds the size of one import batch.
	MaxImportSetCheck int `yaml:"max_import_set_check"`
	// CanonicalVariants selects how much normalization bodies undergo
	// before hashing: 0 hashes bytes exactly, 1 folds CRLF line endings
	// to LF, 2 additionally folds lone CR.
	CanonicalVariants int `yaml:"canonical_variants"`
}

// Bootstrap holds the confirmation-gate parameters.
type Bootstrap struct {
	// TokenTTLSeconds is how long an issued confirmation token stays valid.
	TokenTTLSeconds int `yaml:"token_ttl_seconds"`
	// ReferenceMode permanently denies mutation when true.
	ReferenceMode bool `yaml:"reference_mode"`
}

// TokenTTL returns the token lifetime as a duration.
func (b Bootstrap) TokenTTL() time.Duration {
	return time.Duration(b.TokenTTLSeconds) * time.Second
}

// Usage holds the usage-tracker parameters.
type Usage struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the resolved, immutable configuration object.
type Config struct {
	// WorkspaceDir is the root under which all persisted state lives.
	WorkspaceDir string `yaml:"workspace_dir"`

	Retry     Retry     `yaml:"retry"`
	Hardening Hardening `yaml:"hardening"`
	Bootstrap Bootstrap `yaml:"bootstrap"`
	Usage     Usage     `yaml:"usage"`

	// WatchInstructions enables the fsnotify watcher that invalidates
	// the manifest fastload shortcut on direct on-disk edits.
	WatchInstructions bool `yaml:"watch_instructions"`
}

// Default returns the baseline configuration rooted at dir.
func Default(dir string) Config {
	return Config{
		WorkspaceDir: dir,
		Retry: Retry{
			Attempts:  3,
			BackoffMs: 50,
		},
		Hardening: Hardening{
			MaxImportSetCheck: 64,
			CanonicalVariants: 1,
		},
		Bootstrap: Bootstrap{
			TokenTTLSeconds: 600,
		},
		Usage: Usage{
			Enabled: true,
		},
		WatchInstructions: true,
	}
}

// Load resolves the configuration: defaults rooted at workspaceDir,
// overridden by the YAML file at path when path is non-empty.
func Load(workspaceDir, path string) (Config, error) {
	cfg := Default(workspaceDir)
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = workspaceDir
	}
	if cfg.Retry.Attempts < 1 {
		cfg.Retry.Attempts = 1
	}
	if cfg.Hardening.CanonicalVariants < 0 {
		cfg.Hardening.CanonicalVariants = 0
	}
	// A non-positive TTL would expire every token at issue, making
	// confirmation impossible.
	if cfg.Bootstrap.TokenTTLSeconds < 1 {
		cfg.Bootstrap.TokenTTLSeconds = Default(workspaceDir).Bootstrap.TokenTTLSeconds
	}
	return cfg, nil
}

// InstructionsDir is where one JSON file per instruction lives.
func (c Config) InstructionsDir() string {
	return filepath.Join(c.WorkspaceDir, "instructions")
}

// SnapshotPath is the persisted manifest snapshot file.
func (c Config) SnapshotPath() string {
	return filepath.Join(c.WorkspaceDir, "snapshots", "catalog-manifest.json")
}

// AuditLogPath is the append-only mutation log.
func (c Config) AuditLogPath() string {
	return filepath.Join(c.WorkspaceDir, "logs", "instruction-transactions.log.jsonl")
}

// ConfirmationPath is the bootstrap confirmation marker file.
func (c Config) ConfirmationPath() string {
	return filepath.Join(c.WorkspaceDir, ".bootstrap-confirmed.json")
}

// UsageDBPath is the SQLite usage tracker database.
func (c Config) UsageDBPath() string {
	return filepath.Join(c.WorkspaceDir, "usage.db")
}
