// Package fsatomic provides the durable single-file read/write primitive
// used by the catalog, manifest, and bootstrap packages.
//
// Writes are atomic: content goes to a temp file in the target directory
// and is renamed into place, so a reader never observes a half-written
// file. Transient failures are retried with a bounded attempt count and
// linear backoff.
package fsatomic

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// sleep is a package-level var for testability.
var sleep = time.Sleep

// Store wraps atomic file operations with a retry policy.
type Store struct {
	attempts int
	backoff  time.Duration
}

// New creates a Store. attempts is clamped to at least 1.
func New(attempts int, backoff time.Duration) *Store {
	if attempts < 1 {
		attempts = 1
	}
	return &Store{attempts: attempts, backoff: backoff}
}

// WriteFile atomically writes data to path, creating parent directories
// as needed. The whole write-temp-then-rename sequence is retried up to
// the configured attempt count before the failure surfaces.
func (s *Store) WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if lastErr = writeOnce(dir, path, data); lastErr == nil {
			return nil
		}
		if attempt < s.attempts {
			sleep(s.backoff * time.Duration(attempt))
		}
	}
	return fmt.Errorf("writing %s after %d attempts: %w", path, s.attempts, lastErr)
}

// writeOnce performs one temp-write-rename cycle.
func writeOnce(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// ReadFile reads the file at path.
func (s *Store) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// Remove deletes the file at path. Returns os.IsNotExist-compatible
// errors unwrapped so callers can distinguish "already gone".
func (s *Store) Remove(path string) error {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		lastErr = os.Remove(path)
		if lastErr == nil || os.IsNotExist(lastErr) {
			return lastErr
		}
		if attempt < s.attempts {
			sleep(s.backoff * time.Duration(attempt))
		}
	}
	return fmt.Errorf("removing %s after %d attempts: %w", path, s.attempts, lastErr)
}
