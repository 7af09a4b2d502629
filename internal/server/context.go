// Package server wires all catalog components and exposes them on two
// surfaces: the line JSON-RPC protocol and an MCP facade.
//
// This is the composition root: it creates concrete implementations
// and injects them into the handlers that depend on abstractions. No
// business logic lives here — only wiring.
package server

import (
	"context"
	"fmt"
	"log"

	"github.com/edictd/edict/internal/audit"
	"github.com/edictd/edict/internal/bootstrap"
	"github.com/edictd/edict/internal/catalog"
	"github.com/edictd/edict/internal/config"
	"github.com/edictd/edict/internal/fsatomic"
	"github.com/edictd/edict/internal/manifest"
	"github.com/edictd/edict/internal/usage"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Context carries every initialized subsystem. Handlers receive it and
// pick the dependencies they need.
type Context struct {
	Config  config.Config
	Files   *fsatomic.Store
	Catalog *catalog.Catalog
	Tracker *manifest.Tracker
	Gate    *bootstrap.Gate

	// Usage is nil when the usage subsystem is disabled or failed to
	// initialize; everything else keeps working without it.
	Usage *usage.Store

	watcher *manifest.Watcher
	notify  func()
}

// NewContext resolves all dependencies for one workspace. This is the
// single place where the object graph is assembled.
//
// The returned cleanup function closes the usage store and the
// filesystem watcher and must be called on shutdown (typically via
// defer). It is always non-nil and safe to call even if those
// subsystems never came up.
func NewContext(cfg config.Config) (*Context, func(), error) {
	files := fsatomic.New(cfg.Retry.Attempts, cfg.Retry.Backoff())
	sink := audit.NewFileSink(cfg.AuditLogPath())

	cat := catalog.New(cfg, files, sink)
	loadRes, err := cat.Load()
	if err != nil {
		return nil, noop, fmt.Errorf("loading catalog: %w", err)
	}
	for _, issue := range loadRes.Issues {
		log.Printf("WARNING: skipped %s: %s", issue.File, issue.Reason)
	}

	tracker := manifest.New(cfg.SnapshotPath(), files, cat)
	gate := bootstrap.New(
		cfg.Bootstrap.ReferenceMode,
		cfg.Bootstrap.TokenTTL(),
		cfg.ConfirmationPath(),
		files,
		cat,
	)

	c := &Context{
		Config:  cfg,
		Files:   files,
		Catalog: cat,
		Tracker: tracker,
		Gate:    gate,
	}

	// Every successful mutation refreshes the manifest snapshot and
	// fans out to the transport notifier, if one is attached.
	cat.OnChange(func() {
		if err := tracker.Refresh(); err != nil {
			log.Printf("WARNING: manifest refresh: %v", err)
		}
		if c.notify != nil {
			c.notify()
		}
	})

	// Usage is an independent subsystem: if it fails to initialize,
	// catalog operations continue working. We log a warning and serve
	// entries without usage decoration.
	cleanupUsage := noop
	if cfg.Usage.Enabled {
		us, usageErr := usage.New(cfg.UsageDBPath())
		if usageErr != nil {
			log.Printf("WARNING: usage subsystem disabled: %v", usageErr)
		} else {
			c.Usage = us
			cleanupUsage = func() {
				if err := us.Close(); err != nil {
					log.Printf("WARNING: usage store close: %v", err)
				}
			}
		}
	}

	// The watcher catches direct on-disk edits so the manifest fastload
	// shortcut is disarmed until the next full comparison.
	if cfg.WatchInstructions {
		w, watchErr := manifest.Watch(cfg.InstructionsDir(), tracker)
		if watchErr != nil {
			log.Printf("WARNING: instructions watcher disabled: %v", watchErr)
		} else {
			c.watcher = w
		}
	}

	cleanup := func() {
		if c.watcher != nil {
			c.watcher.Close()
		}
		cleanupUsage()
	}
	return c, cleanup, nil
}

// noop is the default cleanup when a subsystem never initialized.
func noop() {}

// OnCatalogChange attaches the transport-side notifier invoked after
// every successful mutation, once the manifest snapshot is refreshed.
func (c *Context) OnCatalogChange(fn func()) {
	c.notify = fn
}

// InitializePayload builds the extra fields merged into the initialize
// result: capabilities, the current catalog, and the bootstrap state.
func (c *Context) InitializePayload(ctx context.Context) (map[string]any, error) {
	list := c.Catalog.Export()
	state := c.Gate.State()
	return map[string]any{
		"capabilities": map[string]any{
			"tools":         true,
			"notifications": true,
		},
		"instructions": map[string]any{
			"hash":    list.Hash,
			"count":   list.Count,
			"entries": c.decorate(list.Items),
		},
		"bootstrap": map[string]any{
			"state":                state,
			"confirmationRequired": state == bootstrap.StateAwaitingConfirmation,
		},
	}, nil
}

// decorate merges usage aggregates into entry copies. A missing or
// failing usage store leaves the entries untouched.
func (c *Context) decorate(items []catalog.InstructionEntry) []catalog.InstructionEntry {
	if c.Usage == nil || len(items) == 0 {
		return items
	}
	stats, err := c.Usage.All()
	if err != nil {
		log.Printf("WARNING: usage aggregates: %v", err)
		return items
	}
	for i := range items {
		if st, ok := stats[items[i].ID]; ok {
			items[i].UsageCount = st.UseCount
			items[i].LastUsedAt = st.LastUsedAt
		}
	}
	return items
}

func (c *Context) decorateOne(e catalog.InstructionEntry) catalog.InstructionEntry {
	if c.Usage == nil {
		return e
	}
	st, err := c.Usage.Get(e.ID)
	if err != nil {
		log.Printf("WARNING: usage stats for %q: %v", e.ID, err)
		return e
	}
	e.UsageCount = st.UseCount
	e.LastUsedAt = st.LastUsedAt
	return e
}
