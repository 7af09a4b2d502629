package server

import (
	"context"
	"encoding/json"

	"github.com/edictd/edict/internal/protocol"
)

func (c *Context) registerManifestHandlers(h map[string]protocol.Handler) {
	h["manifest/status"] = c.handleManifestStatus
	h["manifest/repair"] = c.handleManifestRepair
}

func (c *Context) handleManifestStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	return c.Tracker.Status()
}

func (c *Context) handleManifestRepair(ctx context.Context, raw json.RawMessage) (any, error) {
	// Rewriting the snapshot is a workspace write; it goes through the
	// same gate as instruction mutations.
	if err := c.Gate.CheckMutation(); err != nil {
		return nil, wireError(err)
	}
	res, err := c.Tracker.Repair()
	if err != nil {
		return nil, err
	}
	return res, nil
}
