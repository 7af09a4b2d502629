package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/edictd/edict/internal/catalog"
	"github.com/edictd/edict/internal/protocol"
)

func (c *Context) registerInstructionHandlers(h map[string]protocol.Handler) {
	h["instructions/add"] = c.handleAdd
	h["instructions/update"] = c.handleUpdate
	h["instructions/get"] = c.handleGet
	h["instructions/list"] = c.handleList
	h["instructions/search"] = c.handleSearch
	h["instructions/diff"] = c.handleDiff
	h["instructions/import"] = c.handleImport
	h["instructions/remove"] = c.handleRemove
	h["instructions/export"] = c.handleExport
	h["instructions/groom"] = c.handleGroom
	h["integrity/verify"] = c.handleVerify
}

func (c *Context) handleAdd(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		Entry     json.RawMessage `json:"entry"`
		Overwrite bool            `json:"overwrite"`
		Lax       bool            `json:"lax"`
	}
	if err := decode(raw, &params); err != nil {
		return nil, err
	}
	entry, err := catalog.DecodeEntry(params.Entry)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("entry: %w", err))
	}
	if err := c.Gate.CheckMutation(); err != nil {
		return nil, wireError(err)
	}

	res, err := c.Catalog.Add(entry, catalog.AddOptions{
		Overwrite: params.Overwrite,
		Lax:       params.Lax,
	})
	if err != nil {
		return nil, invalidParams(err)
	}
	return res, nil
}

func (c *Context) handleUpdate(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		Entry json.RawMessage `json:"entry"`
	}
	if err := decode(raw, &params); err != nil {
		return nil, err
	}
	entry, err := catalog.DecodeEntry(params.Entry)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("entry: %w", err))
	}
	if err := c.Gate.CheckMutation(); err != nil {
		return nil, wireError(err)
	}

	res, err := c.Catalog.Update(entry)
	if err != nil {
		return nil, invalidParams(err)
	}
	return res, nil
}

func (c *Context) handleGet(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := decode(raw, &params); err != nil {
		return nil, err
	}
	if params.ID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "id is required")
	}

	e, ok := c.Catalog.Get(params.ID)
	if !ok {
		return map[string]any{"notFound": true, "id": params.ID}, nil
	}

	// A get counts as a use; decoration reflects the event just
	// recorded.
	if c.Usage != nil {
		if err := c.Usage.RecordUse(params.ID); err != nil {
			log.Printf("WARNING: recording use of %q: %v", params.ID, err)
		}
	}
	return map[string]any{"item": c.decorateOne(e)}, nil
}

func (c *Context) handleList(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		Category string `json:"category"`
	}
	if err := decode(raw, &params); err != nil {
		return nil, err
	}
	res := c.Catalog.List(params.Category)
	res.Items = c.decorate(res.Items)
	return res, nil
}

func (c *Context) handleSearch(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		Q string `json:"q"`
	}
	if err := decode(raw, &params); err != nil {
		return nil, err
	}
	res := c.Catalog.Search(params.Q)
	res.Items = c.decorate(res.Items)
	return res, nil
}

func (c *Context) handleDiff(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		ClientHash string               `json:"clientHash"`
		Known      []catalog.KnownEntry `json:"known"`
	}
	if err := decode(raw, &params); err != nil {
		return nil, err
	}
	return c.Catalog.Diff(params.ClientHash, params.Known), nil
}

func (c *Context) handleImport(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		Entries []json.RawMessage `json:"entries"`
		Mode    string            `json:"mode"`
	}
	if err := decode(raw, &params); err != nil {
		return nil, err
	}
	if err := c.Gate.CheckMutation(); err != nil {
		return nil, wireError(err)
	}
	if max := c.Config.Hardening.MaxImportSetCheck; max > 0 && len(params.Entries) > max {
		return nil, protocol.Errorf(protocol.CodeInvalidParams,
			"import set of %d exceeds limit of %d", len(params.Entries), max)
	}

	entries := make([]catalog.InstructionEntry, 0, len(params.Entries))
	for i, re := range params.Entries {
		e, err := catalog.DecodeEntry(re)
		if err != nil {
			return nil, invalidParams(fmt.Errorf("entries[%d]: %w", i, err))
		}
		entries = append(entries, e)
	}

	mode := catalog.ImportMode(params.Mode)
	if mode == "" {
		mode = catalog.ImportSkip
	}
	report, err := c.Catalog.Import(entries, mode)
	if err != nil {
		return nil, invalidParams(err)
	}
	return report, nil
}

func (c *Context) handleRemove(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		IDs       []string `json:"ids"`
		MissingOk bool     `json:"missingOk"`
	}
	if err := decode(raw, &params); err != nil {
		return nil, err
	}
	if err := c.Gate.CheckMutation(); err != nil {
		return nil, wireError(err)
	}

	res := c.Catalog.Remove(params.IDs, params.MissingOk)

	if c.Usage != nil {
		var gone []string
		for _, r := range res.Results {
			if r.Removed {
				gone = append(gone, r.ID)
			}
		}
		if err := c.Usage.Forget(gone); err != nil {
			log.Printf("WARNING: forgetting usage for removed ids: %v", err)
		}
	}
	return res, nil
}

func (c *Context) handleExport(ctx context.Context, raw json.RawMessage) (any, error) {
	res := c.Catalog.Export()
	return map[string]any{
		"hash":    res.Hash,
		"count":   res.Count,
		"entries": c.decorate(res.Items),
	}, nil
}

func (c *Context) handleGroom(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		Mode   string `json:"mode"`
		DryRun bool   `json:"dryRun"`
	}
	if err := decode(raw, &params); err != nil {
		return nil, err
	}

	mode := catalog.GroomMode(params.Mode)
	if mode == "" {
		mode = catalog.GroomFull
	}
	if err := catalog.ValidateGroomMode(mode); err != nil {
		return nil, invalidParams(err)
	}
	// A dry run touches nothing, so it stays available even before the
	// workspace is confirmed.
	if !params.DryRun {
		if err := c.Gate.CheckMutation(); err != nil {
			return nil, wireError(err)
		}
	}

	report, err := c.Catalog.Groom(mode, params.DryRun)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (c *Context) handleVerify(ctx context.Context, raw json.RawMessage) (any, error) {
	return c.Catalog.Verify()
}
