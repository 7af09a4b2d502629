// Package resources implements MCP resource handlers for the catalog.
//
// Resources provide read-only data that the host can consume for
// context. They use URI-based addressing (edict://...) following MCP
// conventions.
package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/edictd/edict/internal/bootstrap"
	"github.com/edictd/edict/internal/catalog"
	"github.com/edictd/edict/internal/manifest"
)

// Handler manages catalog resource endpoints.
type Handler struct {
	catalog *catalog.Catalog
	tracker *manifest.Tracker
	gate    *bootstrap.Gate
}

// NewHandler creates a resource Handler with its dependencies.
func NewHandler(cat *catalog.Catalog, tracker *manifest.Tracker, gate *bootstrap.Gate) *Handler {
	return &Handler{catalog: cat, tracker: tracker, gate: gate}
}

// StatusResource returns the MCP resource definition for catalog
// status.
func (h *Handler) StatusResource() mcp.Resource {
	return mcp.NewResource(
		"edict://catalog/status",
		"Catalog Status",
		mcp.WithResourceDescription("Aggregate hash, entry count, manifest drift, and bootstrap state"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleStatus returns the current catalog status as JSON.
func (h *Handler) HandleStatus(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	status := map[string]any{
		"catalogHash": h.catalog.Hash(),
		"entryCount":  h.catalog.Count(),
		"bootstrap":   h.gate.State(),
	}
	if issues := h.catalog.Issues(); len(issues) > 0 {
		status["loadIssues"] = issues
	}
	if ms, err := h.tracker.Status(); err == nil {
		status["manifest"] = ms
	} else {
		status["manifestError"] = err.Error()
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling status: %w", err)
	}
	return jsonResource(req.Params.URI, data), nil
}

// ExportResource returns the MCP resource definition for the full
// catalog export.
func (h *Handler) ExportResource() mcp.Resource {
	return mcp.NewResource(
		"edict://catalog/export",
		"Catalog Export",
		mcp.WithResourceDescription("Every instruction entry plus the aggregate catalog hash"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleExport returns the complete catalog as JSON.
func (h *Handler) HandleExport(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	export := h.catalog.Export()
	data, err := json.MarshalIndent(map[string]any{
		"hash":    export.Hash,
		"count":   export.Count,
		"entries": export.Items,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling export: %w", err)
	}
	return jsonResource(req.Params.URI, data), nil
}

func jsonResource(uri string, data []byte) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}
}
