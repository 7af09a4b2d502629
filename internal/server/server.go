// server.go assembles the MCP facade: the same catalog operations the
// line protocol serves, exposed as MCP tools for clients that speak
// MCP natively. Tool handlers delegate to the shared line-protocol
// handlers so both surfaces stay behaviorally identical.
package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/edictd/edict/internal/prompts"
	"github.com/edictd/edict/internal/protocol"
	"github.com/edictd/edict/internal/resources"
)

// NewMCP creates and configures the MCP server with every catalog tool
// registered against the shared Context.
func NewMCP(c *Context) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer(
		"edict",
		Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(serverInstructions()),
	)

	handlers := Handlers(c)

	add := func(tool mcp.Tool, method string) {
		s.AddTool(tool, adaptTool(handlers[method]))
	}

	add(mcp.NewTool("instructions_add",
		mcp.WithDescription(
			"Add or overwrite one instruction entry. The body is canonicalized and "+
				"content-hashed before anything touches disk; the result carries the "+
				"new aggregate catalog hash.",
		),
		mcp.WithObject("entry", mcp.Required(),
			mcp.Description("The instruction entry: id, title, body, priority, audience, requirement, categories."),
		),
		mcp.WithBoolean("overwrite",
			mcp.Description("Replace an existing id. Without it, adding an existing id is a no-op."),
		),
		mcp.WithBoolean("lax",
			mcp.Description("Fill defaults for partial input instead of rejecting it."),
		),
	), "instructions/add")

	add(mcp.NewTool("instructions_update",
		mcp.WithDescription(
			"Update one instruction entry in place: an add with implicit overwrite "+
				"that preserves the original createdAt timestamp and fills defaults "+
				"for omitted fields.",
		),
		mcp.WithObject("entry", mcp.Required(),
			mcp.Description("The instruction entry: id, title, body, priority, audience, requirement, categories."),
		),
	), "instructions/update")

	add(mcp.NewTool("instructions_get",
		mcp.WithDescription("Fetch one entry by id. Records a usage event. Missing ids return notFound, not an error."),
		mcp.WithString("id", mcp.Required(), mcp.Description("The instruction id.")),
	), "instructions/get")

	add(mcp.NewTool("instructions_list",
		mcp.WithDescription("List all entries with the aggregate catalog hash, optionally filtered by category."),
		mcp.WithString("category", mcp.Description("Category filter. Omit for the whole catalog.")),
	), "instructions/list")

	add(mcp.NewTool("instructions_search",
		mcp.WithDescription("Case-insensitive substring search over id, title, body, and categories."),
		mcp.WithString("q", mcp.Required(), mcp.Description("The search query.")),
	), "instructions/search")

	add(mcp.NewTool("instructions_diff",
		mcp.WithDescription(
			"Compare a client's declared catalog state against the live catalog. "+
				"Returns upToDate when the aggregate hashes match, otherwise the "+
				"added/updated/removed partition.",
		),
		mcp.WithString("clientHash", mcp.Description("The client's aggregate catalog hash.")),
		mcp.WithArray("known", mcp.Description("The client's known entries as {id, hash} pairs.")),
	), "instructions/diff")

	add(mcp.NewTool("instructions_import",
		mcp.WithDescription(
			"Batch-import entries. One entry's failure never blocks the rest, and "+
				"the resulting aggregate hash is independent of input order.",
		),
		mcp.WithArray("entries", mcp.Required(), mcp.Description("The entries to import.")),
		mcp.WithString("mode", mcp.Description("Collision handling: skip (default) or overwrite.")),
	), "instructions/import")

	add(mcp.NewTool("instructions_remove",
		mcp.WithDescription("Remove entries by id with per-id outcomes. Usage history for removed ids is dropped."),
		mcp.WithArray("ids", mcp.Required(), mcp.Description("The instruction ids to remove.")),
		mcp.WithBoolean("missingOk", mcp.Description("Treat missing ids as success instead of failing the batch.")),
	), "instructions/remove")

	add(mcp.NewTool("instructions_export",
		mcp.WithDescription("Export the full catalog: aggregate hash, count, and every entry."),
	), "instructions/export")

	add(mcp.NewTool("instructions_groom",
		mcp.WithDescription(
			"Maintenance pass over the catalog: repair hashes and canonicalization, "+
				"normalize categories, merge duplicate bodies, purge deprecated entries.",
		),
		mcp.WithString("mode", mcp.Description("One of normalize, dedupe, purge, full (default).")),
		mcp.WithBoolean("dryRun", mcp.Description("Compute the report without writing anything.")),
	), "instructions/groom")

	add(mcp.NewTool("integrity_verify",
		mcp.WithDescription(
			"Re-read every entry file and report declared-vs-recomputed hash "+
				"mismatches. Reports only; repair is an explicit groom action.",
		),
	), "integrity/verify")

	add(mcp.NewTool("manifest_status",
		mcp.WithDescription("Report drift between the persisted manifest snapshot and the live catalog."),
	), "manifest/status")

	add(mcp.NewTool("manifest_repair",
		mcp.WithDescription("Rewrite the manifest snapshot from live catalog state and report the post-repair drift."),
	), "manifest/repair")

	add(mcp.NewTool("bootstrap_status",
		mcp.WithDescription("Report the workspace confirmation state and, when mutation is denied, the reason."),
	), "bootstrap/status")

	add(mcp.NewTool("bootstrap_request_token",
		mcp.WithDescription(
			"Issue a one-time confirmation token. Only its hash is retained server-side; "+
				"the cleartext is returned exactly once and expires after the configured TTL.",
		),
	), "bootstrap/request_token")

	add(mcp.NewTool("bootstrap_finalize",
		mcp.WithDescription(
			"Confirm the workspace with a previously issued token. An expired token is "+
				"discarded; a wrong token leaves the pending token valid for another attempt.",
		),
		mcp.WithString("token", mcp.Required(), mcp.Description("The cleartext token from bootstrap_request_token.")),
	), "bootstrap/finalize")

	// --- Register prompts ---

	syncPrompt := prompts.NewSyncPrompt()
	s.AddPrompt(syncPrompt.Definition(), syncPrompt.Handle)

	confirmPrompt := prompts.NewConfirmPrompt()
	s.AddPrompt(confirmPrompt.Definition(), confirmPrompt.Handle)

	// --- Register resources ---

	resourceHandler := resources.NewHandler(c.Catalog, c.Tracker, c.Gate)
	s.AddResource(resourceHandler.StatusResource(), resourceHandler.HandleStatus)
	s.AddResource(resourceHandler.ExportResource(), resourceHandler.HandleExport)

	return s
}

// adaptTool bridges an MCP call onto a line-protocol handler: the tool
// arguments become the params object, and the result is rendered as a
// JSON text block. Domain errors become tool errors rather than
// protocol failures so the MCP session survives them.
func adaptTool(h protocol.Handler) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := json.Marshal(req.GetArguments())
		if err != nil {
			return nil, fmt.Errorf("encoding tool arguments: %w", err)
		}

		result, err := h(ctx, raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding tool result: %w", err)
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

// serverInstructions tells MCP clients how to drive the catalog.
func serverInstructions() string {
	return `You have access to edict, an instruction catalog server.

The catalog holds operator-curated instruction entries, each content-
hashed (sha256 of the canonicalized body). The aggregate catalog hash
identifies the exact catalog state; compare it with instructions_diff
to sync cheaply.

## Reading
- instructions_list / instructions_search to discover entries
- instructions_get to read one entry (this records a usage event)
- instructions_export for the complete catalog
- instructions_diff with your last known hash to fetch only changes

## Writing
Writes may be denied until the workspace is confirmed:
- reason "reference_mode_read_only": this workspace is read-only, stop.
- reason "bootstrap_confirmation_required": ask the human operator to
  confirm. Call bootstrap_request_token, show the token to the
  operator, and call bootstrap_finalize with the token they approve.
Never finalize without explicit human approval.

## Integrity
- integrity_verify reports entries whose file content no longer matches
  the declared hash. It never auto-corrects.
- manifest_status reports drift between the persisted snapshot and the
  live catalog; manifest_repair rewrites the snapshot.
- instructions_groom repairs hashes, normalizes categories, merges
  duplicates, and purges deprecated entries. Use dryRun first.`
}
