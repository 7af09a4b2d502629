// Package prompts implements MCP prompt handlers for the catalog.
//
// Prompts are canned workflows the host can offer its user: each one
// instructs the AI how to drive the catalog tools for a common task.
package prompts

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// SyncPrompt handles the catalog-sync MCP prompt.
// It instructs the AI to reconcile its local view with the live
// catalog using the diff operation instead of a full export.
type SyncPrompt struct{}

// NewSyncPrompt creates a SyncPrompt.
func NewSyncPrompt() *SyncPrompt {
	return &SyncPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *SyncPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("catalog-sync",
		mcp.WithPromptDescription(
			"Synchronize your view of the instruction catalog. "+
				"Uses the aggregate hash and diff to fetch only what changed.",
		),
	)
}

// Handle processes the catalog-sync prompt request.
func (p *SyncPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{
		Description: "Catalog Sync",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(
					"Please synchronize with the instruction catalog:\n\n" +
						"1. If you have no prior catalog state, call `instructions_export` once and remember the hash\n" +
						"2. Otherwise call `instructions_diff` with your last known hash and {id, hash} pairs\n" +
						"3. If the result says upToDate, you're done — nothing changed\n" +
						"4. Otherwise apply the added/updated/removed partition to your local view\n" +
						"5. Remember the new aggregate hash for the next sync",
				),
			},
		},
	}, nil
}
