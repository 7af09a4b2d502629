package prompts

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// ConfirmPrompt handles the bootstrap-confirm MCP prompt.
// It walks the AI through the human-in-the-loop confirmation flow for
// a fresh workspace.
type ConfirmPrompt struct{}

// NewConfirmPrompt creates a ConfirmPrompt.
func NewConfirmPrompt() *ConfirmPrompt {
	return &ConfirmPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *ConfirmPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("bootstrap-confirm",
		mcp.WithPromptDescription(
			"Unlock writes on a fresh workspace. "+
				"Requests a confirmation token and has the human operator approve it.",
		),
	)
}

// Handle processes the bootstrap-confirm prompt request.
func (p *ConfirmPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{
		Description: "Bootstrap Confirmation",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(
					"I want to enable writes on this catalog workspace.\n\n" +
						"1. Call `bootstrap_status` first — if the state is reference_mode, stop:\n" +
						"   this workspace is permanently read-only\n" +
						"2. If the state is already confirmed, tell me and stop\n" +
						"3. Call `bootstrap_request_token` and show me the full token\n" +
						"4. Wait for me to explicitly approve — NEVER finalize on your own\n" +
						"5. After my approval, call `bootstrap_finalize` with the token\n" +
						"6. The token expires; if finalize reports token_expired, request a fresh one",
				),
			},
		},
	}, nil
}
