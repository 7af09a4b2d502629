// Edict: instruction catalog server.
//
// Serves an operator-curated catalog of instruction entries over two
// stdio transports: a line-oriented JSON-RPC protocol and MCP. Every
// entry is content-hashed; the aggregate catalog hash lets clients
// detect drift and sync cheaply.
//
// Usage:
//
//	edict serve     # Start the line JSON-RPC server (stdio)
//	edict mcp       # Start the MCP server (stdio)
//	edict version   # Print version information
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/edictd/edict/internal/config"
	"github.com/edictd/edict/internal/protocol"
	"github.com/edictd/edict/internal/server"
)

func main() {
	// Stdout belongs to the protocol; all diagnostics go to stderr.
	log.SetOutput(os.Stderr)

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		workspace  string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "edict",
		Short: "Instruction catalog server",
		Long: `Edict serves an operator-curated catalog of instruction entries
over stdio. Entries are content-hashed (sha256 of the canonicalized
body) and the aggregate catalog hash identifies the exact catalog
state, so clients can detect drift and sync incrementally.

Mutations are guarded: a fresh workspace must be confirmed by a human
operator through a one-time token before any write is accepted.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory holding the catalog")
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the line JSON-RPC server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(workspace, configPath)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(workspace, configPath)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("edict v%s\n", server.Version)
		},
	})

	return cmd
}

func newContext(workspace, configPath string) (*server.Context, func(), error) {
	cfg, err := config.Load(workspace, configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return server.NewContext(cfg)
}

func runServe(workspace, configPath string) error {
	sctx, cleanup, err := newContext(workspace, configPath)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer cleanup()

	srv := protocol.NewServer(os.Stdin, os.Stdout, protocol.Options{
		Info:            protocol.Info{Name: "edict", Version: server.Version},
		Handlers:        server.Handlers(sctx),
		InitializeExtra: sctx.InitializePayload,
	})

	// Mutations fan out to connected clients once the handshake is
	// done.
	sctx.OnCatalogChange(func() {
		srv.Notify("tools/list_changed", nil)
	})

	ctx, cancel := signalContext()
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}

func runMCP(workspace, configPath string) error {
	sctx, cleanup, err := newContext(workspace, configPath)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer cleanup()

	return mcpserver.ServeStdio(server.NewMCP(sctx))
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
