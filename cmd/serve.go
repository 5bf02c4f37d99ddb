package cmd

import (
	"fmt"
	"os"

	"github.com/CanopyHQ/xylem/internal/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"mcp"},
	Short:   "Start MCP server (default)",
	Long: `Start the MCP server using stdio transport.

The server communicates via JSON-RPC over stdin/stdout and is designed
to be connected to by an MCP client such as Claude Code, Cursor, etc.

Examples:
  xylem serve
  xylem mcp`,
	RunE: func(cmd *cobra.Command, args []string) error { return runServe() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("xylem %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memory statistics",
	Long: `Show current memory statistics including thought, entity and
observation counts, database size, and last activity.

Examples:
  xylem status`,
	RunE: func(cmd *cobra.Command, args []string) error { return runStatus() },
}

// newLogger builds the production logger. Output goes to stderr; stdout is
// reserved for the MCP wire.
func newLogger() *zap.Logger {
	log, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func runServe() error {
	fmt.Fprintln(os.Stderr, "🌿 Xylem - personal memory engine")
	fmt.Fprintln(os.Stderr, "Starting MCP server (stdio transport)...")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "This server communicates via JSON-RPC over stdin/stdout.")
	fmt.Fprintln(os.Stderr, "It is not an interactive CLI — connect an MCP client (Claude Code, Cursor, etc.).")
	fmt.Fprintln(os.Stderr, "Press Ctrl+C to stop. Run 'xylem help' for available commands.")
	fmt.Fprintln(os.Stderr, "")

	log := newLogger()
	defer log.Sync()

	server, err := mcp.NewServer(log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return server.Start()
}

func runStatus() error {
	server, err := mcp.NewServer(zap.NewNop())
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer server.Stop()

	stats := server.GetMemoryStats()
	fmt.Printf("Xylem Memory Status:\n")
	fmt.Printf("  Thoughts: %d\n", stats.Thoughts)
	fmt.Printf("  Entities: %d\n", stats.Entities)
	fmt.Printf("  Observations: %d\n", stats.Observations)
	fmt.Printf("  Database Size: %s\n", stats.DatabaseSize)
	fmt.Printf("  Last Activity: %s\n", stats.LastActivity)
	return nil
}
