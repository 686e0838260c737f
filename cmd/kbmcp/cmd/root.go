// Package cmd provides the CLI commands for the kbmcp backend.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/kbmcp/pkg/version"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kbmcp",
		Short: "Self-hosted knowledge bases with MCP tool servers",
		Long: `kbmcp manages document knowledge bases with hybrid semantic and
keyword search, and exposes them to AI assistants through MCP tool
servers.

Run 'kbmcp serve' to start the backend.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetVersionTemplate("kbmcp version {{.Version}}\n")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newToolServerCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the CLI with signal-aware context cancellation.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// defaultDataRoot resolves the data root: the --data-dir flag value,
// the KBMCP_DATA_DIR environment variable, or ~/.kbmcp.
func defaultDataRoot(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("KBMCP_DATA_DIR"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kbmcp"
	}
	return filepath.Join(home, ".kbmcp")
}
