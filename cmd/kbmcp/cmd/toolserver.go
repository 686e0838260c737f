package cmd

import (
	"github.com/spf13/cobra"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/logging"
	"github.com/Aman-CERP/kbmcp/internal/toolserver"
)

// newToolServerCmd is the child process mode the supervisor spawns; it
// is not meant to be run by hand.
func newToolServerCmd() *cobra.Command {
	var id string
	var port int
	var backend string

	cmd := &cobra.Command{
		Use:    "toolserver",
		Short:  "Run one MCP tool server (spawned by the supervisor)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || port == 0 || backend == "" {
				return kberr.New(kberr.KindInvalidInput, "--id, --port, and --backend are required")
			}

			// Children log JSON to stdout; the supervisor redirects it
			// into the per-server log file.
			cleanup, err := logging.SetupDefault(logging.Config{Level: "info", WriteToStderr: true})
			if err != nil {
				return err
			}
			defer cleanup()

			srv, err := toolserver.New(cmd.Context(), id, port, toolserver.NewBackend(backend))
			if err != nil {
				return err
			}
			return srv.Serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Tool server record id")
	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on")
	cmd.Flags().StringVar(&backend, "backend", "", "Backend API address (host:port)")
	return cmd
}
