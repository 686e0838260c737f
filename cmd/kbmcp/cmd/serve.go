package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/kbmcp/internal/httpapi"
	"github.com/Aman-CERP/kbmcp/internal/logging"
	"github.com/Aman-CERP/kbmcp/internal/service"
)

const shutdownGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	var dataDir string
	var ollamaHost string
	var offline bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the backend API and the tool server fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), defaultDataRoot(dataDir), ollamaHost, offline)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Data root directory (default ~/.kbmcp)")
	cmd.Flags().StringVar(&ollamaHost, "ollama-host", "", "Ollama API address for embeddings")
	cmd.Flags().BoolVar(&offline, "offline", false, "Use built-in static embeddings, never contact Ollama")
	return cmd
}

func runServe(ctx context.Context, root, ollamaHost string, offline bool) error {
	svc, err := service.Open(ctx, service.Options{
		Root:        root,
		OllamaHost:  ollamaHost,
		ForceStatic: offline,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	cleanup, err := logging.SetupDefault(logging.Config{
		Level:         svc.Config.Logging.Level,
		FilePath:      svc.Paths.BackendLogFile(),
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: true,
	})
	if err != nil {
		return err
	}
	defer cleanup()

	svc.Start(ctx)
	go func() {
		if err := svc.Supervisor.Watch(ctx); err != nil {
			slog.Warn("records watcher stopped", slog.String("error", err.Error()))
		}
	}()

	server := &http.Server{
		Addr:    svc.Config.BackendAddr(),
		Handler: httpapi.NewRouter(svc),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	slog.Info("backend listening",
		slog.String("addr", server.Addr), slog.String("data_root", root))

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
