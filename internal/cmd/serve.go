package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Iron-Ham/agentspace/internal/config"
	"github.com/Iron-Ham/agentspace/internal/logging"
	"github.com/Iron-Ham/agentspace/internal/metrics"
	"github.com/Iron-Ham/agentspace/internal/server"
	"github.com/Iron-Ham/agentspace/internal/workspace"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Coordinate the workspace and serve the HTTP API",
	Long: `Open the workspace, restore its last snapshot, watch it for edits made
outside the lock protocol and serve the coordination API until interrupted.

On SIGINT or SIGTERM every lock held through the server is released and
a final snapshot is written.`,
	RunE: runServe,
}

var serveLogStderr bool

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveLogStderr, "log-stderr", false, "log to stderr instead of the workspace log file")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	root, err := filepath.Abs(cfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	cfg.Workspace.Root = root

	logger, err := newServeLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	var mt *metrics.Metrics
	if cfg.Server.Metrics {
		mt = metrics.New()
	}

	ws, err := workspace.Open(cfg, workspace.WithLogger(logger), workspace.WithMetrics(mt))
	if err != nil {
		return fmt.Errorf("failed to open workspace: %w", err)
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	srv := server.New(ws, server.WithLogger(logger), server.WithMetrics(mt))
	fmt.Fprintf(cmd.OutOrStdout(), "Serving workspace %s on http://%s\n", ws.Root(), cfg.Server.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, cfg.Server.Addr)
	})
	g.Go(func() error {
		return ws.Run(gctx)
	})
	runErr := g.Wait()

	if err := ws.Close(); err != nil {
		logger.Error("workspace close failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func newServeLogger(cfg *config.Config) (*logging.Logger, error) {
	if serveLogStderr {
		return logging.NewWriterLogger(os.Stderr, cfg.Logging.Level), nil
	}
	logger, err := logging.NewLoggerWithRotation(
		filepath.Join(cfg.Workspace.Root, workspace.LogsDir),
		cfg.Logging.Level,
		logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return logger, nil
}

// signalContext returns the command's context, canceled on SIGINT or
// SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
