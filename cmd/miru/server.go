package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/server"
	"github.com/hyperjump/miru/internal/watcher"
	"github.com/hyperjump/miru/pkg/utils"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP server",
	Long: `Start the HTTP API. The interaction journal is replayed at startup and,
when index.autosave is set, the vector index snapshot is restored at startup
and written back on shutdown. Images dropped into inbox directories are
indexed as products named after the file.`,
	Args: cobra.NoArgs,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, resolvedConfigPath, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	debugMode := cfg.Debug || debugFlag
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize components", zap.Error(err))
		return err
	}
	defer func() {
		if err := components.Close(); err != nil {
			logger.Warn("shutdown close failed", zap.Error(err))
		}
	}()

	inbox := watcher.NewInbox(components.Indexer, cfg.Inbox.Extensions, cfg.Inbox.RecursiveOrDefault(),
		watcher.WithLogger(logger))
	if err := inbox.Start(ctx, cfg.Inbox.Directories); err != nil {
		return fmt.Errorf("start inbox: %w", err)
	}
	defer inbox.Stop()
	go func() {
		if n := inbox.Sync(ctx); n > 0 {
			logger.Info("inbox images synced", zap.Int("count", n))
		}
	}()

	srv := server.NewServer(
		components.Engine,
		components.Indexer,
		components.Catalog,
		components.Index,
		cfg,
		logger,
		inbox,
		resolvedConfigPath,
	)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("Server failed", zap.Error(err))
		return err
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
