package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"schoolbot/server/internal/config"
	"schoolbot/server/internal/logging"
	"schoolbot/server/internal/models"
	"schoolbot/server/internal/rag"
	"schoolbot/server/internal/storage"
	"schoolbot/server/internal/web"
)

const shutdownTimeout = 30 * time.Second

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "schoolbot",
		Short:         "School information assistant",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the YAML config file")

	root.AddCommand(newServeCmd(), newMigrateCmd(), newIndexCmd())
	return root
}

// setup loads the config and builds the root logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cfg, logger)
		},
	}
}

func serve(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer a.Close()

	a.jobs.Start(ctx)
	a.orchestrator.StartCleanup(ctx)
	go a.hub.Run(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      web.NewRouter(a.webDeps()),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr), zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the MySQL memory tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, err := storage.NewMySQLStore(cfg.Database.MySQL)
			if err != nil {
				return fmt.Errorf("failed to connect to mysql: %w", err)
			}
			defer store.Close()

			if err := store.AutoMigrate(); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			logger.Info("migration complete")
			return nil
		},
	}
}

// newIndexCmd loads pre-chunked documents (a JSON array of chunks) into the
// document collection.
func newIndexCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Upsert pre-chunked documents into the vector store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read chunks: %w", err)
			}
			var chunks []models.Chunk
			if err := json.Unmarshal(data, &chunks); err != nil {
				return fmt.Errorf("failed to parse chunks: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a := &app{cfg: cfg, logger: logger}
			defer a.Close()
			if err := buildRetrieval(ctx, a); err != nil {
				return err
			}

			ix := rag.NewIndexer(a.store, a.embedder, cfg.Database.Qdrant.Collection)
			if err := ix.AddChunks(ctx, chunks); err != nil {
				return err
			}
			logger.Info("chunks indexed", zap.Int("count", len(chunks)), zap.String("file", file))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with pre-chunked documents")
	cmd.MarkFlagRequired("file")
	return cmd
}
