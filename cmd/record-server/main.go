package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medstack/recordstore/internal/config"
	"github.com/medstack/recordstore/internal/platform/metrics"
	"github.com/medstack/recordstore/internal/query"
	"github.com/medstack/recordstore/internal/server"
	"github.com/medstack/recordstore/internal/store"
	"github.com/medstack/recordstore/internal/store/postgres"
	"github.com/medstack/recordstore/internal/store/sqlite"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "record-server",
		Short: "Versioned clinical record store with structured search",
	}
	root.AddCommand(serveCmd(), reindexCmd(), versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger
}

func openBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.StorageDriver {
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.SQLitePath)
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.DatabaseURL)
	default:
		return store.NewMemoryBackend(), nil
	}
}

func buildEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store.Engine, error) {
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	engine, err := store.NewEngine(ctx, store.Options{
		Backend:   backend,
		Logger:    logger,
		CacheSize: cfg.CacheSize,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}
	return engine, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine, err := buildEngine(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer engine.Close()

			proc := query.NewProcessor(query.Options{
				Engine:  engine,
				Logger:  logger,
				Timeout: cfg.SearchTimeout,
			})
			srv := server.New(server.Options{
				Engine:      engine,
				Processor:   proc,
				Metrics:     metrics.New(),
				Logger:      logger,
				ReindexPage: cfg.ReindexPage,
			})

			e := srv.Echo()
			go func() {
				logger.Info().Str("port", cfg.Port).Str("driver", cfg.StorageDriver).
					Str("version", version).Msg("server listening")
				if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
					logger.Fatal().Err(err).Msg("server stopped")
				}
			}()

			<-ctx.Done()
			logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	}
}

func reindexCmd() *cobra.Command {
	var types []string
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from stored records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine, err := buildEngine(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer engine.Close()

			stats, err := engine.Reindex(ctx, store.ReindexOptions{
				Types:    types,
				PageSize: cfg.ReindexPage,
			})
			if err != nil {
				return err
			}
			fmt.Printf("scanned %d records, updated %d\n", stats.Scanned, stats.Updated)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&types, "types", nil, "record types to reindex (default all)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
