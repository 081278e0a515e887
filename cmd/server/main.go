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

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/maneesh/voicevault/internal/blobstore"
	"github.com/maneesh/voicevault/internal/config"
	"github.com/maneesh/voicevault/internal/handlers"
	"github.com/maneesh/voicevault/internal/logging"
	"github.com/maneesh/voicevault/internal/metrics"
	"github.com/maneesh/voicevault/internal/pipeline"
	"github.com/maneesh/voicevault/internal/resolver"
	"github.com/maneesh/voicevault/internal/sweeper"
	"github.com/maneesh/voicevault/internal/tracing"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "voicevault",
		Short: "Chunked storage and streaming for chat voice notes",
		Long: `voicevault stores chat voice notes as fixed-size chunks and streams
them back under /api/chat/audio.

  voicevault serve     Run the HTTP service
  voicevault sweep     Reclaim chunks of uploads that never committed`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, console)")
	rootCmd.PersistentFlags().String("engine", "", "backing engine (cluster, badger)")
	_ = v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = v.BindPFlag("store_engine", rootCmd.PersistentFlags().Lookup("engine"))

	rootCmd.AddCommand(newServeCmd(v, &configFile))
	rootCmd.AddCommand(newSweepCmd(v, &configFile))
	return rootCmd
}

func newServeCmd(v *viper.Viper, configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the voice note HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(v, *configFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}

	f := cmd.Flags()
	f.String("port", "", "HTTP listen port")
	f.String("base-url", "", "public base URL used in returned audio links")
	_ = v.BindPFlag("service_port", f.Lookup("port"))
	_ = v.BindPFlag("base_url", f.Lookup("base-url"))
	return cmd
}

func newSweepCmd(v *viper.Viper, configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete chunks that no committed voice note refers to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(v, *configFile)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			engine, err := openEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer engine.Close()

			store, err := blobstore.Initialize(engine, blobstore.WithChunkSize(cfg.GetChunkSizeBytes()))
			if err != nil {
				return err
			}
			_, err = sweeper.New(store, 0, cfg.SweepGrace, nil, logger).RunOnce(ctx)
			return err
		},
	}

	cmd.Flags().Duration("grace", 0, "minimum age of an orphan before it is deleted")
	_ = v.BindPFlag("sweep_grace", cmd.Flags().Lookup("grace"))
	return cmd
}

func setup(v *viper.Viper, configFile string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger.With().Str("service", cfg.ServiceName).Logger(), nil
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("port", cfg.ServicePort).Str("engine", cfg.StoreEngine).Msg("starting voicevault")

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(ctx, tracing.Options{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.JaegerEndpoint,
		Enabled:        cfg.TracingEnabled,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Warn().Err(err).Msg("error shutting down tracer")
		}
	}()

	engine, err := openEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing engine")
		}
	}()

	store, err := blobstore.Initialize(engine, blobstore.WithChunkSize(cfg.GetChunkSizeBytes()))
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	router := handlers.NewRouter(handlers.Deps{
		Store:      store,
		Uploader:   pipeline.NewUploader(store, pipeline.WithMaxBytes(cfg.GetMaxUploadBytes())),
		Downloader: pipeline.NewDownloader(store),
		Resolver:   resolver.New(cfg.BaseURL),
		Metrics:    m,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go sweeper.New(store, cfg.SweepInterval, cfg.SweepGrace, m, logger).Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info().Msg("server exited")
	return nil
}
