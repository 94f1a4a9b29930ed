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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinrepo/clinrepo/internal/config"
	"github.com/clinrepo/clinrepo/internal/platform/blobstore"
	"github.com/clinrepo/clinrepo/internal/platform/db"
	"github.com/clinrepo/clinrepo/internal/platform/fhir"
	"github.com/clinrepo/clinrepo/internal/platform/middleware"
	"github.com/clinrepo/clinrepo/internal/platform/queue"
	"github.com/clinrepo/clinrepo/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhird",
		Short: "Clinical-data repository server (FHIR R4)",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the repository server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	var dir string
	cmd.PersistentFlags().StringVar(&dir, "dir", "migrations", "migrations directory")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := connect()
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := db.NewMigrator(pool, dir).Up(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("applied %d migration(s)\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := connect()
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range statuses {
				state := "pending"
				if s.Applied {
					state = "applied " + s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Printf("%04d %-40s %s\n", s.Version, s.Name, state)
			}
			return nil
		},
	})

	return cmd
}

func connect() (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Database
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Core engine
	registry := fhir.DefaultRegistry()
	backend := fhir.NewPgBackend(pool)
	hooks := fhir.NewHooks()
	store := fhir.NewStore(backend, registry, hooks, cfg.UpdateCreate, logger)
	compiler := fhir.NewCompiler(registry, backend)
	coordinator := fhir.NewCoordinator(store, compiler, logger)

	matchCfg, err := fhir.LoadMatchConfig(cfg.MatchConfigFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load match config")
	}
	matcher := fhir.NewMatcher(store, matchCfg, cfg.ScoreWorkers, cfg.WorkerTimeout, logger)

	// Collaborators
	jobs := queue.NewPgQueue(pool)
	blobs := blobstore.NewPgStore(pool)
	hooks.Register(
		[]fhir.Interaction{fhir.InteractionCreate, fhir.InteractionUpdate},
		[]string{"Patient"},
		fhir.NewMatchEnqueueHook(jobs, logger),
	)
	hooks.Register(
		[]fhir.Interaction{fhir.InteractionCreate, fhir.InteractionUpdate, fhir.InteractionRead},
		[]string{"Binary"},
		fhir.NewBinaryBlobHook(blobs, logger),
	)

	metrics := telemetry.NewMetrics()

	// Queue workers
	supervisor := queue.NewSupervisor(jobs, cfg.QueueWorkers, cfg.QueueVisibilityTimeout,
		matchJobProcessor(matcher, metrics, logger), logger)
	if err := supervisor.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start queue workers")
	}
	metrics.SetLiveWorkers(cfg.QueueWorkers)
	go sampleQueueDepth(ctx, jobs, metrics)

	// HTTP server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.BundleBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	handler := fhir.NewHandler(store, compiler, coordinator, matcher, metrics, logger)
	handler.RegisterRoutes(e.Group("/fhir"))
	e.GET("/health", db.HealthHandler(pool))
	e.GET("/metrics", metrics.Handler())

	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(":" + cfg.Port) }()
	logger.Info().Str("port", cfg.Port).Msg("server listening")

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			supervisor.Stop()
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}

	supervisor.Stop()
	metrics.SetLiveWorkers(0)
	logger.Info().Msg("server stopped")
	return nil
}

// matchJobProcessor runs one queued matching job: score the written
// patient against the stored population and report how many certain
// matches it has besides itself.
func matchJobProcessor(matcher *fhir.Matcher, metrics *telemetry.Metrics, logger zerolog.Logger) queue.ProcessFunc {
	log := logger.With().Str("component", "match-worker").Logger()
	return func(ctx context.Context, job *queue.Job) error {
		var doc fhir.Document
		if err := json.Unmarshal(job.Payload, &doc); err != nil {
			// Malformed payloads can never succeed; ack them via nil.
			log.Error().Err(err).Str("job", job.ID).Msg("dropping malformed match job")
			metrics.JobFailed()
			return nil
		}

		resourceType := doc.ResourceType()
		if !matcher.Supports(resourceType) {
			return nil
		}

		scores, err := matcher.Score(ctx, resourceType, doc)
		if err != nil {
			metrics.JobFailed()
			return err
		}

		certain := 0
		for _, s := range scores {
			if s.Grade == fhir.GradeCertain && s.ID != doc.ID() {
				certain++
			}
		}
		if certain > 0 {
			log.Info().Str("resource", doc.ID()).Int("certain_matches", certain).Msg("potential duplicate patient")
		}
		metrics.JobProcessed()
		return nil
	}
}

func sampleQueueDepth(ctx context.Context, jobs queue.Queue, metrics *telemetry.Metrics) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := jobs.Depth(ctx); err == nil {
				metrics.SetQueueDepth(n)
			}
		}
	}
}
