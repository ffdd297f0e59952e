package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/regime-engine/internal/config"
	"github.com/aristath/regime-engine/internal/database"
	"github.com/aristath/regime-engine/internal/domain"
	"github.com/aristath/regime-engine/internal/engine"
	"github.com/aristath/regime-engine/internal/modules/allocation"
	"github.com/aristath/regime-engine/internal/modules/breaker"
	"github.com/aristath/regime-engine/internal/modules/history"
	"github.com/aristath/regime-engine/internal/modules/indicators"
	"github.com/aristath/regime-engine/internal/modules/regime"
	"github.com/aristath/regime-engine/internal/modules/regimeconfig"
	"github.com/aristath/regime-engine/internal/modules/weights"
	"github.com/aristath/regime-engine/internal/reliability"
	"github.com/aristath/regime-engine/internal/scheduler"
	"github.com/aristath/regime-engine/internal/server"
	"github.com/aristath/regime-engine/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New(logger.Config{Level: "info", Pretty: true})
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting regime engine")

	// Initialize database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	clock := domain.RealClock{}

	// Repositories and components
	configRepo := regimeconfig.NewRepository(db.Conn(), log)
	readings := indicators.NewRepository(db.Conn(), log)
	sandbox := regime.NewSandbox(cfg.SandboxTimeout, log)
	classifier := regime.NewClassifier(sandbox, log)
	resolver := weights.NewResolver(log)
	allocator := allocation.NewAllocator(log)
	recorder := history.NewRecorder(db.Conn(), log)

	brk, err := breaker.New(db.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize circuit breaker")
	}

	eng, err := engine.New(db, configRepo, readings, classifier, resolver,
		allocator, recorder, brk, clock, engine.Options{
			FreshnessWindow: cfg.FreshnessWindow,
			SmoothingWindow: cfg.SmoothingWindow,
		}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize engine")
	}

	// Initialize scheduler
	sched := scheduler.New(log)

	if err := registerJobs(sched, eng, db, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Failed to register jobs")
	}

	sched.Start()
	defer sched.Stop()

	// Initialize HTTP server
	srv := server.New(server.Config{
		Port:    cfg.Port,
		Log:     log,
		DB:      db,
		Config:  cfg,
		DevMode: cfg.DevMode,

		Engine:     eng,
		ConfigRepo: configRepo,
		Readings:   readings,
		Recorder:   recorder,
		Breaker:    brk,
		Sandbox:    sandbox,
		Clock:      clock,
	})

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

func registerJobs(
	sched *scheduler.Scheduler,
	eng *engine.Engine,
	db *database.DB,
	cfg *config.Config,
	log zerolog.Logger,
) error {
	if err := sched.AddJob(cfg.EvaluationSchedule, scheduler.NewEvaluationJob(eng, log)); err != nil {
		return err
	}

	if cfg.BackupEnabled {
		s3Client, err := reliability.NewS3Client(context.Background(),
			cfg.BackupBucket, cfg.BackupEndpoint,
			cfg.BackupAccessKeyID, cfg.BackupSecretAccessKey, log)
		if err != nil {
			return err
		}
		backup := reliability.NewBackupService(s3Client, db.Path(), log)
		if err := sched.AddJob(cfg.BackupSchedule,
			scheduler.NewBackupJob(backup, cfg.BackupRetentionDays, log)); err != nil {
			return err
		}
	}

	return nil
}
