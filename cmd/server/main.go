package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"github.com/Sumant3086/ReachInbox-Assignment/internal/api"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/config"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/db"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/email"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/logger"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/metrics"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/planner"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/ratelimit"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/worker"
)

func main() {

	// ------------------------------------------------
	// Config + Logger
	// ------------------------------------------------
	bootLog, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	cfg, err := config.Load()
	if err != nil {
		bootLog.Fatal("failed to load config", zap.Error(err))
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		bootLog.Fatal("failed to build logger", zap.Error(err))
	}
	defer log.Sync()

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err), zap.String("store", cfg.Store))
	}
	defer store.Close()

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		log.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Rate Limiter
	// ------------------------------------------------
	var rateStore ratelimit.Store = store
	if cfg.RateStore == "redis" {
		redisClient, err := rueidis.NewClient(rueidis.ClientOption{
			InitAddress: []string{cfg.RedisAddr},
		})
		if err != nil {
			log.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisClient.Close()

		rateStore = ratelimit.NewRedisStore(redisClient)
	}

	limiter := ratelimit.New(rateStore, cfg.HourlyLimit, log)

	// ------------------------------------------------
	// Email Sender
	// ------------------------------------------------
	sender := newSender(cfg, log)

	// ------------------------------------------------
	// Scheduler + Recovery Sweep
	// ------------------------------------------------
	scheduler := worker.NewScheduler(
		worker.Config{
			Workers:      cfg.WorkerCount,
			BatchSize:    cfg.ClaimBatchSize,
			MaxAttempts:  cfg.RetryAttempts,
			Retry:        worker.RetryPolicy{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay},
			SendTimeout:  cfg.SendTimeout,
			PollInterval: cfg.PollInterval,
			Lease:        cfg.LeaseDuration,
			Pacing:       cfg.EmailDelay,
			From:         cfg.SMTPFrom,
		},
		store,
		store,
		limiter,
		sender,
		log,
	)

	sweeper := worker.NewSweeper(store, scheduler, log)
	if _, err := sweeper.Start(ctx, cfg.RecoverySchedule); err != nil {
		log.Fatal("recovery sweep setup failed", zap.Error(err))
	}

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Run(ctx)
	}()

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Planner:       planner.New(store, scheduler, cfg.MaxRecipients, log),
		Ledger:        store,
		Log:           log,
		MaxRecipients: cfg.MaxRecipients,
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           apiHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	log.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error("api shutdown failed", zap.Error(err))
	}

	// Wait for in-flight dispatches to record their outcome
	<-schedulerDone

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics shutdown failed", zap.Error(err))
	}

	log.Info("application shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config) (db.Store, error) {
	if cfg.Store == "sqlite" {
		s, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	s, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newSender(cfg *config.Config, log *zap.Logger) email.Sender {
	switch cfg.Transport {
	case "resend":
		return email.NewResendSender(cfg.ResendAPIKey, cfg.SMTPFrom)
	case "log":
		return &email.LogSender{Log: log}
	default:
		return &email.SMTPSender{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUser,
			Password:    cfg.SMTPPassword,
			From:        cfg.SMTPFrom,
			MaxInFlight: 2 * cfg.WorkerCount,
		}
	}
}
