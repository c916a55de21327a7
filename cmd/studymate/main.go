// Package main запускает HTTP-сервер сервиса studymate.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/studymate/internal/config"
	"github.com/mmeshcher/studymate/internal/generator"
	"github.com/mmeshcher/studymate/internal/handler"
	"github.com/mmeshcher/studymate/internal/ledger"
	"github.com/mmeshcher/studymate/internal/metrics"
	"github.com/mmeshcher/studymate/internal/middleware"
	"github.com/mmeshcher/studymate/internal/purchase"
	"github.com/mmeshcher/studymate/internal/repository"
	"github.com/mmeshcher/studymate/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	local, err := repository.NewSQLiteStore(cfg.LocalDBPath)
	if err != nil {
		sugar.Fatalw("local database initialization error", "error", err.Error())
	}
	defer local.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ledgerCfg := ledger.Config{
		Local:       local,
		Cache:       local,
		Logger:      logger.Named("ledger"),
		Metrics:     m,
		Timeout:     cfg.CreditTimeout,
		SweepOnRead: cfg.SweepOnRead,
	}
	deps := service.Deps{
		LocalItems: local,
		Costs:      featureCosts(cfg.Costs),
		Logger:     logger.Named("service"),
		Metrics:    m,
	}

	if cfg.DatabaseURI != "" {
		remote, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		defer remote.Close()

		ledgerCfg.Remote = remote
		deps.Users = remote
		deps.RemoteItems = remote
	} else {
		sugar.Warn("DATABASE_URI is empty, accounts are disabled and only device profiles are served")
	}

	l := ledger.New(ledgerCfg)
	deps.Ledger = l
	deps.Purchases = purchase.NewBridge(l, purchase.DefaultCatalog(), logger.Named("purchase"))

	if cfg.GeneratorAddress == "" {
		sugar.Warn("GENERATOR_ADDRESS is empty, paid features will fail and be refunded")
	}
	deps.Generator = generator.NewClient(cfg.GeneratorAddress, cfg.GeneratorKey)

	svc := service.NewService(deps)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter(handler.RouterConfig{
		AllowedOrigins: cfg.CORSOrigins,
		Gatherer:       reg,
	})

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if _, err := l.SweepAll(ctx); err != nil {
			sugar.Errorw("scheduled sweep error", "error", err)
		}
	}); err != nil {
		sugar.Fatalw("invalid sweep schedule", "schedule", cfg.SweepSchedule, "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Периодическая очистка истёкших партий удалённого хранилища
	g.Go(func() error {
		scheduler.Start()
		sugar.Infow("sweep scheduler started", "schedule", cfg.SweepSchedule)

		<-ctx.Done()

		select {
		case <-scheduler.Stop().Done():
		case <-time.After(5 * time.Second):
			sugar.Warn("sweep job did not finish in time")
		}
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting studymate server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func featureCosts(c config.Costs) service.Costs {
	return service.Costs{
		service.FeatureScan:       c.Scan,
		service.FeatureQuiz:       c.Quiz,
		service.FeatureFlashcards: c.Flashcards,
		service.FeatureNote:       c.Note,
		service.FeatureChat:       c.Chat,
	}
}
