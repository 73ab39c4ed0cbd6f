// Package main запускает HTTP-сервер сервиса платежей Pi Network.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/pi-payments/internal/config"
	"github.com/mmeshcher/pi-payments/internal/counter"
	"github.com/mmeshcher/pi-payments/internal/handler"
	"github.com/mmeshcher/pi-payments/internal/pinetwork"
	"github.com/mmeshcher/pi-payments/internal/repository"
	"github.com/mmeshcher/pi-payments/internal/service"
)

type counterStore interface {
	counter.Store
	Close() error
}

func openCounterStore(cfg *config.Config) (counterStore, error) {
	switch cfg.CounterBackend {
	case config.CounterBackendBolt:
		return repository.NewCounterBoltStore(cfg.DataDir)
	default:
		return repository.NewCounterFileStore(cfg.DataDir)
	}
}

func openScores(cfg *config.Config) (service.ScoreRepository, error) {
	if cfg.DatabaseURI == "" {
		return repository.NewMemoryScoreRepository(), nil
	}
	return repository.NewPostgresScoreRepository(cfg.DatabaseURI)
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	store, err := openCounterStore(cfg)
	if err != nil {
		sugar.Fatalw("counter storage initialization error", "error", err.Error(), "backend", cfg.CounterBackend)
	}
	defer store.Close()

	acc := counter.New(store, logger)
	summary, err := acc.Init(context.Background())
	if err != nil {
		sugar.Fatalw("counter initialization error", "error", err.Error())
	}
	sugar.Infow("payment counter loaded",
		"backend", cfg.CounterBackend,
		"accumulated_amount", summary.AccumulatedAmount,
		"payments_count", summary.PaymentsCount,
	)

	scores, err := openScores(cfg)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	piClient := pinetwork.NewClient(cfg.PiAPIURL, cfg.PiAPIKey, pinetwork.WithLogger(logger))

	svc := service.NewService(piClient, acc, scores, cfg.CounterSplit, logger)
	defer svc.Close()

	h := handler.NewHandler(svc, logger, cfg.AdminToken, cfg.StaticDir)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновое завершение платежей, по которым уже есть транзакция
	g.Go(func() error {
		svc.StartIncompleteSweep(ctx, cfg.SweepInterval)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting pi payments server", "addr", cfg.RunAddress)
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
