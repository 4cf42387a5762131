// Package main запускает тестовый бэкенд обработки документов Raw2Insight.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/raw2insight/internal/backend"
	"github.com/mmeshcher/raw2insight/internal/config"
	"github.com/mmeshcher/raw2insight/internal/handler"
	"github.com/mmeshcher/raw2insight/internal/metrics"
	"github.com/mmeshcher/raw2insight/internal/middleware"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.ParseBackend()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	m := metrics.New("stubbackend")
	svc := backend.NewService(cfg.JobStep, m, logger)

	authMiddleware := middleware.NewAuthMiddleware(cfg.TokenSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, m)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Имитация обработки загруженных документов
	g.Go(func() error {
		svc.StartJobProgression(ctx, cfg.JobTick)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting stub backend", "addr", cfg.RunAddress, "job_tick", cfg.JobTick, "job_step", cfg.JobStep)
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
