// Package main запускает HTTP-сервер сервиса бронирований автомобилей.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/rentcar-reservations/internal/config"
	"github.com/mmeshcher/rentcar-reservations/internal/events"
	"github.com/mmeshcher/rentcar-reservations/internal/handler"
	"github.com/mmeshcher/rentcar-reservations/internal/middleware"
	"github.com/mmeshcher/rentcar-reservations/internal/payment"
	"github.com/mmeshcher/rentcar-reservations/internal/pricing"
	"github.com/mmeshcher/rentcar-reservations/internal/redisx"
	"github.com/mmeshcher/rentcar-reservations/internal/repository"
	"github.com/mmeshcher/rentcar-reservations/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	// .env необязателен: в контейнере переменные приходят из окружения
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		sugar.Warnw("load .env", "error", err.Error())
	}

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID, _ = os.Hostname()
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI, cfg.LockTimeout)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := service.Options{
		Pricing: &pricing.Calculator{
			DriverDailyRate: pricing.ToCents(cfg.DriverDailyRate),
			DeliveryFee:     pricing.ToCents(cfg.DeliveryFee),
		},
		PendingTTL:        cfg.PendingTTL,
		CalendarDaysBack:  cfg.CalendarDaysBack,
		CalendarDaysAhead: cfg.CalendarDaysAhead,
		InstanceID:        instanceID,
	}

	if cfg.RedisAddress != "" {
		rdb, err := redisx.New(ctx, cfg.RedisAddress)
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		defer rdb.Close()

		store := redisx.NewStore(rdb)
		opts.Idempotency = store
		opts.Leader = store
	}

	var publisher *events.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, instanceID, 0, logger)
		opts.Events = publisher
	}

	if cfg.PaymentSystemAddress != "" {
		opts.Payments = payment.NewClient(cfg.PaymentSystemAddress)
	}

	svc := service.NewService(repo, logger, opts)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		sugar.Warn("JWT_SECRET is empty, tokens will not survive a restart")
	}
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.RequestTimeout)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	if publisher != nil {
		g.Go(func() error {
			return publisher.Run(ctx)
		})
	}

	g.Go(func() error {
		svc.StartExpirySweeper(ctx)
		return nil
	})

	g.Go(func() error {
		svc.StartPaymentUpdates(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting reservations server", "addr", cfg.RunAddress, "instance", instanceID)
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
