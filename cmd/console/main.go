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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/usbmode/internal/console/handler"
	"github.com/xela07ax/usbmode/internal/console/server"
	"github.com/xela07ax/usbmode/internal/console/service"
	"github.com/xela07ax/usbmode/internal/infra"
	"github.com/xela07ax/usbmode/internal/infra/auth"
	"github.com/xela07ax/usbmode/internal/repository/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "console: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Инициализация ресурсов
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Проверяем соединение с таймаутом
	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	repo, err := postgres.NewRepo(initCtx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	defer repo.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// Консоль и выпускает, и проверяет токены
	privKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return fmt.Errorf("auth private key: %w", err)
	}
	signer := auth.NewSigner(privKey, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	validator := auth.NewBaseValidator(&privKey.PublicKey, cfg.Auth.Issuer)

	// 2. Инициализация слоев (Dependency Injection)
	authH := handler.NewAuthHandler(service.NewAuthService(repo, signer), logger)
	restrictionH := handler.NewRestrictionHandler(
		service.NewRestrictionService(repo, service.NewRedisPublisher(rdb), logger), logger)

	// 3. Запуск сервера
	srv := &http.Server{
		Addr:         cfg.Console.Addr(),
		Handler:      server.NewConsoleServer(logger, validator, authH, restrictionH),
		ReadTimeout:  cfg.Console.ReadTimeout,
		WriteTimeout: cfg.Console.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
