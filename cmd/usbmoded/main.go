package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/usbmode/internal/audit"
	"github.com/xela07ax/usbmode/internal/device"
	"github.com/xela07ax/usbmode/internal/domain"
	"github.com/xela07ax/usbmode/internal/engine"
	"github.com/xela07ax/usbmode/internal/infra"
	"github.com/xela07ax/usbmode/internal/infra/auth"
	"github.com/xela07ax/usbmode/internal/policy"
	"github.com/xela07ax/usbmode/internal/repository/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "usbmoded: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Контекст жизненного цикла фоновых горутин; SIGTERM отменяет всё разом
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Инфраструктура
	initCtx, cancelInit := context.WithTimeout(appCtx, 10*time.Second)
	defer cancelInit()

	repo, err := postgres.NewRepo(initCtx, cfg.Database)
	if err != nil {
		return err
	}
	defer repo.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return fmt.Errorf("auth public key: %w", err)
	}
	validator := auth.NewBaseValidator(pubKey, cfg.Auth.Issuer)

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 3. Журнал выборов: данные летят в базу пачками
	journal := audit.NewJournal(repo, cfg.Engine.JournalBufferSize, cfg.Engine.JournalFlushInterval, logger)
	journal.Start()
	defer journal.Stop()

	// 4. Control Plane: ограничения пользователей (Postgres -> L1, Redis -> L2 + сигналы)
	restrictions := engine.NewRestrictionManager(rdb, policy.NewMemoRestrictions(repo, logger), logger)
	if err := restrictions.Init(initCtx); err != nil {
		return fmt.Errorf("init restrictions: %w", err)
	}
	go restrictions.StartListener(appCtx)

	// 5. Устройство
	dev, err := openDevice(appCtx, cfg, metrics, logger)
	if err != nil {
		return err
	}

	sessions := engine.NewSessionTracker(appCtx, metrics, logger)
	defer sessions.Close()
	go sessions.Run(appCtx, dev.states)

	// 6. Core
	selector := engine.NewSelector(dev.queries, dev.mutator, dev.tethering, restrictions, sessions, journal, metrics, logger)

	// 7. Транспорты
	metricsSrv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      selector.Routes(validator),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	grpcSrv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		engine.UnaryTracingInterceptor,
		engine.UnaryAuthInterceptor(validator, logger),
	))
	engine.RegisterFunctionServiceServer(grpcSrv, engine.NewGRPCFunctionServer(selector))

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen gRPC: %w", err)
	}
	go func() {
		logger.Info("gRPC server started", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("usbmoded started", zap.String("addr", srv.Addr), zap.String("device", cfg.Device.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 8. Graceful Shutdown
	select {
	case <-appCtx.Done():
	case err := <-errCh:
		logger.Error("http server failed", zap.Error(err))
	}
	logger.Info("usbmoded stopping")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info("usbmoded exited properly")
	return nil
}

type deviceStack struct {
	queries   device.Queries
	mutator   device.Mutator
	tethering device.Tethering
	states    <-chan device.ConnectionState
}

func openDevice(ctx context.Context, cfg *infra.Config, metrics *engine.Metrics, logger *zap.Logger) (*deviceStack, error) {
	dc := cfg.Device
	switch dc.Backend {
	case "configfs":
		gadget := device.NewGadget(device.GadgetOptions{
			Root:         dc.GadgetRoot,
			ConfigName:   dc.ConfigName,
			UDC:          dc.UDC,
			UDCClassPath: dc.UDCClassPath,
			FunctionDirs: dc.Functions,
			UVCEnabled:   dc.UVCEnabled,
		}, logger)
		// Все записи в configfs идут через Rate Limit / Circuit Breaker / Retry
		safe := engine.NewReliabilityWrapper(gadget, cfg.Engine, metrics, logger)
		watcher := device.NewUDCWatcher(dc.UDC, dc.UDCClassPath, dc.PollInterval, logger)
		watcher.SetDetachReads(dc.DetachReads)
		watcher.IgnoreDetachWhile(gadget.Rebinding)

		return &deviceStack{
			queries:   gadget,
			mutator:   safe,
			tethering: device.NewGadgetTethering(safe, dc.TetheringIface, dc.TetheringTimeout, logger),
			states:    watcher.Watch(ctx),
		}, nil

	case "memory":
		logger.Warn("using in-memory usb device, no hardware will be configured")
		mem := device.NewMemoryDevice(domain.FunctionNone, true, true, dc.UVCEnabled)
		return &deviceStack{
			queries:   mem,
			mutator:   engine.NewReliabilityWrapper(mem, cfg.Engine, metrics, logger),
			tethering: mem,
			states:    mem.Watch(ctx),
		}, nil

	default:
		return nil, fmt.Errorf("unknown device backend %q", dc.Backend)
	}
}
