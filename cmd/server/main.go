package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ofirs1988/genwave-sub001/app"
	"github.com/ofirs1988/genwave-sub001/app/config"
	"github.com/ofirs1988/genwave-sub001/logging"
	"github.com/ofirs1988/genwave-sub001/telemetry"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := logging.MustSetup(cfg.Logs)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Endpoint != "" {
		shutdown, err := telemetry.InitTracer(ctx, cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
		if err != nil {
			zap.L().Fatal("failed to set up tracing", zap.Error(err))
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				zap.L().Warn("tracer shutdown", zap.Error(err))
			}
		}()
	}

	app.MustInitDB(ctx, cfg.DB)
	defer app.CloseDB()

	if cfg.DB.AutoMigrate {
		n, err := app.Migrate(ctx)
		if err != nil {
			zap.L().Fatal("migration failed", zap.Error(err))
		}
		zap.L().Info("schema ready", zap.Int("applied", n), zap.Int("version", app.LatestSchemaVersion()))
	}

	svc, err := app.NewService(ctx, cfg)
	if err != nil {
		zap.L().Fatal("failed to build service", zap.Error(err))
	}
	if cfg.QueueURL != "" {
		client, err := app.NewSQSClient(ctx)
		if err != nil {
			zap.L().Fatal("failed to init SQS", zap.Error(err))
		}
		svc.UseDispatcher(app.NewSQSDispatcher(client, cfg.QueueURL))
		zap.L().Info("dispatching batches to SQS", zap.String("queue_url", cfg.QueueURL))
	} else {
		zap.L().Info("dispatching batches in-process", zap.Int("workers", cfg.Workers))
	}

	// pick up batches an earlier process left pending
	if _, err := svc.RedispatchStale(ctx); err != nil {
		zap.L().Warn("stale batch redispatch failed", zap.Error(err))
	}
	if cfg.SyncInterval > 0 {
		go svc.RunSyncLoop(ctx, cfg.SyncInterval)
	}

	router, err := app.NewRouter(svc, app.RouterOptions{Tracing: cfg.Tracing.Endpoint != ""})
	if err != nil {
		zap.L().Fatal("failed to initialize router", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zap.L().Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zap.L().Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		zap.L().Warn("http shutdown", zap.Error(err))
	}
	svc.WaitDispatched()
}
