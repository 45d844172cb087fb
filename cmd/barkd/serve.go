package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/barkhq/bark/internal/api"
	"github.com/barkhq/bark/internal/bot"
	"github.com/barkhq/bark/internal/config"
	"github.com/barkhq/bark/internal/extension"
	"github.com/barkhq/bark/internal/extension/loader"
	"github.com/barkhq/bark/internal/extension/store"
	"github.com/barkhq/bark/internal/extension/watcher"
)

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)

	db, err := store.Open(cfg.DataPath)
	if err != nil {
		return err
	}
	defer db.Close()

	logs := extension.NewLogBuffer(1000)
	kv := store.NewKVStore(db)
	services := extension.NewServices(logger, logs, &http.Client{Timeout: 30 * time.Second}, kv)

	mux := bot.NewMux(cfg.CommandPrefix)
	scheduler := extension.NewScheduler(logger)
	registry := extension.NewRegistry(mux, scheduler, logger)
	metrics := extension.NewMetrics(prometheus.DefaultRegisterer)

	manager := extension.NewManager(extension.Config{
		Registry:  registry,
		Loader:    loader.New(services, logger, loader.WithTimeout(cfg.Extensions.LoadTimeoutDuration())),
		Toggles:   store.NewToggleStore(db),
		KV:        kv,
		Metrics:   metrics,
		Logger:    logger,
		UserDir:   cfg.Extensions.Dir,
		SystemDir: cfg.Extensions.SystemDir,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		return err
	}
	scheduler.Start()

	w := watcher.New(
		[]string{cfg.Extensions.Dir, cfg.Extensions.SystemDir},
		logger,
		watcher.WithDebounce(cfg.Extensions.Debounce()),
	)
	go w.Run(ctx)
	go manager.Consume(ctx, w.Events())

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	gateway := bot.NewGateway(mux, logger)
	router.GET("/ws", gateway.Handle)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	api.NewHandlers(manager, logs).Register(router)

	srv := &http.Server{Addr: cfg.Listen, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("bark host listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	manager.Shutdown(shutdownCtx)
	scheduler.Stop(shutdownCtx)
	return nil
}
