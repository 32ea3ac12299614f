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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/autoreply/cmd/mainconfig"
	"github.com/wolfman30/autoreply/internal/api/router"
	"github.com/wolfman30/autoreply/internal/app/bootstrap"
	appconfig "github.com/wolfman30/autoreply/internal/config"
	"github.com/wolfman30/autoreply/internal/http/handlers"
	"github.com/wolfman30/autoreply/internal/worker/inbound"
	"github.com/wolfman30/autoreply/pkg/logging"
)

func main() {
	mainconfig.LoadEnv()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting autoreply API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)
	if cfg.ServiceJWTSecret == "" {
		logger.Error("SERVICE_JWT_SECRET is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsHandler, registry := setupMetrics()
	engine, err := bootstrap.BuildEngine(ctx, cfg, logger, registry)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	var publisher handlers.InboundPublisher
	queue, err := mainconfig.BuildInboundQueue(ctx, cfg, logger)
	if err != nil {
		logger.Warn("async ingestion disabled", "error", err)
	} else {
		publisher = inbound.NewPublisher(queue)
		if cfg.UseMemoryQueue {
			w := inbound.NewWorker(engine.Dispatcher, queue, logger,
				inbound.WithWorkerCount(cfg.WorkerCount),
				inbound.WithJobTimeout(cfg.SendTimeout*3),
			)
			w.Start(ctx)
		}
	}

	r := router.New(&router.Config{
		Logger:            logger,
		InboundHandler:    handlers.NewInboundHandler(engine.Dispatcher, publisher, logger),
		ServiceAuthSecret: cfg.ServiceJWTSecret,
		MetricsHandler:    metricsHandler,
		RateLimitRPS:      float64(cfg.RateLimitRPS),
		RateLimitBurst:    cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

// setupMetrics builds a dedicated registry with the Go runtime collectors and
// returns its scrape handler.
func setupMetrics() (http.Handler, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), reg
}
