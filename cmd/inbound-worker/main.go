package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/autoreply/cmd/mainconfig"
	"github.com/wolfman30/autoreply/internal/app/bootstrap"
	appconfig "github.com/wolfman30/autoreply/internal/config"
	"github.com/wolfman30/autoreply/internal/worker/inbound"
	"github.com/wolfman30/autoreply/pkg/logging"
)

func main() {
	mainconfig.LoadEnv()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	if cfg.UseMemoryQueue {
		logger.Error("inbound worker needs INBOUND_QUEUE_URL; the memory queue is drained by the API process")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := bootstrap.BuildEngine(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	queue, err := mainconfig.BuildInboundQueue(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build inbound queue", "error", err)
		os.Exit(1)
	}

	w := inbound.NewWorker(engine.Dispatcher, queue, logger,
		inbound.WithWorkerCount(cfg.WorkerCount),
		inbound.WithReceiveWaitSeconds(20),
		inbound.WithJobTimeout(cfg.SendTimeout*3),
	)
	w.Start(ctx)
	logger.Info("inbound worker started", "workers", cfg.WorkerCount, "queue", cfg.InboundQueueURL)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("inbound worker shutting down")
	cancel()
	w.Wait()
}
