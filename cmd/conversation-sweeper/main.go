package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/autoreply/cmd/mainconfig"
	appconfig "github.com/wolfman30/autoreply/internal/config"
	"github.com/wolfman30/autoreply/internal/scenario"
	"github.com/wolfman30/autoreply/internal/worker/sweeper"
	"github.com/wolfman30/autoreply/pkg/logging"
)

func main() {
	mainconfig.LoadEnv()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Error("conversation sweeper requires DATABASE_URL")
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	s := sweeper.New(scenario.NewPostgresRepository(pool, logger), logger).
		WithInterval(cfg.ConversationSweepInterval).
		WithIdleExpiry(cfg.ConversationIdleExpiry)

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	logger.Info("conversation sweeper started", "interval", cfg.ConversationSweepInterval.String(), "idle_expiry", cfg.ConversationIdleExpiry.String())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("conversation sweeper shutting down")
	cancel()
	<-done
}
