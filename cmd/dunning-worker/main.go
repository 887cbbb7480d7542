// The dunning-worker binary runs the scheduled dunning sweeps, overdue
// scans, event pruning and notification delivery.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"fitpay/internal/config"
	"fitpay/internal/db"
	"fitpay/internal/dunning"
	"fitpay/internal/gateway"
	"fitpay/internal/jobs"
	"fitpay/internal/notify"
	"fitpay/internal/settlement"
)

func main() {
	if err := run(); err != nil {
		slog.Error("dunning-worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password.Unmask(),
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password.Unmask(),
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// Persistence.
	invoices := db.NewInvoiceRepo(pool, logger)
	dunningRepo := db.NewDunningRepo(pool, logger)
	subscriptions := db.NewSubscriptionRepo(pool, logger)
	events := db.NewEventRepo(pool, logger)
	ledger := db.NewLedger(pool, logger)

	// Retry charges run through the card gateway only; the other rails
	// have no stored credential to charge against.
	bypass := cfg.Gateways.AllowUnverifiedCallbacks
	paytabs := gateway.NewPayTabsAdapter(cfg.Gateways.PayTabs, cfg.Server.PublicBaseURL, bypass, logger)

	enqueuer := jobs.NewEnqueuer(asynqClient, logger)
	engine := dunning.NewEngine(dunningRepo, subscriptions, enqueuer, cfg.Dunning, logger)
	coordinator := settlement.NewCoordinator(ledger, enqueuer, engine, logger)
	charger := jobs.NewCardCharger(paytabs, invoices, coordinator, logger)
	sweeper := dunning.NewSweeper(dunningRepo, engine, charger, cfg.Dunning, logger)

	gate := notify.NewDedupGate(rdb, cfg.Notify.DedupWindow, logger)
	sender := &notify.LogSender{Logger: logger}

	worker := jobs.NewWorker(redisOpt, 10, logger)
	jobs.NewHandlers(sweeper, invoices, events, gate, sender, logger).Register(worker)
	if err := worker.RegisterCron(jobs.CronSchedule()...); err != nil {
		return fmt.Errorf("registering cron schedule: %w", err)
	}

	logger.Info("dunning worker starting", "env", cfg.Environment)
	return worker.Run(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
