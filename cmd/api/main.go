// The api binary serves the payment initiation, provider callback and
// dunning administration endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"fitpay/internal/api/handlers"
	"fitpay/internal/config"
	"fitpay/internal/core"
	"fitpay/internal/db"
	"fitpay/internal/dunning"
	"fitpay/internal/gateway"
	"fitpay/internal/jobs"
	"fitpay/internal/settlement"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	migrate := flag.Bool("migrate", false, "apply pending database migrations before serving")
	flag.Parse()

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

	if *migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
		logger.Info("database migrations applied")
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password.Unmask(),
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Persistence.
	invoices := db.NewInvoiceRepo(pool, logger)
	members := db.NewMemberRepo(pool)
	dunningRepo := db.NewDunningRepo(pool, logger)
	subscriptions := db.NewSubscriptionRepo(pool, logger)
	events := db.NewEventRepo(pool, logger)
	ledger := db.NewLedger(pool, logger)

	// Gateways.
	bypass := cfg.Gateways.AllowUnverifiedCallbacks
	paytabs := gateway.NewPayTabsAdapter(cfg.Gateways.PayTabs, cfg.Server.PublicBaseURL, bypass, logger)
	stcpay := gateway.NewSTCPayAdapter(cfg.Gateways.STCPay, bypass, logger)
	sadad := gateway.NewSadadAdapter(cfg.Gateways.Sadad, bypass, logger)
	tamara := gateway.NewTamaraAdapter(cfg.Gateways.Tamara, cfg.Server.PublicBaseURL, bypass, logger)
	router := gateway.NewRouter(paytabs, stcpay, sadad, tamara)

	// Services.
	enqueuer := jobs.NewEnqueuer(asynqClient, logger)
	engine := dunning.NewEngine(dunningRepo, subscriptions, enqueuer, cfg.Dunning, logger)
	coordinator := settlement.NewCoordinator(ledger, enqueuer, engine, logger)
	processor := settlement.NewProcessor(invoices, coordinator, tamara, engine, logger)

	// HTTP surface.
	validator := core.NewValidator()
	mux := chi.NewRouter()
	mux.Use(core.RequestID)
	mux.Use(core.Recoverer(logger))
	mux.Use(core.RequestLogger(logger))
	mux.Use(core.SecurityHeaders)
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		core.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	handlers.NewPaymentsHandler(router, invoices, members, coordinator, processor, stcpay, tamara, validator, logger).RegisterRoutes(mux)
	handlers.NewWebhooksHandler(router, events, processor, logger).RegisterRoutes(mux)
	handlers.NewDunningHandler(engine, dunningRepo, validator, logger).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", srv.Addr, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
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
