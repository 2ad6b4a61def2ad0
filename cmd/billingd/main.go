// Command billingd runs the billing daemon: the task dispatcher, the ops
// HTTP surface, and the monthly statement sweep.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"billflow/db"
	"billflow/engine"
	"billflow/notify"
	"billflow/payment"
	"billflow/payout"
	"billflow/processor"
	"billflow/profile"
	"billflow/statement"
	"billflow/task"
)

type config struct {
	addr          string
	databaseURL   string
	processorURL  string
	notifierURL   string
	directoryURL  string
	syncURL       string
	pricingURL    string
	usageURL      string
	pollInterval  time.Duration
	workers       int
	gracePeriod   time.Duration
	sweepSchedule string
}

func loadConfig() config {
	c := config{
		addr:          envOr("BILLFLOW_ADDR", ":8080"),
		databaseURL:   os.Getenv("DATABASE_URL"),
		processorURL:  envOr("PROCESSOR_URL", "http://localhost:8100"),
		notifierURL:   envOr("NOTIFIER_URL", "http://localhost:8101"),
		directoryURL:  envOr("DIRECTORY_URL", "http://localhost:8102"),
		syncURL:       envOr("PROFILE_SYNC_URL", "http://localhost:8103"),
		pricingURL:    envOr("PRICING_URL", "http://localhost:8104"),
		usageURL:      envOr("USAGE_URL", "http://localhost:8105"),
		pollInterval:  5 * time.Second,
		workers:       8,
		gracePeriod:   10 * 24 * time.Hour,
		sweepSchedule: envOr("SWEEP_SCHEDULE", "30 2 1 * *"),
	}
	if v, err := time.ParseDuration(os.Getenv("POLL_INTERVAL")); err == nil {
		c.pollInterval = v
	}
	if v, err := time.ParseDuration(os.Getenv("GRACE_PERIOD")); err == nil {
		c.gracePeriod = v
	}
	return c
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	cfg := loadConfig()
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.databaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("bootstrap database pool")
	}
	defer pool.Close()

	proc := processor.NewHTTPClient(cfg.processorURL)

	tasks := task.NewStore(pool)
	statements := statement.NewRepository(pool)
	payments := payment.NewRepository(pool, tasks)
	payouts := payout.NewRepository(pool, tasks)
	profiles := profile.NewRepository(pool)

	profileSvc := profile.NewService(pool, profiles, tasks, payments,
		profile.NewHTTPSyncer(cfg.syncURL), log)
	paymentSvc := payment.NewService(pool, payments, profiles, profileSvc, statements,
		proc, tasks, cfg.gracePeriod, log)
	payoutSvc := payout.NewService(pool, payouts, profiles, proc, tasks, log)
	statementSvc := statement.NewService(pool, statements, payments, payouts, log)
	notifyHandler := notify.NewHandler(pool, tasks,
		notify.NewHTTPNotifier(cfg.notifierURL), notify.NewHTTPDirectory(cfg.directoryURL), log)

	reg := engine.NewRegistry()
	policy := task.DefaultPolicy()
	reg.Register(task.TypePayment, engine.HandlerFunc(paymentSvc.ProcessPayment), policy)
	reg.Register(task.TypeInvoicePayment, engine.HandlerFunc(paymentSvc.ProcessInvoicePayment), policy)
	reg.Register(task.TypePayout, engine.HandlerFunc(payoutSvc.ProcessPayout), policy)
	reg.Register(task.TypeSuspension, engine.HandlerFunc(profileSvc.ProcessSuspension), policy)
	reg.Register(task.TypeProfileSync, engine.HandlerFunc(profileSvc.ProcessSync), policy)
	reg.Register(task.TypeNotification, notifyHandler, policy)

	engineSvc := engine.NewService(tasks, reg, log)
	dispatcher := engine.NewDispatcher(engineSvc, log, cfg.pollInterval, cfg.workers)

	builder := statement.NewBuilder(
		statement.NewHTTPPriceCalculator(cfg.pricingURL),
		statement.NewHTTPUsageSource(cfg.usageURL),
		statementSvc, log)

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.sweepSchedule, func() {
		month := statement.PreviousMonth(time.Now())
		if err := builder.BuildMonth(ctx, month); err != nil {
			log.Error().Err(err).Str("month", month).Msg("monthly statement sweep failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.sweepSchedule).Msg("invalid sweep schedule")
	}

	srv := &http.Server{
		Addr:    cfg.addr,
		Handler: newServer(statementSvc, paymentSvc, payments, engineSvc, profiles, log),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.addr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		sweeper.Start()
		<-gctx.Done()
		<-sweeper.Stop().Done()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("billingd exited")
	}
	log.Info().Msg("billingd stopped")
}
