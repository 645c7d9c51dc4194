package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/angariumd/gpuledger/internal/auth"
	"github.com/angariumd/gpuledger/internal/clusterview"
	"github.com/angariumd/gpuledger/internal/config"
	"github.com/angariumd/gpuledger/internal/controller"
	"github.com/angariumd/gpuledger/internal/db"
	"github.com/angariumd/gpuledger/internal/events"
	"github.com/angariumd/gpuledger/internal/metrics"
	"github.com/angariumd/gpuledger/internal/reconciler"
	"github.com/angariumd/gpuledger/internal/reservation"
	"github.com/angariumd/gpuledger/internal/store"
	"github.com/angariumd/gpuledger/internal/sweeper"
)

func main() {
	configPath := flag.String("config", "config/controller.yaml", "path to controller config")
	verbose := flag.Bool("verbose", false, "log at debug level")
	flag.Parse()

	logger := slog.Make(sloghuman.Sink(os.Stderr))
	if *verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, logger); err != nil {
		logger.Fatal(ctx, "controller exited", slog.Error(err))
	}
}

func run(ctx context.Context, configPath string, logger slog.Logger) error {
	cfg, err := config.LoadControllerConfig(configPath)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	database, err := db.Open(cfg.DBPath, db.Options{
		BusyTimeout:     cfg.Store.BusyTimeout.Std(),
		MaxRetryElapsed: cfg.Store.MaxRetryElapsed.Std(),
	})
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.Init(); err != nil {
		return err
	}
	database.OnRetry = func(err error) {
		m.StoreRetries.Inc()
		logger.Debug(ctx, "retrying transaction", slog.Error(err))
	}

	clock := quartz.NewReal()
	st := store.New(database)
	if err := controller.SeedUsers(ctx, st, cfg.Users, clock.Now().UTC()); err != nil {
		return err
	}

	eventMgr := events.New(st, clock, logger)
	defer eventMgr.Close()

	rec := reconciler.New(st, clock, logger, eventMgr, m)
	rec.ChargeNoShow = cfg.Sweeper.ChargeNoShow

	sw := sweeper.New(st, clock, logger, eventMgr, m, sweeper.Config{
		Interval:       cfg.Sweeper.Interval.Std(),
		StaleAfter:     cfg.Sweeper.StaleAfter.Std(),
		NodeStaleAfter: cfg.Sweeper.NodeStaleAfter.Std(),
		ChargeNoShow:   cfg.Sweeper.ChargeNoShow,
	})

	server := controller.NewServer(controller.Options{
		Store:          st,
		Auth:           auth.NewAuthenticator(st, logger, cfg.SharedToken),
		Reconciler:     rec,
		Reservations:   reservation.NewRegistry(st, clock, logger, eventMgr),
		View:           clusterview.NewProjector(st, clock, cfg.View.Freshness.Std()),
		Events:         eventMgr,
		Metrics:        m,
		Clock:          clock,
		Logger:         logger,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return sw.Run(ctx)
	})
	eg.Go(func() error {
		logger.Info(ctx, "controller listening",
			slog.F("addr", cfg.Addr),
			slog.F("tls", cfg.CertPath != ""),
			slog.F("users", len(cfg.Users)),
		)
		var err error
		if cfg.CertPath != "" && cfg.KeyPath != "" {
			err = httpServer.ListenAndServeTLS(cfg.CertPath, cfg.KeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info(shutdownCtx, "shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
