package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcclellann/loancore/pkg/audit"
	"github.com/mcclellann/loancore/pkg/config"
	"github.com/mcclellann/loancore/pkg/health"
	"github.com/mcclellann/loancore/pkg/ledger"
	"github.com/mcclellann/loancore/pkg/metrics"
	"github.com/mcclellann/loancore/pkg/posting"
	"github.com/mcclellann/loancore/pkg/scheduler"
	"github.com/mcclellann/loancore/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	slog.SetDefault(logger())
	configPath := flag.String("config", config.EnvValue(config.EnvConfigPath, "config.yaml"), "path to the YAML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("loancore stopped", "error", err)
		os.Exit(1)
	}
}

func logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: slog.TimeKey, Value: slog.TimeValue(attr.Value.Time().UTC())}
			}
			return attr
		},
	}))
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	for id, err := range cfg.InvalidProducts() {
		slog.Warn("product misconfigured, its loans will not be processed", "product_id", id, "error", err)
	}
	schedCfg, err := cfg.SchedulerConfig()
	if err != nil {
		return err
	}

	sqliteStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer sqliteStore.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	sink := audit.NewLogSink(slog.Default())

	var next posting.Poster = posting.LogPoster{Logger: slog.Default()}
	if cfg.Poster.Endpoint != "" {
		httpPoster, err := posting.NewHTTPPoster(cfg.Poster.Endpoint, &http.Client{Timeout: cfg.Poster.Timeout.Duration})
		if err != nil {
			return err
		}
		next = httpPoster
	}
	poster := posting.NewAsyncPoster(next,
		posting.WithLogger(slog.Default()),
		posting.WithMetrics(m),
		posting.WithQueueSize(cfg.Poster.QueueSize),
		posting.WithWorkers(cfg.Poster.Workers),
		posting.WithRetryPolicy(time.Second, time.Minute, cfg.Poster.MaxElapsed.Duration),
	)

	l := ledger.NewLedger(sqliteStore, cfg.Catalog(),
		ledger.WithPoster(poster),
		ledger.WithAudit(sink),
		ledger.WithMetrics(m),
		ledger.WithLocation(schedCfg.Location),
		ledger.WithLoanTimeout(cfg.Scheduler.LoanTimeout.Duration),
	)
	orch := scheduler.New(sqliteStore, l, schedCfg,
		scheduler.WithHealth(health.NewTracker()),
		scheduler.WithAudit(sink),
		scheduler.WithMetrics(m),
	)

	server := NewServer(l, orch, sqliteStore, reg, cfg.Admin.RatePerMinute, cfg.Admin.Burst, slog.Default())
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedDone := make(chan error, 1)
	go func() {
		schedDone <- orch.Run(ctx)
	}()

	errs := make(chan error, 1)
	go func() {
		slog.Info("loancore listening", "addr", cfg.ListenAddress, "products", cfg.Catalog().IDs())
		errs <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
	}
	if err := <-schedDone; err != nil && runErr == nil {
		runErr = err
	}
	if err := poster.Close(shutdownCtx); err != nil {
		slog.Warn("pending ledger postings not delivered", "error", err)
	}
	return runErr
}
