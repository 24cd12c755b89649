package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"chanlink/internal/awsutil"
	"chanlink/internal/config"
	"chanlink/internal/domain"
	"chanlink/internal/engine"
	"chanlink/internal/httpserver"
	"chanlink/internal/logging"
	"chanlink/internal/observability"
	"chanlink/internal/provider/evolution"
	sqsqueue "chanlink/internal/queue/sqs"
	"chanlink/internal/store/pg"
)

func main() {
	cfg := config.LoadReconciler()
	logging.Init("reconciler", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("reconciler db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	var events engine.EventPublisher
	if cfg.SQSEventQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("reconciler sqs client init failed", "err", err)
			os.Exit(1)
		}
		events = &sqsqueue.Publisher{SQS: sqsClient, QueueURL: cfg.SQSEventQueueURL}
	}

	gatewayHTTP := &http.Client{Timeout: 8 * time.Second}
	sweeper := &engine.Sweeper{
		Store: pg.New(db),
		NewGateway: func(gc evolution.Config) engine.Gateway {
			return &evolution.Client{Config: gc, HTTP: gatewayHTTP}
		},
		Defaults: evolution.Config{
			BaseURL: cfg.GatewayBaseURL,
			APIKey:  cfg.GatewayAPIKey,
		},
		Events:  events,
		Limiter: rate.NewLimiter(rate.Limit(cfg.GatewayRPS), cfg.GatewayBurst),
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "gateway",
			MaxRequests: 3,
			Timeout:     20 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		}),
	}

	healthMux := http.NewServeMux()
	healthMux.Handle("/metrics", promhttp.Handler())
	healthMux.HandleFunc("/healthz", httpserver.Healthz())
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, func(c context.Context) error {
		return db.Ping(c)
	}))
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: httpserver.Logging(healthMux)}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("reconciler health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			sweepCtx, sweepCancel := context.WithTimeout(ctx, cfg.SweepTimeout)
			if err := sweeper.Sweep(sweepCtx, domain.ChannelWhatsApp); err != nil && ctx.Err() == nil {
				slog.Error("sweep pass failed", "err", err)
			}
			sweepCancel()

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("reconciler shutdown", "signal", sig.String())
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("reconciler health server failed", "err", err)
			os.Exit(1)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-sweepDone:
	case <-time.After(10 * time.Second):
		slog.Info("reconciler shutdown timeout waiting for sweep loop")
	}
}
