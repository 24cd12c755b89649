package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"chanlink/internal/awsutil"
	"chanlink/internal/config"
	"chanlink/internal/engine"
	"chanlink/internal/httpserver"
	"chanlink/internal/logging"
	"chanlink/internal/observability"
	"chanlink/internal/provider/evolution"
	sqsqueue "chanlink/internal/queue/sqs"
	"chanlink/internal/store/pg"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	var events engine.EventPublisher
	if cfg.SQSEventQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("api sqs client init failed", "err", err)
			os.Exit(1)
		}
		events = &sqsqueue.Publisher{SQS: sqsClient, QueueURL: cfg.SQSEventQueueURL}
	}

	gatewayHTTP := &http.Client{Timeout: 8 * time.Second}
	notices := httpserver.NewNoticeLog()

	mgr := &engine.Manager{
		Store:    pg.New(db),
		Notifier: notices,
		Events:   events,
		NewGateway: func(gc evolution.Config) engine.Gateway {
			return &evolution.Client{Config: gc, HTTP: gatewayHTTP}
		},
		Defaults: evolution.Config{
			BaseURL: cfg.GatewayBaseURL,
			APIKey:  cfg.GatewayAPIKey,
		},
		InstancePrefix: cfg.InstancePrefix,
		FastInterval:   cfg.FastPollInterval,
		SlowInterval:   cfg.SlowPollInterval,
		MaxChecks:      cfg.MaxStatusChecks,
		DeepEvery:      cfg.DeepCheckEvery,
		Limiter:        rate.NewLimiter(rate.Limit(cfg.GatewayRPS), cfg.GatewayBurst),
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "gateway",
			MaxRequests: 3,
			Timeout:     20 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		}),
	}

	s := httpserver.New()
	api := &httpserver.API{Engine: mgr, Notices: notices}
	api.Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux}
	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api metrics server failed", "err", err)
		}
	}()

	handler := httpserver.Logging(httpserver.Metrics(observability.APIRequests)(s.Mux))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		mgr.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}

	db.Close()
}
