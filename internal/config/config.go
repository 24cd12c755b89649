package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type APIConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Provider gateway defaults; per-tenant credentials stored on the
	// integration row take precedence.
	GatewayBaseURL string `envconfig:"GATEWAY_BASE_URL" required:"true"`
	GatewayAPIKey  string `envconfig:"GATEWAY_API_KEY" required:"true"`
	InstancePrefix string `envconfig:"INSTANCE_PREFIX" default:"chanlink"`

	// Reconciliation loop tuning. The fast interval applies while a
	// pairing surface is open, the slow one otherwise.
	FastPollInterval time.Duration `envconfig:"FAST_POLL_INTERVAL" default:"1s"`
	SlowPollInterval time.Duration `envconfig:"SLOW_POLL_INTERVAL" default:"30s"`
	MaxStatusChecks  int           `envconfig:"MAX_STATUS_CHECKS" default:"60"`
	DeepCheckEvery   int           `envconfig:"DEEP_CHECK_EVERY" default:"3"`

	GatewayRPS   float64 `envconfig:"GATEWAY_RPS" default:"5"`
	GatewayBurst int     `envconfig:"GATEWAY_BURST" default:"10"`

	// AWS / SQS channel-event fan-out. Optional: empty queue URL disables it.
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	SQSEventQueueURL   string `envconfig:"SQS_EVENT_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type ReconcilerConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"4"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"1m"`

	GatewayBaseURL string `envconfig:"GATEWAY_BASE_URL" required:"true"`
	GatewayAPIKey  string `envconfig:"GATEWAY_API_KEY" required:"true"`

	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"60s"`
	SweepTimeout  time.Duration `envconfig:"SWEEP_TIMEOUT" default:"45s"`

	GatewayRPS   float64 `envconfig:"GATEWAY_RPS" default:"5"`
	GatewayBurst int     `envconfig:"GATEWAY_BURST" default:"10"`

	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	SQSEventQueueURL   string `envconfig:"SQS_EVENT_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadReconciler() ReconcilerConfig {
	var cfg ReconcilerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
