package utils

import (
	"context"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	CacheURLScheme  string `env:"CACHE_URL_SCHEME" envDefault:"redis"`
	CacheClusterURL string `env:"CACHE_CLUSTER_URL" envDefault:"localhost"`
	CachePassword   string `env:"CACHE_PASSWORD" envDefault:""`
	CacheUsername   string `env:"CACHE_USERNAME" envDefault:""`
	CacheTLSDomain  string `env:"CACHE_TLS_DOMAIN" envDefault:""`

	NatsURL string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	// Controller settings.
	DefaultCluster    string `env:"DEFAULT_CLUSTER" envDefault:""`
	HTTPListenAddr    string `env:"HTTP_LISTEN_ADDR" envDefault:":8080"`
	ControllerName    string `env:"CONTROLLER_NAME" envDefault:""`
	NodeStalenessS    int    `env:"NODE_STALENESS_S" envDefault:"30"`
	WatchdogCron      string `env:"WATCHDOG_CRON" envDefault:"*/30 * * * * *"`
	TerminationGraceS int    `env:"TERMINATION_GRACE_PERIOD_S" envDefault:"60"`
	EventStreamMaxLen int64  `env:"EVENT_STREAM_MAXLEN" envDefault:"10000"`
	BackendURLPattern string `env:"BACKEND_URL_PATTERN" envDefault:"https://%s.%s/"`

	// Drone agent settings.
	DroneCluster     string `env:"DRONE_CLUSTER" envDefault:""`
	DroneName        string `env:"DRONE_NAME" envDefault:""`
	HeartbeatPeriodS int    `env:"HEARTBEAT_PERIOD_S" envDefault:"5"`

	// CLI client settings.
	ControllerURL string `env:"CONTROLLER_URL" envDefault:"http://localhost:8080"`
}

var appConfig *Config

func GetConfig(ctx context.Context) *Config {
	if appConfig != nil {
		return appConfig
	}

	err := godotenv.Load(".env")
	if err != nil {
		GetAppLogger(ctx).Warnf("Unable to load .env file. Continuing without loading it...")
	}
	appConfig = &Config{}
	if err = env.Parse(appConfig); err != nil {
		panic(err)
	}
	return appConfig
}
