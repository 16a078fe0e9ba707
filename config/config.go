package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config is parsed once at startup from the process environment. Every
// field maps to a key in spec.md §6.3; nested structs group keys by the
// component that owns them.
type Config struct {
	Env  string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port string `env:"PORT" envDefault:"8080" validate:"required"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	// NodeRoles lists which roles (gateway, function, worker, scheduler)
	// this process advertises in the node registry. A node can carry
	// more than one role; cmd/forge starts only the loops its roles need.
	NodeRoles []string `env:"NODE_ROLES" envDefault:"function,worker,scheduler" envSeparator:","`

	Database    DatabaseConfig    `envPrefix:"DATABASE_"`
	Cluster     ClusterConfig     `envPrefix:"CLUSTER_"`
	Worker      WorkerConfig      `envPrefix:"WORKER_"`
	Cron        CronConfig        `envPrefix:"CRON_"`
	Reactivity  ReactivityConfig  `envPrefix:"REACTIVITY_"`
}

type DatabaseConfig struct {
	URL      string `env:"URL,required" validate:"required"`
	PoolSize int    `env:"POOL_SIZE" envDefault:"20" validate:"min=1,max=200"`
}

type ClusterConfig struct {
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"5s" validate:"min=1000000000"`
	DeadThreshold     time.Duration `env:"DEAD_THRESHOLD" envDefault:"30s" validate:"min=1000000000"`
	LeaderLease       time.Duration `env:"LEADER_LEASE" envDefault:"15s" validate:"min=1000000000"`
}

type WorkerConfig struct {
	MaxConcurrent   int           `env:"MAX_CONCURRENT" envDefault:"10" validate:"min=1,max=1000"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"1s" validate:"min=1000000"`
	BatchSize       int           `env:"BATCH_SIZE" envDefault:"10" validate:"min=1,max=1000"`
	Capabilities    []string      `env:"CAPABILITIES" envSeparator:","`
	StaleThreshold  time.Duration `env:"STALE_THRESHOLD" envDefault:"60s" validate:"min=1000000000"`
}

type CronConfig struct {
	TickInterval time.Duration `env:"TICK_INTERVAL" envDefault:"1s" validate:"min=1000000"`
}

type ReactivityConfig struct {
	DebounceMS    int `env:"DEBOUNCE_MS" envDefault:"50" validate:"min=0,max=60000"`
	MaxDebounceMS int `env:"MAX_DEBOUNCE_MS" envDefault:"500" validate:"min=0,max=60000"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// HasRole reports whether this node advertises the given role.
func (c *Config) HasRole(role string) bool {
	for _, r := range c.NodeRoles {
		if r == role {
			return true
		}
	}
	return false
}
