// Package evented parses evented command flags and launches the runtime.
package evented

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/louisbranch/evented/internal/platform/cmd"
	"github.com/louisbranch/evented/internal/services/evented/app"
)

// Config holds evented command configuration.
type Config struct {
	Port        int    `env:"EVENTED_PORT" envDefault:"8095"`
	Backend     string `env:"EVENTED_BACKEND" envDefault:"sqlite"`
	DBPath      string `env:"EVENTED_DB_PATH" envDefault:"data/evented.db"`
	PostgresDSN string `env:"EVENTED_POSTGRES_DSN"`
	RoutesPath  string `env:"EVENTED_ROUTES"`

	RetryBaseDelay   time.Duration `env:"EVENTED_RETRY_BASE_DELAY" envDefault:"10ms"`
	RetryMaxDelay    time.Duration `env:"EVENTED_RETRY_MAX_DELAY" envDefault:"2s"`
	RetryMaxAttempts int           `env:"EVENTED_RETRY_MAX_ATTEMPTS" envDefault:"10"`
	AttemptTimeout   time.Duration `env:"EVENTED_ATTEMPT_TIMEOUT" envDefault:"5s"`
	SnapshotEvery    uint64        `env:"EVENTED_SNAPSHOT_EVERY" envDefault:"100"`
	ShutdownTimeout  time.Duration `env:"EVENTED_SHUTDOWN_TIMEOUT" envDefault:"5s"`

	FallbackDomain    string  `env:"EVENTED_FALLBACK_DOMAIN" envDefault:"system"`
	FallbackEnabled   bool    `env:"EVENTED_FALLBACK_ENABLED" envDefault:"true"`
	DeadLetterEnabled bool    `env:"EVENTED_DEAD_LETTER_ENABLED"`
	EscalationEnabled bool    `env:"EVENTED_ESCALATION_ENABLED"`
	RedisAddr         string  `env:"EVENTED_REDIS_ADDR"`
	RedisStream       string  `env:"EVENTED_REDIS_STREAM" envDefault:"evented:dead-letters"`
	WebhookURL        string  `env:"EVENTED_WEBHOOK_URL"`
	WebhookSecret     string  `env:"EVENTED_WEBHOOK_SECRET"`
	WebhookRate       float64 `env:"EVENTED_WEBHOOK_RATE" envDefault:"1"`
	WebhookBurst      int     `env:"EVENTED_WEBHOOK_BURST" envDefault:"5"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The evented gRPC server port")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Storage backend: memory, sqlite or postgres")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The SQLite database path")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "The Postgres connection string")
	fs.StringVar(&cfg.RoutesPath, "routes", cfg.RoutesPath, "YAML file mapping remote domains to gRPC addresses")
	fs.DurationVar(&cfg.RetryBaseDelay, "retry-base-delay", cfg.RetryBaseDelay, "Base saga retry delay")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Maximum saga retry delay")
	fs.IntVar(&cfg.RetryMaxAttempts, "retry-max-attempts", cfg.RetryMaxAttempts, "Saga retries before giving up")
	fs.DurationVar(&cfg.AttemptTimeout, "attempt-timeout", cfg.AttemptTimeout, "Timeout for each saga command dispatch")
	fs.Uint64Var(&cfg.SnapshotEvery, "snapshot-every", cfg.SnapshotEvery, "Events between snapshots (0 disables)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Time to drain in-flight requests before cancelling them")
	fs.StringVar(&cfg.FallbackDomain, "fallback-domain", cfg.FallbackDomain, "Domain recording compensation failures")
	fs.BoolVar(&cfg.FallbackEnabled, "fallback", cfg.FallbackEnabled, "Record rejected saga commands in the fallback domain")
	fs.BoolVar(&cfg.DeadLetterEnabled, "dead-letter", cfg.DeadLetterEnabled, "Dead-letter rejected saga commands")
	fs.BoolVar(&cfg.EscalationEnabled, "escalation", cfg.EscalationEnabled, "Post rejected saga commands to the webhook")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the dead-letter stream")
	fs.StringVar(&cfg.RedisStream, "redis-stream", cfg.RedisStream, "Redis dead-letter stream name")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", cfg.WebhookURL, "Escalation webhook URL")
	fs.Float64Var(&cfg.WebhookRate, "webhook-rate", cfg.WebhookRate, "Escalation webhook requests per second (0 is unlimited)")
	fs.IntVar(&cfg.WebhookBurst, "webhook-burst", cfg.WebhookBurst, "Escalation webhook burst")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RuntimeConfig converts cfg for the runtime.
func (cfg Config) RuntimeConfig() app.RuntimeConfig {
	return app.RuntimeConfig{
		Port:              cfg.Port,
		Backend:           cfg.Backend,
		DBPath:            cfg.DBPath,
		PostgresDSN:       cfg.PostgresDSN,
		RoutesPath:        cfg.RoutesPath,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
		RetryMaxAttempts:  cfg.RetryMaxAttempts,
		AttemptTimeout:    cfg.AttemptTimeout,
		SnapshotEvery:     cfg.SnapshotEvery,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		FallbackDomain:    cfg.FallbackDomain,
		FallbackEnabled:   cfg.FallbackEnabled,
		DeadLetterEnabled: cfg.DeadLetterEnabled,
		EscalationEnabled: cfg.EscalationEnabled,
		RedisAddr:         cfg.RedisAddr,
		RedisStream:       cfg.RedisStream,
		WebhookURL:        cfg.WebhookURL,
		WebhookSecret:     cfg.WebhookSecret,
		WebhookRate:       cfg.WebhookRate,
		WebhookBurst:      cfg.WebhookBurst,
	}
}

// Run starts the evented runtime. Embedding programs pass their domains and
// sagas as opts.
func Run(ctx context.Context, cfg Config, opts ...app.Option) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceEvented, func(context.Context) error {
		return app.Run(ctx, cfg.RuntimeConfig(), opts...)
	})
}
