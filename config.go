package conveyor

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds configuration for the engine and its subsystems.
type Config struct {
	// Concurrency is the maximum number of jobs processed concurrently.
	Concurrency int `env:"CONVEYOR_CONCURRENCY, default=10"`

	// Queues is the list of queues the worker pool will poll, in
	// round-robin order.
	Queues []string `env:"CONVEYOR_QUEUES, default=fetch,enrichment,analysis"`

	// PollInterval is how often idle workers poll for new jobs.
	PollInterval time.Duration `env:"CONVEYOR_POLL_INTERVAL, default=1s"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	// before active job contexts are cancelled.
	ShutdownTimeout time.Duration `env:"CONVEYOR_SHUTDOWN_TIMEOUT, default=30s"`

	// LeaseTTL is how long a dequeued job stays leased to a worker
	// before it becomes eligible for re-queueing.
	LeaseTTL time.Duration `env:"CONVEYOR_LEASE_TTL, default=60s"`

	// HeartbeatInterval is how often running jobs extend their lease.
	HeartbeatInterval time.Duration `env:"CONVEYOR_HEARTBEAT_INTERVAL, default=10s"`

	// StaleJobThreshold is how long a running job may go without a
	// heartbeat before the supervisor treats it as abandoned.
	StaleJobThreshold time.Duration `env:"CONVEYOR_STALE_THRESHOLD, default=90s"`

	// MaxRetries is the default retry budget for transient failures.
	MaxRetries int `env:"CONVEYOR_MAX_RETRIES, default=3"`

	// RetryBackoffBase is the first retry delay; each subsequent retry
	// doubles it up to RetryBackoffCap.
	RetryBackoffBase time.Duration `env:"CONVEYOR_RETRY_BACKOFF_BASE, default=60s"`
	RetryBackoffCap  time.Duration `env:"CONVEYOR_RETRY_BACKOFF_CAP, default=900s"`

	// JobTTL is how long terminal job records are retained before the
	// supervisor purges them.
	JobTTL time.Duration `env:"CONVEYOR_JOB_TTL, default=2h"`

	// SweepInterval is the supervisor's schedule for both the stale-job
	// sweep and the terminal-record purge.
	SweepInterval time.Duration `env:"CONVEYOR_SWEEP_INTERVAL, default=30s"`

	// SoftTimeout is the default per-job soft deadline. Zero disables it.
	SoftTimeout time.Duration `env:"CONVEYOR_SOFT_TIMEOUT, default=0"`

	// KillGrace is how long after a soft-timeout cancellation a job may
	// keep running before it is forcibly terminated.
	KillGrace time.Duration `env:"CONVEYOR_KILL_GRACE, default=15s"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       10,
		Queues:            []string{"fetch", "enrichment", "analysis"},
		PollInterval:      1 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		LeaseTTL:          60 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		StaleJobThreshold: 90 * time.Second,
		MaxRetries:        3,
		RetryBackoffBase:  60 * time.Second,
		RetryBackoffCap:   900 * time.Second,
		JobTTL:            2 * time.Hour,
		SweepInterval:     30 * time.Second,
		KillGrace:         15 * time.Second,
	}
}

// LoadConfig populates a Config from the environment, falling back to
// the defaults in the env tags for unset variables. The struct starts
// zeroed: envconfig leaves pre-set fields alone, so seeding it with
// DefaultConfig would mask every override.
func LoadConfig(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
