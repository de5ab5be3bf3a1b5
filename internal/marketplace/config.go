package marketplace

import (
	"time"

	"github.com/google/uuid"
)

// Config holds the marketplace configuration
type Config struct {
	// Transaction retries
	MaxTxRetries   int           // Retries on serialization/lock failures (default: 3)
	RetryBaseDelay time.Duration // First backoff delay (default: 10ms)
	RetryMaxDelay  time.Duration // Backoff ceiling (default: 250ms)

	// Distributed mode
	Distributed       bool          // Multiple replicas share the database (default: false)
	HeartbeatInterval time.Duration // Replica heartbeat interval (default: 10s)
	ReplicaTimeout    time.Duration // Consider replica dead after (default: 30s)

	// Leader duties
	LeaderTerm    time.Duration // Leadership duration (default: 30s)
	AuditInterval time.Duration // How often the conservation audit runs (default: 1m)

	// Shutdown
	ShutdownTimeout time.Duration // Grace period for shutdown (default: 30s)
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		MaxTxRetries:      3,
		RetryBaseDelay:    10 * time.Millisecond,
		RetryMaxDelay:     250 * time.Millisecond,
		Distributed:       false,
		HeartbeatInterval: 10 * time.Second,
		ReplicaTimeout:    30 * time.Second,
		LeaderTerm:        30 * time.Second,
		AuditInterval:     1 * time.Minute,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithEmitter sets where committed events are published.
func WithEmitter(emitter Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.events = emitter
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides uuid generation, for tests.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

func defaultID() string { return uuid.NewString() }
