// Package config provides configuration parsing and validation shared by the
// relay and broker binaries.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime parameters. Each binary wires the subset it needs
// through command-line flags, with environment variables as defaults.
type Config struct {
	// HTTPPort is the request/response ingress port (relay binary).
	HTTPPort string
	// BrokerAddr is the stream-socket listen address (broker binary).
	BrokerAddr string
	// SharedSecret authorizes alert submissions. Any sender holding it is
	// trusted; there is no per-sender credential.
	SharedSecret string
	// PostgresDSN locates the directory and log databases.
	PostgresDSN string
	// KafkaBrokers is a comma-separated broker list. Empty disables event
	// publication.
	KafkaBrokers string
	// AlertFiredTopic is the topic alert events are published to.
	AlertFiredTopic string
	// RedisAddr is the metrics reporting target. Empty disables reporting.
	RedisAddr string
	// ReceiverPort is the port master clients listen on for dispatched
	// alerts in the HTTP deployment shape.
	ReceiverPort string

	// DispatchTimeout bounds one delivery attempt to one destination.
	DispatchTimeout time.Duration
	// FanoutDeadline is the hard ceiling on a whole fan-out; destinations
	// still pending at the ceiling are recorded as timed out.
	FanoutDeadline time.Duration
	// SweepInterval is how often the registry checks session liveness.
	SweepInterval time.Duration
	// PingAfter is how long a session may stay silent before it is pinged.
	PingAfter time.Duration
	// MaxIdle is how long a session may stay silent before eviction.
	MaxIdle time.Duration
	// MaxConns bounds concurrently served broker connections.
	MaxConns int64
	// CacheRefresh is the directory cache refresh period (broker binary).
	CacheRefresh time.Duration
}

// Validate checks that required fields are set and durations are sane.
func (c *Config) Validate() error {
	if c.SharedSecret == "" {
		return fmt.Errorf("shared secret cannot be empty")
	}
	if c.PostgresDSN == "" {
		return fmt.Errorf("postgres-dsn cannot be empty")
	}
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("dispatch-timeout must be positive")
	}
	if c.FanoutDeadline < c.DispatchTimeout {
		return fmt.Errorf("fanout-deadline must be at least the dispatch timeout")
	}
	if c.MaxIdle <= c.PingAfter {
		return fmt.Errorf("max-idle must be greater than ping-after")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("max-conns must be positive")
	}
	return nil
}

// EnvOrDefault returns the environment variable value or a default if not set.
func EnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// LoadDotenv loads a .env file into the environment if one exists at path.
// A missing file is not an error; deployments may configure the process
// environment directly.
func LoadDotenv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		slog.Warn("Failed to load env file", "path", path, "error", err)
		return
	}
	slog.Info("Loaded env file", "path", path)
}

// MaskDSN masks sensitive information in a DSN for logging.
func MaskDSN(dsn string) string {
	if len(dsn) > 50 {
		return dsn[:20] + "***" + dsn[len(dsn)-20:]
	}
	return "***"
}
