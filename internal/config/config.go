// Package config loads the process configuration: the listen address (a
// positional argument, per the external interface contract) plus ambient
// settings layered from a .env file and the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultAddr is used when no listen address is given on the command line.
const DefaultAddr = "0.0.0.0:9001"

// Config holds application configuration.
type Config struct {
	// Addr is the WebSocket/HTTP listen address. It comes exclusively from
	// argv[1] when present; there is no environment-variable override for
	// it, since the external interface is explicit that the first
	// positional argument (or the default) governs it.
	Addr string

	LogLevel string
	Env      string

	// PingInterval is the liveness tick period (default 60s).
	PingInterval time.Duration
	// HostConflictGrace is the delay before closing a duplicate host
	// (default 60s).
	HostConflictGrace time.Duration
	// SinkBuffer is the outbound channel capacity per connection.
	SinkBuffer int
	// WriteTimeout bounds each outbound socket write.
	WriteTimeout time.Duration
}

// Load parses and returns the application configuration. Priority: the
// first command-line argument (listen address only) > environment
// variables > .env file > defaults.
func Load(args []string) *Config {
	_ = godotenv.Load() // .env is optional; ignore a missing file

	addr := DefaultAddr
	if len(args) > 0 && args[0] != "" {
		addr = args[0]
	}

	return &Config{
		Addr:              addr,
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Env:               strings.ToLower(getEnv("ENVIRONMENT", "development")),
		PingInterval:      getDurationSeconds("PING_INTERVAL_SECONDS", 60),
		HostConflictGrace: getDurationSeconds("HOST_CONFLICT_GRACE_SECONDS", 60),
		SinkBuffer:        getInt("SINK_BUFFER", 64),
		WriteTimeout:      getDurationSeconds("WRITE_TIMEOUT_SECONDS", 10),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getInt(key, defaultSeconds)) * time.Second
}
