// Package config provides hierarchical configuration loading for parley.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the parley gateway.
type Config struct {
	Server    Server    `yaml:"server"`
	Agent     Agent     `yaml:"agent"`
	Meeting   Meeting   `yaml:"meeting"`
	Suggest   Suggest   `yaml:"suggest"`
	Limits    Limits    `yaml:"limits"`
	Breaker   Breaker   `yaml:"breaker"`
	Rate      Rate      `yaml:"rate"`
	Logging   Logging   `yaml:"logging"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Server holds the browser-facing HTTP server configuration. WriteTimeout is
// deliberately absent: turn responses are server-sent event streams with no
// bounded duration.
type Server struct {
	Port              string        `yaml:"port"`
	CORSOrigin        string        `yaml:"cors_origin"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Agent holds the upstream assistant service endpoints. The bearer token is
// not configuration; it is read from the PARLEY_AGENT_TOKEN environment
// variable through the secrets vault.
type Agent struct {
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`      // non-streaming REST calls
	TurnTimeout time.Duration `yaml:"turn_timeout"` // hard cap on one turn stream
}

// Meeting holds the live transcript socket configuration. The socket token
// comes from PARLEY_MEETING_TOKEN via the secrets vault.
type Meeting struct {
	SocketURL string        `yaml:"socket_url"` // ws(s) endpoint, session id appended as query
	DialTime  time.Duration `yaml:"dial_timeout"`
}

// Suggest holds autocomplete relay configuration. Driver selects the cache
// backend: "memory" (in-process), "nats" (JetStream KV), or "tiered" (both).
type Suggest struct {
	Driver      string        `yaml:"driver"`
	TTL         time.Duration `yaml:"ttl"`
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"`
	NATSURL     string        `yaml:"nats_url"`
	NATSBucket  string        `yaml:"nats_bucket"`
}

// Limits holds gateway-wide concurrency limits.
type Limits struct {
	MaxConcurrentTurns int64 `yaml:"max_concurrent_turns"`
}

// Breaker holds circuit breaker configuration for upstream REST calls.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Rate holds the token-bucket rate limit applied to autocomplete routes.
type Rate struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"` // bucket eviction age
}

// Logging holds structured logging configuration.
type Logging struct {
	Level        string `yaml:"level"`
	Service      string `yaml:"service"`
	Async        bool   `yaml:"async"`
	AsyncBuffer  int    `yaml:"async_buffer"`
	AsyncWorkers int    `yaml:"async_workers"`
}

// Telemetry holds OpenTelemetry export configuration. When disabled, no
// providers are installed and the OTLP endpoint is never dialed.
type Telemetry struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // OTLP gRPC host:port
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:              "8080",
			CORSOrigin:        "http://localhost:3000",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Agent: Agent{
			BaseURL:     "http://localhost:9000",
			Timeout:     15 * time.Second,
			TurnTimeout: 5 * time.Minute,
		},
		Meeting: Meeting{
			SocketURL: "ws://localhost:9000/meetings/stream",
			DialTime:  10 * time.Second,
		},
		Suggest: Suggest{
			Driver:      "memory",
			TTL:         30 * time.Second,
			L1MaxSizeMB: 32,
			NATSURL:     "nats://localhost:4222",
			NATSBucket:  "parley-suggest",
		},
		Limits: Limits{
			MaxConcurrentTurns: 32,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Rate: Rate{
			RequestsPerSecond: 20,
			Burst:             40,
			MaxIdleTime:       10 * time.Minute,
		},
		Logging: Logging{
			Level:        "info",
			Service:      "parley",
			AsyncBuffer:  4096,
			AsyncWorkers: 2,
		},
		Telemetry: Telemetry{
			Endpoint:    "localhost:4317",
			SampleRatio: 1.0,
		},
	}
}
