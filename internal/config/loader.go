package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "parley.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PARLEY_PORT")
	setString(&cfg.Server.CORSOrigin, "PARLEY_CORS_ORIGIN")
	setDuration(&cfg.Server.ReadHeaderTimeout, "PARLEY_READ_HEADER_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "PARLEY_SHUTDOWN_TIMEOUT")

	setString(&cfg.Agent.BaseURL, "PARLEY_AGENT_URL")
	setDuration(&cfg.Agent.Timeout, "PARLEY_AGENT_TIMEOUT")
	setDuration(&cfg.Agent.TurnTimeout, "PARLEY_AGENT_TURN_TIMEOUT")

	setString(&cfg.Meeting.SocketURL, "PARLEY_MEETING_SOCKET_URL")
	setDuration(&cfg.Meeting.DialTime, "PARLEY_MEETING_DIAL_TIMEOUT")

	setString(&cfg.Suggest.Driver, "PARLEY_SUGGEST_DRIVER")
	setDuration(&cfg.Suggest.TTL, "PARLEY_SUGGEST_TTL")
	setInt64(&cfg.Suggest.L1MaxSizeMB, "PARLEY_SUGGEST_L1_SIZE_MB")
	setString(&cfg.Suggest.NATSURL, "NATS_URL")
	setString(&cfg.Suggest.NATSBucket, "PARLEY_SUGGEST_NATS_BUCKET")

	setInt64(&cfg.Limits.MaxConcurrentTurns, "PARLEY_MAX_CONCURRENT_TURNS")

	setInt(&cfg.Breaker.MaxFailures, "PARLEY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "PARLEY_BREAKER_TIMEOUT")

	setFloat64(&cfg.Rate.RequestsPerSecond, "PARLEY_RATE_RPS")
	setInt(&cfg.Rate.Burst, "PARLEY_RATE_BURST")
	setDuration(&cfg.Rate.MaxIdleTime, "PARLEY_RATE_MAX_IDLE_TIME")

	setString(&cfg.Logging.Level, "PARLEY_LOG_LEVEL")
	setString(&cfg.Logging.Service, "PARLEY_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "PARLEY_LOG_ASYNC")
	setInt(&cfg.Logging.AsyncBuffer, "PARLEY_LOG_ASYNC_BUFFER")
	setInt(&cfg.Logging.AsyncWorkers, "PARLEY_LOG_ASYNC_WORKERS")

	setBool(&cfg.Telemetry.Enabled, "PARLEY_OTEL_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "PARLEY_OTEL_ENDPOINT")
	setFloat64(&cfg.Telemetry.SampleRatio, "PARLEY_OTEL_SAMPLE_RATIO")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Agent.BaseURL == "" {
		return errors.New("agent.base_url is required")
	}
	if cfg.Meeting.SocketURL == "" {
		return errors.New("meeting.socket_url is required")
	}
	switch cfg.Suggest.Driver {
	case "memory", "nats", "tiered":
	default:
		return fmt.Errorf("suggest.driver must be memory, nats or tiered, got %q", cfg.Suggest.Driver)
	}
	if cfg.Suggest.Driver != "memory" && cfg.Suggest.NATSURL == "" {
		return errors.New("suggest.nats_url is required for the nats and tiered drivers")
	}
	if cfg.Limits.MaxConcurrentTurns < 1 {
		return errors.New("limits.max_concurrent_turns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
