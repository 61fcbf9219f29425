// Package config loads the process configuration: a YAML file with every
// field overridable by an AGENTEXEC_-prefixed environment variable. There
// is no hot reload — configuration is fixed at process start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/agent-ci/agentexec-go/internal/otelx"
	"github.com/agent-ci/agentexec-go/internal/taskerr"
	"gopkg.in/yaml.v3"
)

// Messages holds the default activity log messages. Error supports a
// "{error}" template token substituted with the handler's error text.
type Messages struct {
	Queued   string `yaml:"queued"`
	Complete string `yaml:"complete"`
	Error    string `yaml:"error"`
}

// Config is the full process configuration.
type Config struct {
	QueueName              string        `yaml:"queue_name"`
	WorkerCount            int           `yaml:"worker_count"`
	BackendURL             string        `yaml:"backend_url"`
	BackendPoolSize        int           `yaml:"backend_pool_size"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
	Messages               Messages      `yaml:"messages"`
	ResultTTL              time.Duration `yaml:"result_ttl"`
	TablePrefix            string        `yaml:"table_prefix"`
	WaitResultPollInterval time.Duration `yaml:"wait_result_poll_interval"`
	LogLevel               string        `yaml:"log_level"`
	Telemetry              otelx.Config  `yaml:"telemetry"`
	// DatabasePath is the SQLite file the Activity Store opens. Empty
	// means in-memory (see activity.Open).
	DatabasePath string `yaml:"database_path"`
}

// Default returns the built-in defaults, matching spec.md §6.
func Default() Config {
	return Config{
		QueueName:               "agentexec:tasks",
		WorkerCount:             4,
		BackendURL:              "memory://",
		BackendPoolSize:         4,
		GracefulShutdownTimeout: 10 * time.Second,
		Messages: Messages{
			Queued:   "queued",
			Complete: "complete",
			Error:    "handler failed: {error}",
		},
		ResultTTL:              1 * time.Hour,
		TablePrefix:            "",
		WaitResultPollInterval: 500 * time.Millisecond,
		LogLevel:               "info",
		Telemetry:              otelx.Config{Enabled: false, Exporter: "none"},
		DatabasePath:           "agentexecd.db",
	}
}

// Load reads path (if non-empty) as YAML over the defaults, then applies
// AGENTEXEC_* environment overrides. An empty path skips the file read
// entirely and only applies defaults + environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", taskerr.ErrBadConfig, path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", taskerr.ErrBadConfig, path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTEXEC_QUEUE_NAME"); v != "" {
		cfg.QueueName = v
	}
	if v := os.Getenv("AGENTEXEC_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerCount = n
		}
	}
	if v := os.Getenv("AGENTEXEC_BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}
	if v := os.Getenv("AGENTEXEC_BACKEND_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BackendPoolSize = n
		}
	}
	if v := os.Getenv("AGENTEXEC_GRACEFUL_SHUTDOWN_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GracefulShutdownTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("AGENTEXEC_RESULT_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ResultTTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("AGENTEXEC_TABLE_PREFIX"); v != "" {
		cfg.TablePrefix = v
	}
	if v := os.Getenv("AGENTEXEC_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("AGENTEXEC_WAIT_RESULT_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WaitResultPollInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("AGENTEXEC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTEXEC_TELEMETRY_ENABLED"); v != "" {
		cfg.Telemetry.Enabled = v == "1" || v == "true"
	}
	if v := os.Getenv("AGENTEXEC_TELEMETRY_EXPORTER"); v != "" {
		cfg.Telemetry.Exporter = v
	}
	if v := os.Getenv("AGENTEXEC_TELEMETRY_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
}

func (c Config) validate() error {
	if c.WorkerCount <= 0 {
		return fmt.Errorf("%w: worker_count must be positive, got %d", taskerr.ErrBadConfig, c.WorkerCount)
	}
	if c.QueueName == "" {
		return fmt.Errorf("%w: queue_name must not be empty", taskerr.ErrBadConfig)
	}
	if c.ResultTTL <= 0 {
		return fmt.Errorf("%w: result_ttl must be positive", taskerr.ErrBadConfig)
	}
	if c.WaitResultPollInterval <= 0 {
		return fmt.Errorf("%w: wait_result_poll_interval must be positive", taskerr.ErrBadConfig)
	}
	// Open Question (spec.md §9): nothing prevents TTL < default poll
	// timeout, which would surface a false ResultTimeout even after
	// success. We do not clamp — the caller's explicit wait_result
	// timeout is authoritative — but this would be the place to warn
	// once a logger is threaded through Load.
	return nil
}
