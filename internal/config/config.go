// Package config loads gocumulus configuration in layers: built-in defaults,
// then gocumulus.yaml, then GOCUMULUS_* environment variables, then runtime
// overrides from the command line.
package config

import (
	"path/filepath"
	"time"
)

// Config is the fully resolved configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Health       HealthConfig       `mapstructure:"health"`
	Debug        DebugConfig        `mapstructure:"debug"`
	Workers      int                `mapstructure:"workers"`
	Dispatch     DispatchConfig     `mapstructure:"dispatch"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	TaskQ        TaskQConfig        `mapstructure:"taskq"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	History      HistoryConfig      `mapstructure:"history"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// DispatchConfig feeds dispatch.Config.
type DispatchConfig struct {
	// Secret authorizes submissions. Empty rejects every submission.
	Secret         string `mapstructure:"secret"`
	WorkDir        string `mapstructure:"work_dir"`
	LocalFallback  bool   `mapstructure:"local_fallback"`
	Concurrency    int    `mapstructure:"concurrency"`
	MetadataOutput bool   `mapstructure:"metadata_output"`
	SkipPreflight  bool   `mapstructure:"skip_preflight"`

	// CompletionPollAttempts times CompletionPollInterval bounds how long a
	// delegated job is waited for.
	CompletionPollAttempts int           `mapstructure:"completion_poll_attempts"`
	CompletionPollInterval time.Duration `mapstructure:"completion_poll_interval"`
}

// RetryConfig bounds transient-failure retries in every backend.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
}

type CoordinationConfig struct {
	// Backend is "memory" or "etcd".
	Backend          string        `mapstructure:"backend"`
	Endpoints        []string      `mapstructure:"endpoints"`
	Root             string        `mapstructure:"root"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
	LockPollInterval time.Duration `mapstructure:"lock_poll_interval"`
	SessionTTL       time.Duration `mapstructure:"session_ttl"`
	NodeID           string        `mapstructure:"node_id"`
}

type WorkerConfig struct {
	Queue            string            `mapstructure:"queue"`
	QueueCredentials map[string]string `mapstructure:"queue_credentials"`
	MaxIdle          time.Duration     `mapstructure:"max_idle"`
	PollInterval     time.Duration     `mapstructure:"poll_interval"`
	PopRate          float64           `mapstructure:"pop_rate"`
	Cores            int               `mapstructure:"cores"`
}

type TaskQConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type JobsConfig struct {
	Dir string `mapstructure:"dir"`
}

// HistoryConfig locates the finished-job database.
type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Path defaults to history.db under jobs.dir.
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// HistoryPath resolves the local history database path.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(c.Jobs.Dir, "history.db")
}
