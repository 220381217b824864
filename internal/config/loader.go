package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for env and config-file lookups.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is used when Load runs before SetIdentity.
var DefaultIdentity = Identity{BinaryName: "gocumulus", EnvPrefix: "GOCUMULUS", ConfigName: "gocumulus"}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// SetIdentity replaces the identity used by later Load calls.
func SetIdentity(id Identity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = &id
}

// SetConfigFile pins Load to one file instead of searching.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// EnvSpec binds one environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

// envBindings lists the env suffixes after the prefix. Paths not listed here
// are still reachable as PREFIX_SECTION_KEY through AutomaticEnv.
var envBindings = []struct{ suffix, path string }{
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"IDLE_TIMEOUT", "server.idle_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"LOG_LEVEL", "logging.level"},
	{"LOG_PROFILE", "logging.profile"},
	{"METRICS_ENABLED", "metrics.enabled"},
	{"METRICS_PORT", "metrics.port"},
	{"HEALTH_ENABLED", "health.enabled"},
	{"DEBUG", "debug.enabled"},
	{"PPROF_ENABLED", "debug.pprof_enabled"},
	{"WORKERS", "workers"},
	{"SECRET", "dispatch.secret"},
	{"WORK_DIR", "dispatch.work_dir"},
	{"LOCAL_FALLBACK", "dispatch.local_fallback"},
	{"DISPATCH_CONCURRENCY", "dispatch.concurrency"},
	{"METADATA_OUTPUT", "dispatch.metadata_output"},
	{"COMPLETION_POLL_ATTEMPTS", "dispatch.completion_poll_attempts"},
	{"COMPLETION_POLL_INTERVAL", "dispatch.completion_poll_interval"},
	{"RETRY_MAX_ATTEMPTS", "retry.max_attempts"},
	{"RETRY_DELAY", "retry.delay"},
	{"COORD_BACKEND", "coordination.backend"},
	{"ETCD_ENDPOINTS", "coordination.endpoints"},
	{"COORD_ROOT", "coordination.root"},
	{"NODE_ID", "coordination.node_id"},
	{"WORKER_QUEUE", "worker.queue"},
	{"WORKER_MAX_IDLE", "worker.max_idle"},
	{"WORKER_POLL_INTERVAL", "worker.poll_interval"},
	{"TASKQ_HOST", "taskq.host"},
	{"TASKQ_PORT", "taskq.port"},
	{"JOBS_DIR", "jobs.dir"},
	{"HISTORY_ENABLED", "history.enabled"},
	{"HISTORY_PATH", "history.path"},
	{"HISTORY_URL", "history.url"},
	{"HISTORY_AUTH_TOKEN", "history.auth_token"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
	v.SetDefault("workers", 4)

	v.SetDefault("dispatch.secret", "")
	v.SetDefault("dispatch.work_dir", "")
	v.SetDefault("dispatch.local_fallback", false)
	v.SetDefault("dispatch.concurrency", 4)
	v.SetDefault("dispatch.metadata_output", false)
	v.SetDefault("dispatch.skip_preflight", false)
	v.SetDefault("dispatch.completion_poll_attempts", 360)
	v.SetDefault("dispatch.completion_poll_interval", "10s")

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.delay", "5s")

	v.SetDefault("coordination.backend", "memory")
	v.SetDefault("coordination.endpoints", []string{"127.0.0.1:2379"})
	v.SetDefault("coordination.root", "/gocumulus")
	v.SetDefault("coordination.lock_timeout", "10s")
	v.SetDefault("coordination.lock_poll_interval", "100ms")
	v.SetDefault("coordination.session_ttl", "10s")
	v.SetDefault("coordination.node_id", "")

	v.SetDefault("worker.queue", "memory")
	v.SetDefault("worker.max_idle", "300s")
	v.SetDefault("worker.poll_interval", "10s")
	v.SetDefault("worker.pop_rate", 0)
	v.SetDefault("worker.cores", 1)

	v.SetDefault("taskq.host", "127.0.0.1")
	v.SetDefault("taskq.port", 8765)

	v.SetDefault("jobs.dir", defaultJobsDir())

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "")
	v.SetDefault("history.url", "")
	v.SetDefault("history.auth_token", "")
}

func defaultJobsDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "gocumulus", "jobs")
	}
	return filepath.Join(os.TempDir(), "gocumulus", "jobs")
}

// Load resolves configuration and stores it for GetConfig. Later overrides
// win over earlier ones; nested maps are flattened to dotted keys.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	id := *appIdentity
	file := configFile
	configMu.Unlock()

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v, id, file); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(id.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	// viper lowercases map keys; credential names are upper case.
	cfg.Worker.QueueCredentials = upperKeys(cfg.Worker.QueueCredentials)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

func readConfigFile(v *viper.Viper, id Identity, file string) error {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", file, err)
		}
		return nil
	}

	v.SetConfigName(id.ConfigName)
	v.SetConfigType("yaml")
	for _, dir := range getUserConfigPaths() {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

// GetConfig returns the configuration from the last successful Load, or
// nil before the first one.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// getUserConfigPaths lists the directories searched for the config file,
// most specific first.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}

	paths := []string{"."}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, id.ConfigName))
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", id.ConfigName))
	}
	return append(paths, filepath.Join("/etc", id.ConfigName))
}

func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}
	specs := make([]EnvSpec, 0, len(envBindings))
	for _, b := range envBindings {
		specs = append(specs, EnvSpec{Name: id.EnvPrefix + "_" + b.suffix, Path: b.path})
	}
	return specs
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func upperKeys(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = v
	}
	return out
}
