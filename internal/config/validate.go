package config

import (
	"fmt"
	"strings"

	"github.com/3leaps/gocumulus/internal/observability"
	"github.com/3leaps/gocumulus/pkg/faults"
)

// Validate rejects settings no component could run with.
func (c *Config) Validate() error {
	bad := func(field string, format string, args ...any) error {
		return faults.Configuration("config", field, fmt.Errorf(format, args...))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return bad("server.port", "%d is out of range", c.Server.Port)
	}
	switch strings.ToUpper(c.Logging.Profile) {
	case observability.ProfileStructured, observability.ProfileConsole:
	default:
		return bad("logging.profile", "unknown profile %q", c.Logging.Profile)
	}
	if c.Dispatch.Concurrency < 1 {
		return bad("dispatch.concurrency", "must be at least 1")
	}
	if c.Dispatch.CompletionPollAttempts < 1 {
		return bad("dispatch.completion_poll_attempts", "must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return bad("retry.max_attempts", "must be at least 1")
	}
	switch c.Coordination.Backend {
	case "memory":
	case "etcd":
		if len(c.Coordination.Endpoints) == 0 {
			return bad("coordination.endpoints", "etcd needs at least one endpoint")
		}
	default:
		return bad("coordination.backend", "unknown backend %q (want memory or etcd)", c.Coordination.Backend)
	}
	if !strings.HasPrefix(c.Coordination.Root, "/") {
		return bad("coordination.root", "%q must be absolute", c.Coordination.Root)
	}
	if c.Jobs.Dir == "" {
		return bad("jobs.dir", "must not be empty")
	}
	return nil
}
