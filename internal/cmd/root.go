// Package cmd is the gocumulus command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gocumulus/internal/config"
	"github.com/3leaps/gocumulus/internal/observability"
	"github.com/3leaps/gocumulus/internal/server/handlers"
)

// VersionInfo is build metadata injected by main.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo = VersionInfo{Version: version, Commit: commit, BuildDate: buildDate}
	handlers.SetVersionInfo(version, commit, buildDate)
}

var appIdentity *config.Identity

// GetAppIdentity returns the identity set up by the root command, or nil
// before it ran.
func GetAppIdentity() *config.Identity { return appIdentity }

var (
	cfgFile    string
	logLevel   string
	logProfile string
	readOnly   bool
	loadedCfg  *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "gocumulus",
	Short: "Dispatch jobs to local execution or remote workers over pluggable storage and queues",
	Long: `gocumulus accepts batches of job descriptors, stages code and inputs from
object storage (S3, GCS, Azure Blob or a local directory), and either runs
each job locally or hands it to remote workers through a queue (Kafka or the
taskq companion service). A coordination store (memory or etcd) tracks the
node table so concurrent batches never share a node.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: search ./gocumulus.yaml, $XDG_CONFIG_HOME/gocumulus, /etc/gocumulus)")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	pf.StringVar(&logProfile, "log-profile", "", "Log profile (STRUCTURED|CONSOLE)")
	pf.BoolVar(&readOnly, "readonly", false, "Refuse storage mutations (also GOCUMULUS_READONLY=1)")
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	id := config.DefaultIdentity
	appIdentity = &id
	config.SetIdentity(id)
	config.SetConfigFile(cfgFile)

	overrides := map[string]any{}
	if logLevel != "" {
		overrides["logging.level"] = logLevel
	}
	if logProfile != "" {
		overrides["logging.profile"] = logProfile
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if _, err := observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	loadedCfg = cfg
	return nil
}

// IsReadOnly reports whether storage mutations are disabled.
func IsReadOnly() bool {
	if readOnly {
		return true
	}
	switch strings.ToLower(os.Getenv("GOCUMULUS_READONLY")) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer observability.Sync()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}

// cliError carries the exit code for a failed command.
type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	if e.err == nil {
		return e.message
	}
	return e.message + ": " + e.err.Error()
}

func (e *cliError) Unwrap() error { return e.err }

// exitError creates an error that makes the CLI exit with code.
func exitError(code int, message string, err error) error {
	return &cliError{code: code, message: message, err: err}
}

func logger() *zap.Logger { return observability.CLILogger }
