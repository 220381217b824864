package cmd

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
)

// runCLI executes the root command with args in an isolated environment and
// returns what it wrote to stdout.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("GOCUMULUS_JOBS_DIR", t.TempDir())
	t.Cleanup(resetCLIState)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// resetCLIState clears flag-bound globals between executions.
func resetCLIState() {
	cfgFile, logLevel, logProfile, readOnly = "", "", "", false
	storageBackend, storageDest, storageFrom = "", "", ""
	storageCreds = map[string]string{}
	submitFile, submitSecret, submitOutput, submitServer = "", "", "", ""
	submitNoWait = false
	workerQueue, workerNode, workerCores = "", "", 0
	workerCreds = map[string]string{}
	registerPrivateIP, registerInstanceID, registerCloudTag = "", "", ""
	registerRoles, registerLease, registerFromIMDS = nil, 0, false
	jobsStatus, jobsMatch, jobsSince, jobsLimit, jobsOlderThan = "", "", 0, 0, 0
	nodesCoordinator = newCoordinator
	apiHTTPClient = defaultAPIHTTPClient
}
