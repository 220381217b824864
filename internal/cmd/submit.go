package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gocumulus/pkg/dispatch"
	"github.com/3leaps/gocumulus/pkg/manifest"
	"github.com/3leaps/gocumulus/pkg/output"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a batch manifest",
	Long: `Submit every job in a batch manifest and report dispositions and results
as JSONL records.

Without --server the jobs are dispatched in-process using this machine's
configuration, and submit always waits for them. With --server the manifest
is posted to a running 'gocumulus serve' and results are polled from it.

Examples:
  gocumulus submit -f batch.yaml --secret s3cret
  gocumulus submit -f batch.yaml --server http://dispatch:8080 --no-wait
  gocumulus submit -f batch.yaml --output file:results.jsonl`,
	RunE: runSubmit,
}

var (
	submitFile   string
	submitSecret string
	submitOutput string
	submitNoWait bool
	submitServer string
)

func init() {
	rootCmd.AddCommand(submitCmd)
	f := submitCmd.Flags()
	f.StringVarP(&submitFile, "file", "f", "", "Batch manifest (YAML or JSON)")
	f.StringVar(&submitSecret, "secret", "", "Submission secret (default: dispatch.secret)")
	f.StringVar(&submitOutput, "output", "", "Output destination: stdout or file:PATH (overrides the manifest)")
	f.BoolVar(&submitNoWait, "no-wait", false, "Return after dispositions instead of waiting for results")
	f.StringVar(&submitServer, "server", "", "Submit to a running server at this base URL")
	_ = submitCmd.MarkFlagRequired("file")
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := loadedCfg
	started := time.Now()

	m, err := manifest.Load(submitFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(foundry.ExitFileNotFound, "Manifest not found", err)
		}
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	dest := m.Output.Destination
	if submitOutput != "" {
		dest = submitOutput
	}
	w, closeOut, err := openDestination(dest, cmd.OutOrStdout())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open output", err)
	}
	defer closeOut()
	records := output.NewJSONLWriter(w, uuid.NewString())
	defer func() { _ = records.Close() }()

	secret := submitSecret
	if secret == "" {
		secret = cfg.Dispatch.Secret
	}
	descs := m.Descriptors(started.UTC())
	wait := m.Output.WaitEnabled() && !submitNoWait

	var sum *output.SummaryRecord
	if submitServer != "" {
		api, err := newAPIClient(submitServer)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --server", err)
		}
		sum, err = submitRemote(ctx, api, secret, descs, records, wait, cfg.Dispatch.CompletionPollAttempts, cfg.Dispatch.CompletionPollInterval)
		if err != nil {
			return submitFailure(err)
		}
	} else {
		sum, err = submitLocal(ctx, secret, descs, records)
		if err != nil {
			return submitFailure(err)
		}
	}

	sum.Duration = time.Since(started)
	sum.DurationHuman = sum.Duration.Round(time.Millisecond).String()
	if err := records.WriteSummary(ctx, sum); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write summary", err)
	}
	logger().Info("Batch submitted",
		zap.Int("jobs", sum.Jobs),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
		zap.Int("delegated", sum.Delegated))

	if sum.Failed > 0 {
		return exitError(1, fmt.Sprintf("%d of %d jobs failed", sum.Failed, sum.Jobs), nil)
	}
	return nil
}

func submitFailure(err error) error {
	switch {
	case errors.Is(err, dispatch.ErrBadSecret):
		return exitError(foundry.ExitInvalidArgument, "Submission refused", err)
	case errors.Is(err, errServerUnavailable):
		return exitError(foundry.ExitExternalServiceUnavailable, "Server unavailable", err)
	}
	return exitError(1, "Submission failed", err)
}

// submitLocal dispatches descs in-process and waits for every accepted job.
func submitLocal(ctx context.Context, secret string, descs []dispatch.JobDescriptor, records output.Writer) (*output.SummaryRecord, error) {
	cfg := loadedCfg

	coordinator, err := newCoordinator(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = coordinator.Close() }()
	cache := newBackendCache(cfg)
	defer func() { _ = cache.Close() }()
	hist, err := openHistory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if hist != nil {
		defer func() { _ = hist.Close() }()
	}

	engine, err := newEngine(cfg, engineDeps{cache: cache, coord: coordinator, records: records, history: hist})
	if err != nil {
		return nil, err
	}
	defer func() { _ = closeWithin(cfg.Server.ShutdownTimeout, engine.Close) }()

	subs, err := engine.Submit(ctx, secret, descs)
	if err != nil {
		return nil, err
	}

	sum := &output.SummaryRecord{Jobs: len(subs)}
	for _, s := range subs {
		if s.Disposition == dispatch.DispositionRejected {
			sum.Failed++
			continue
		}
		res, err := engine.Wait(ctx, s.JobID)
		if err != nil {
			return nil, err
		}
		tally(sum, res.Status)
	}
	return sum, nil
}

// submitRemote posts descs to a server and, when wait is set, polls each
// accepted job until it is terminal.
func submitRemote(ctx context.Context, api *apiClient, secret string, descs []dispatch.JobDescriptor, records output.Writer, wait bool, attempts int, interval time.Duration) (*output.SummaryRecord, error) {
	subs, err := api.Submit(ctx, secret, descs)
	if err != nil {
		return nil, err
	}

	sum := &output.SummaryRecord{Jobs: len(subs)}
	for _, s := range subs {
		if err := records.WriteDisposition(ctx, &output.DispositionRecord{
			JobID:       s.JobID,
			Disposition: string(s.Disposition),
			Nodes:       s.Nodes,
			Error:       s.ErrorDetail,
		}); err != nil {
			return nil, err
		}
	}

	for _, s := range subs {
		if s.Disposition == dispatch.DispositionRejected {
			sum.Failed++
			continue
		}
		if !wait {
			sum.Delegated++
			continue
		}
		view, err := api.WaitJob(ctx, s.JobID, attempts, interval)
		if err != nil {
			return nil, err
		}
		if err := records.WriteResult(ctx, &output.ResultRecord{
			JobID:       view.JobID,
			Status:      string(view.Status),
			Output:      view.Output,
			ErrorDetail: view.ErrorDetail,
			ErrorClass:  string(view.ErrorClass),
		}); err != nil {
			return nil, err
		}
		tally(sum, view.Status)
	}
	return sum, nil
}

func tally(sum *output.SummaryRecord, st dispatch.Status) {
	switch st {
	case dispatch.StatusSucceeded:
		sum.Succeeded++
	case dispatch.StatusFailed:
		sum.Failed++
	default:
		sum.Delegated++
	}
}

// openDestination resolves "stdout" or "file:PATH".
func openDestination(dest string, stdout io.Writer) (io.Writer, func(), error) {
	switch {
	case dest == "" || dest == "stdout":
		return stdout, func() {}, nil
	case strings.HasPrefix(dest, "file:"):
		path := strings.TrimPrefix(dest, "file:")
		if path == "" {
			return nil, nil, errors.New("file destination needs a path")
		}
		f, err := os.Create(path)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { _ = f.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported output destination %q (use stdout or file:PATH)", dest)
}
