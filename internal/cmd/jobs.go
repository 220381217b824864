package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gocumulus/pkg/history"
	"github.com/3leaps/gocumulus/pkg/output"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Query the history of finished jobs",
	Long: `Query the job history database (history.path, by default history.db
under jobs.dir). The dispatch server and in-process submissions record every
finished job there.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List finished jobs as JSONL, newest first",
	Args:  cobra.NoArgs,
	RunE: withHistory(func(ctx context.Context, cmd *cobra.Command, h *history.Store, _ []string) error {
		q := history.Query{Status: jobsStatus, Pattern: jobsMatch, Limit: jobsLimit}
		if jobsSince > 0 {
			q.Since = time.Now().Add(-jobsSince)
		}
		entries, err := h.List(ctx, q)
		if err != nil {
			return err
		}
		w := output.NewJSONLWriter(cmd.OutOrStdout(), uuid.NewString())
		defer func() { _ = w.Close() }()
		for _, e := range entries {
			if err := w.WriteResult(ctx, historyRecord(e)); err != nil {
				return err
			}
		}
		return nil
	}),
}

var jobsShowCmd = &cobra.Command{
	Use:   "show JOB_ID",
	Short: "Print one finished job",
	Args:  cobra.ExactArgs(1),
	RunE: withHistory(func(ctx context.Context, cmd *cobra.Command, h *history.Store, args []string) error {
		e, err := h.Get(ctx, args[0])
		if err != nil {
			return err
		}
		w := output.NewJSONLWriter(cmd.OutOrStdout(), "")
		defer func() { _ = w.Close() }()
		return w.WriteResult(ctx, historyRecord(e))
	}),
}

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete jobs that finished longer ago than --older-than",
	Args:  cobra.NoArgs,
	RunE: withHistory(func(ctx context.Context, cmd *cobra.Command, h *history.Store, _ []string) error {
		if jobsOlderThan <= 0 {
			return errors.New("--older-than must be positive")
		}
		n, err := h.Prune(ctx, time.Now().Add(-jobsOlderThan))
		if err != nil {
			return err
		}
		logger().Info("Pruned job history", zap.Int64("deleted", n))
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	}),
}

var (
	jobsStatus    string
	jobsMatch     string
	jobsSince     time.Duration
	jobsLimit     int
	jobsOlderThan time.Duration
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsPruneCmd)

	f := jobsListCmd.Flags()
	f.StringVar(&jobsStatus, "status", "", "Only jobs with this status (succeeded, failed)")
	f.StringVar(&jobsMatch, "match", "", "Only job ids matching this glob (e.g. 'etl-*')")
	f.DurationVar(&jobsSince, "since", 0, "Only jobs that finished within this long")
	f.IntVar(&jobsLimit, "limit", 0, "Maximum jobs to print (0 for all)")

	jobsPruneCmd.Flags().DurationVar(&jobsOlderThan, "older-than", 0, "Age cutoff, e.g. 720h")
}

func withHistory(fn func(ctx context.Context, cmd *cobra.Command, h *history.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if !loadedCfg.History.Enabled {
			return exitError(foundry.ExitInvalidArgument, "Job history is disabled", errors.New("history.enabled is false"))
		}
		h, err := openHistory(ctx, loadedCfg)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to open job history", err)
		}
		defer func() { _ = h.Close() }()
		if err := fn(ctx, cmd, h, args); err != nil {
			if errors.Is(err, history.ErrNotFound) {
				return exitError(foundry.ExitFileNotFound, "Job not found", err)
			}
			return exitError(1, cmd.CommandPath()+" failed", err)
		}
		return nil
	}
}

func historyRecord(e history.Entry) *output.ResultRecord {
	finished := e.FinishedAt
	rec := &output.ResultRecord{
		JobID:       e.JobID,
		Status:      e.Status,
		Output:      string(e.Output),
		ErrorDetail: e.ErrorDetail,
		ErrorClass:  e.ErrorClass,
		Nodes:       e.Nodes,
		FinishedAt:  &finished,
	}
	if !e.ReceivedAt.IsZero() {
		rec.Duration = e.FinishedAt.Sub(e.ReceivedAt)
	}
	return rec
}
