package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gocumulus/pkg/faults"
	"github.com/3leaps/gocumulus/pkg/history"
)

// ResultHistory persists finished results beyond the engine's lifetime.
// *history.Store implements it.
type ResultHistory interface {
	Record(ctx context.Context, e history.Entry) error
	Get(ctx context.Context, jobID string) (history.Entry, error)
}

func historyEntry(d JobDescriptor, res JobResult, finishedAt time.Time) history.Entry {
	return history.Entry{
		JobID:          d.JobID,
		JobType:        string(d.Type),
		Status:         string(res.Status),
		Output:         res.Output,
		ErrorDetail:    res.ErrorDetail,
		ErrorClass:     string(res.ErrorClass),
		Nodes:          res.Nodes,
		StorageBackend: d.StorageBackend,
		QueueBackend:   d.QueueBackend,
		ReceivedAt:     d.ReceivedAt,
		FinishedAt:     finishedAt,
	}
}

func resultFromHistory(e history.Entry) JobResult {
	return JobResult{
		JobID:       e.JobID,
		Status:      Status(e.Status),
		Output:      e.Output,
		ErrorDetail: e.ErrorDetail,
		ErrorClass:  faults.Class(e.ErrorClass),
		Nodes:       e.Nodes,
	}
}

func (e *Engine) recordHistory(ctx context.Context, j *job, res JobResult) {
	if e.cfg.History == nil {
		return
	}
	// Close may have cancelled ctx; the result is final either way.
	ctx = context.WithoutCancel(ctx)
	if err := e.cfg.History.Record(ctx, historyEntry(j.desc, res, e.clock.Now())); err != nil {
		e.logger.Warn("record job history", zap.String("job_id", j.desc.JobID), zap.Error(err))
	}
}

func (e *Engine) fromHistory(jobID string) (JobResult, bool) {
	if e.cfg.History == nil {
		return JobResult{}, false
	}
	entry, err := e.cfg.History.Get(context.Background(), jobID)
	if err != nil {
		return JobResult{}, false
	}
	return resultFromHistory(entry), true
}
