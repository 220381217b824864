package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits one JSONL record per call. Implementations are safe for
// concurrent use and never interleave lines.
type Writer interface {
	WriteDisposition(ctx context.Context, d *DispositionRecord) error
	WriteResult(ctx context.Context, r *ResultRecord) error
	WriteError(ctx context.Context, jobID string, err *ErrorRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error
	WritePreflight(ctx context.Context, preflight *PreflightRecord) error
	WriteNode(ctx context.Context, n *NodeRecord) error

	Close() error
}

// JSONLWriter wraps an io.Writer in the record envelope.
type JSONLWriter struct {
	mu      sync.Mutex
	w       io.Writer
	batchID string
	closed  bool
}

// NewJSONLWriter stamps batchID, which may be empty, on every record.
func NewJSONLWriter(w io.Writer, batchID string) *JSONLWriter {
	return &JSONLWriter{w: w, batchID: batchID}
}

func (jw *JSONLWriter) WriteDisposition(ctx context.Context, d *DispositionRecord) error {
	return jw.emit(ctx, TypeDisposition, d.JobID, d)
}

func (jw *JSONLWriter) WriteResult(ctx context.Context, r *ResultRecord) error {
	return jw.emit(ctx, TypeResult, r.JobID, r)
}

// WriteError emits an error record, optionally tied to a job.
func (jw *JSONLWriter) WriteError(ctx context.Context, jobID string, err *ErrorRecord) error {
	return jw.emit(ctx, TypeError, jobID, err)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.emit(ctx, TypeSummary, "", sum)
}

func (jw *JSONLWriter) WritePreflight(ctx context.Context, p *PreflightRecord) error {
	return jw.emit(ctx, TypePreflight, p.JobID, p)
}

func (jw *JSONLWriter) WriteNode(ctx context.Context, n *NodeRecord) error {
	return jw.emit(ctx, TypeNode, "", n)
}

// Close stops further writes. The underlying writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	jw.closed = true
	jw.mu.Unlock()
	return nil
}

func (jw *JSONLWriter) emit(ctx context.Context, recordType, jobID string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}

	line, err := json.Marshal(Record{
		Type:    recordType,
		TS:      time.Now().UTC(),
		BatchID: jw.batchID,
		JobID:   jobID,
		Data:    payload,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}
	if err := writeFull(jw.w, append(line, '\n')); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeFull loops over short writes so a line is never truncated.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
