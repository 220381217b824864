package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrNotFound is returned by Get for a job id with no recorded result.
var ErrNotFound = errors.New("job result not found")

// Fixed-width UTC layout so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one finished job.
type Entry struct {
	JobID          string    `json:"job_id"`
	JobType        string    `json:"job_type"`
	Status         string    `json:"status"`
	Output         []byte    `json:"output,omitempty"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
	ErrorClass     string    `json:"error_class,omitempty"`
	Nodes          []string  `json:"nodes,omitempty"`
	StorageBackend string    `json:"storage_backend,omitempty"`
	QueueBackend   string    `json:"queue_backend,omitempty"`
	ReceivedAt     time.Time `json:"received_at,omitempty"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Query filters List. Zero values match everything.
type Query struct {
	Status string

	// Pattern is a doublestar glob matched against job ids.
	Pattern string

	Since time.Time
	Until time.Time

	// Limit applies after the pattern filter.
	Limit int
}

// Store is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) and migrates a history database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record upserts e. A job that is recorded twice keeps the later result.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now()
	}
	nodes, err := json.Marshal(e.Nodes)
	if err != nil {
		return fmt.Errorf("encode nodes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_results (
			job_id, job_type, status, output, error_detail, error_class,
			nodes, storage_backend, queue_backend, received_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			job_type = excluded.job_type,
			status = excluded.status,
			output = excluded.output,
			error_detail = excluded.error_detail,
			error_class = excluded.error_class,
			nodes = excluded.nodes,
			storage_backend = excluded.storage_backend,
			queue_backend = excluded.queue_backend,
			received_at = excluded.received_at,
			finished_at = excluded.finished_at`,
		e.JobID, e.JobType, e.Status, e.Output,
		nullString(e.ErrorDetail), nullString(e.ErrorClass),
		string(nodes), nullString(e.StorageBackend), nullString(e.QueueBackend),
		formatTime(e.ReceivedAt), e.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record job %s: %w", e.JobID, err)
	}
	return nil
}

const selectColumns = `SELECT job_id, job_type, status, output, error_detail, error_class,
	nodes, storage_backend, queue_backend, received_at, finished_at
	FROM job_results`

func (s *Store) Get(ctx context.Context, jobID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE job_id = ?`, jobID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return e, nil
}

// List returns matching entries, most recently finished first.
func (s *Store) List(ctx context.Context, q Query) ([]Entry, error) {
	if q.Pattern != "" && !doublestar.ValidatePattern(q.Pattern) {
		return nil, fmt.Errorf("invalid glob pattern: %s", q.Pattern)
	}

	query := selectColumns + ` WHERE 1 = 1`
	var args []interface{}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, q.Status)
	}
	if !q.Since.IsZero() {
		query += ` AND finished_at >= ?`
		args = append(args, q.Since.UTC().Format(timeLayout))
	}
	if !q.Until.IsZero() {
		query += ` AND finished_at < ?`
		args = append(args, q.Until.UTC().Format(timeLayout))
	}
	query += ` ORDER BY finished_at DESC, job_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query job results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if q.Pattern != "" {
			if ok, _ := doublestar.Match(q.Pattern, e.JobID); !ok {
				continue
			}
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// Prune deletes entries that finished before cutoff and reports how many.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_results WHERE finished_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune job results: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e                          Entry
		output                     []byte
		errDetail, errClass, nodes sql.NullString
		storageKind, queueKind     sql.NullString
		receivedAt                 sql.NullString
		finishedAt                 string
	)
	if err := sc.Scan(&e.JobID, &e.JobType, &e.Status, &output, &errDetail, &errClass,
		&nodes, &storageKind, &queueKind, &receivedAt, &finishedAt); err != nil {
		return Entry{}, err
	}
	if len(output) > 0 {
		e.Output = append([]byte(nil), output...)
	}
	e.ErrorDetail = errDetail.String
	e.ErrorClass = errClass.String
	e.StorageBackend = storageKind.String
	e.QueueBackend = queueKind.String
	if nodes.Valid && nodes.String != "" {
		if err := json.Unmarshal([]byte(nodes.String), &e.Nodes); err != nil {
			return Entry{}, fmt.Errorf("decode nodes: %w", err)
		}
	}
	if receivedAt.Valid {
		if t, err := time.Parse(timeLayout, receivedAt.String); err == nil {
			e.ReceivedAt = t
		}
	}
	t, err := time.Parse(timeLayout, finishedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parse finished_at: %w", err)
	}
	e.FinishedAt = t
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}
