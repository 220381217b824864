package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/gocumulus/internal/errors"
	"github.com/3leaps/gocumulus/pkg/dispatch"
	"github.com/3leaps/gocumulus/pkg/faults"
	"github.com/3leaps/gocumulus/pkg/history"
	"github.com/3leaps/gocumulus/pkg/node"
	"github.com/3leaps/gocumulus/pkg/output"
)

// MaxSubmitBytes caps a submission body.
const MaxSubmitBytes = 4 << 20

// Dispatcher is the part of dispatch.Engine the API drives.
type Dispatcher interface {
	Submit(ctx context.Context, secret string, descs []dispatch.JobDescriptor) ([]dispatch.Submission, error)
	Result(jobID string) (dispatch.JobResult, bool)
}

// JobHistory lists finished jobs, including those from earlier runs.
type JobHistory interface {
	List(ctx context.Context, q history.Query) ([]history.Entry, error)
}

// NodeLister is the part of coord.Coordinator the API reads.
type NodeLister interface {
	Nodes(ctx context.Context) ([]*node.Record, error)
}

// SubmitRequest is the body of POST /v1/jobs.
type SubmitRequest struct {
	Secret string                   `json:"secret"`
	Jobs   []dispatch.JobDescriptor `json:"jobs"`
}

// SubmitResponse lists one disposition per submitted job, in order.
type SubmitResponse struct {
	Jobs []dispatch.Submission `json:"jobs"`
}

// JobView is a JobResult with its output rendered as text.
type JobView struct {
	JobID       string          `json:"job_id"`
	Status      dispatch.Status `json:"status"`
	Output      string          `json:"output,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	ErrorClass  faults.Class    `json:"error_class,omitempty"`
	Nodes       []string        `json:"nodes,omitempty"`
}

// JobsAPI serves job submission and lookup.
type JobsAPI struct {
	Engine  Dispatcher
	History JobHistory
}

// Submit handles POST /v1/jobs.
func (a JobsAPI) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxSubmitBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondWithError(w, r, apperrors.New(http.StatusBadRequest, apperrors.CodeBadRequest, fmt.Sprintf("invalid submission body: %v", err)))
		return
	}
	if len(req.Jobs) == 0 {
		respondWithError(w, r, apperrors.New(http.StatusBadRequest, apperrors.CodeBadRequest, "jobs must not be empty"))
		return
	}

	subs, err := a.Engine.Submit(r.Context(), req.Secret, req.Jobs)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{Jobs: subs})
}

// Get handles GET /v1/jobs/{id}.
func (a JobsAPI) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, ok := a.Engine.Result(id)
	if !ok {
		respondWithError(w, r, fmt.Errorf("%w: %s", dispatch.ErrJobNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, JobView{
		JobID:       res.JobID,
		Status:      res.Status,
		Output:      string(res.Output),
		ErrorDetail: res.ErrorDetail,
		ErrorClass:  res.ErrorClass,
		Nodes:       res.Nodes,
	})
}

// List handles GET /v1/jobs. Query parameters status, match (a glob on job
// ids), since (RFC 3339) and limit filter the finished jobs.
func (a JobsAPI) List(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		respondWithError(w, r, apperrors.New(http.StatusNotFound, apperrors.CodeNotFound, "job history is disabled"))
		return
	}
	q, err := historyQuery(r)
	if err != nil {
		respondWithError(w, r, apperrors.New(http.StatusBadRequest, apperrors.CodeBadRequest, err.Error()))
		return
	}
	entries, err := a.History.List(r.Context(), q)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	out := make([]JobView, 0, len(entries))
	for _, e := range entries {
		out = append(out, JobView{
			JobID:       e.JobID,
			Status:      dispatch.Status(e.Status),
			Output:      string(e.Output),
			ErrorDetail: e.ErrorDetail,
			ErrorClass:  faults.Class(e.ErrorClass),
			Nodes:       e.Nodes,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func historyQuery(r *http.Request) (history.Query, error) {
	v := r.URL.Query()
	q := history.Query{Status: v.Get("status"), Pattern: v.Get("match")}
	if q.Pattern != "" && !doublestar.ValidatePattern(q.Pattern) {
		return q, fmt.Errorf("invalid match pattern: %s", q.Pattern)
	}
	if s := v.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, fmt.Errorf("invalid since: %w", err)
		}
		q.Since = t
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, fmt.Errorf("invalid limit: %q", s)
		}
		q.Limit = n
	}
	return q, nil
}

// NodesAPI serves the node table.
type NodesAPI struct {
	Nodes NodeLister
}

// List handles GET /v1/nodes.
func (a NodesAPI) List(w http.ResponseWriter, r *http.Request) {
	if a.Nodes == nil {
		respondWithError(w, r, apperrors.New(http.StatusNotFound, apperrors.CodeNotFound, "no coordinator configured"))
		return
	}
	all, err := a.Nodes.Nodes(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	out := make([]*output.NodeRecord, 0, len(all))
	for _, n := range all {
		out = append(out, output.NodeRecordFrom(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": out})
}
