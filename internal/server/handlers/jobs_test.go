package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/gocumulus/internal/errors"
	"github.com/3leaps/gocumulus/pkg/dispatch"
	"github.com/3leaps/gocumulus/pkg/history"
	"github.com/3leaps/gocumulus/pkg/node"
)

type fakeEngine struct {
	secret  string
	got     []dispatch.JobDescriptor
	results map[string]dispatch.JobResult
}

func (f *fakeEngine) Submit(_ context.Context, secret string, descs []dispatch.JobDescriptor) ([]dispatch.Submission, error) {
	if secret != f.secret {
		return nil, dispatch.ErrBadSecret
	}
	f.got = descs
	subs := make([]dispatch.Submission, len(descs))
	for i, d := range descs {
		subs[i] = dispatch.Submission{JobID: d.JobID, Disposition: dispatch.DispositionDelegated}
	}
	return subs, nil
}

func (f *fakeEngine) Result(id string) (dispatch.JobResult, bool) {
	r, ok := f.results[id]
	return r, ok
}

func router(api JobsAPI, nodes NodesAPI) http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/jobs", api.Submit)
	r.Get("/v1/jobs", api.List)
	r.Get("/v1/jobs/{id}", api.Get)
	r.Get("/v1/nodes", nodes.List)
	return r
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error.Code
}

func TestJobsAPI_Submit(t *testing.T) {
	eng := &fakeEngine{secret: "s3cret"}
	h := router(JobsAPI{Engine: eng}, NodesAPI{})

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{
			name:     "accepted",
			body:     `{"secret":"s3cret","jobs":[{"job_id":"a","job_type":"remote-queue-exec","max_nodes":2}]}`,
			wantCode: http.StatusAccepted,
		},
		{
			name:     "bad secret",
			body:     `{"secret":"nope","jobs":[{"job_id":"a"}]}`,
			wantCode: http.StatusForbidden,
			wantErr:  apperrors.CodeBadSecret,
		},
		{
			name:     "malformed body",
			body:     `{"secret":`,
			wantCode: http.StatusBadRequest,
			wantErr:  apperrors.CodeBadRequest,
		},
		{
			name:     "unknown field",
			body:     `{"secret":"s3cret","jobs":[{"job_id":"a"}],"priority":1}`,
			wantCode: http.StatusBadRequest,
			wantErr:  apperrors.CodeBadRequest,
		},
		{
			name:     "no jobs",
			body:     `{"secret":"s3cret","jobs":[]}`,
			wantCode: http.StatusBadRequest,
			wantErr:  apperrors.CodeBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(tt.body)))
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, errorCode(t, rec))
			}
		})
	}

	require.Len(t, eng.got, 1)
	assert.Equal(t, dispatch.TypeRemote, eng.got[0].Type)
	assert.Equal(t, 2, eng.got[0].MaxNodes)
}

func TestJobsAPI_Get(t *testing.T) {
	eng := &fakeEngine{results: map[string]dispatch.JobResult{
		"done": {JobID: "done", Status: dispatch.StatusFailed, ErrorDetail: "boom", ErrorClass: "permanent", Err: errors.New("boom")},
	}}
	h := router(JobsAPI{Engine: eng}, NodesAPI{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/done", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var view JobView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, dispatch.StatusFailed, view.Status)
	assert.Equal(t, "boom", view.ErrorDetail)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeNotFound, errorCode(t, rec))
}

func TestJobsAPI_List(t *testing.T) {
	ctx := context.Background()
	store, err := history.Open(ctx, history.Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(ctx, history.Entry{JobID: "etl-1", JobType: "local-exec", Status: "succeeded", Output: []byte("ok"), FinishedAt: base}))
	require.NoError(t, store.Record(ctx, history.Entry{JobID: "etl-2", JobType: "local-exec", Status: "failed", ErrorDetail: "boom", FinishedAt: base.Add(time.Hour)}))
	require.NoError(t, store.Record(ctx, history.Entry{JobID: "other", JobType: "local-exec", Status: "succeeded", FinishedAt: base.Add(2 * time.Hour)}))

	h := router(JobsAPI{Engine: &fakeEngine{}, History: store}, NodesAPI{})

	list := func(t *testing.T, query string) []JobView {
		t.Helper()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs"+query, nil))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var body struct {
			Jobs []JobView `json:"jobs"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		return body.Jobs
	}

	assert.Len(t, list(t, ""), 3)

	etl := list(t, "?match=etl-*")
	require.Len(t, etl, 2)
	assert.Equal(t, "etl-2", etl[0].JobID)
	assert.Equal(t, dispatch.StatusFailed, etl[0].Status)

	ok := list(t, "?status=succeeded&limit=1")
	require.Len(t, ok, 1)
	assert.Equal(t, "other", ok[0].JobID)

	recent := list(t, "?since="+base.Add(30*time.Minute).Format(time.RFC3339))
	assert.Len(t, recent, 2)

	for _, q := range []string{"?since=yesterday", "?limit=-1", "?match=%5B"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec := httptest.NewRecorder()
	router(JobsAPI{Engine: &fakeEngine{}}, NodesAPI{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type nodeTable []*node.Record

func (n nodeTable) Nodes(context.Context) ([]*node.Record, error) { return n, nil }

func TestNodesAPI_List(t *testing.T) {
	h := router(JobsAPI{}, NodesAPI{Nodes: nodeTable{
		node.New("54.0.0.1", "10.0.0.1", "i-1", "aws", node.RoleCompute),
		node.New("54.0.0.2", "10.0.0.2", "i-2", "aws"),
	}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/nodes", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Nodes []struct {
			PublicIP string   `json:"public_ip"`
			Roles    []string `json:"roles"`
		} `json:"nodes"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Nodes, 2)
	assert.Equal(t, []string{"compute"}, body.Nodes[0].Roles)
	assert.Equal(t, []string{"open"}, body.Nodes[1].Roles)

	h = router(JobsAPI{}, NodesAPI{})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/nodes", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
