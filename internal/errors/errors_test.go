package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gocumulus/pkg/coord"
	"github.com/3leaps/gocumulus/pkg/dispatch"
	"github.com/3leaps/gocumulus/pkg/faults"
	"github.com/3leaps/gocumulus/pkg/storage"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"bad secret", dispatch.ErrBadSecret, http.StatusForbidden, CodeBadSecret},
		{"job not found", fmt.Errorf("lookup: %w", dispatch.ErrJobNotFound), http.StatusNotFound, CodeNotFound},
		{"object not found", storage.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{"duplicate", dispatch.ErrDuplicateJob, http.StatusConflict, CodeConflict},
		{"no capacity", coord.ErrNoCapacity, http.StatusServiceUnavailable, CodeNoCapacity},
		{"closed", dispatch.ErrClosed, http.StatusServiceUnavailable, CodeServiceUnavailable},
		{"invalid job", dispatch.ErrInvalidJob, http.StatusBadRequest, CodeBadRequest},
		{"configuration", faults.Configuration("storage", "name", fmt.Errorf("unknown")), http.StatusBadRequest, CodeConfiguration},
		{"job timeout", &faults.JobTimeoutError{JobID: "j", Attempts: 3}, http.StatusGatewayTimeout, CodeTimeout},
		{"explicit", New(http.StatusTeapot, "TEAPOT", "short and stout"), http.StatusTeapot, "TEAPOT"},
		{"anything else", assert.AnError, http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			he := FromError(tt.err)
			assert.Equal(t, tt.wantStatus, he.Status)
			assert.Equal(t, tt.wantCode, he.Code)
		})
	}
}

func TestRespondWithError(t *testing.T) {
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		RespondWithError(w, r, New(http.StatusBadRequest, CodeBadRequest, "bad").WithDetails(map[string]any{"field": "jobs"}))
	})
	handler = chimw.RequestID(handler)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	req.Header.Set(chimw.RequestIDHeader, "req-7")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeBadRequest, body.Error.Code)
	assert.Equal(t, "bad", body.Error.Message)
	assert.Equal(t, "jobs", body.Error.Details["field"])
	assert.Equal(t, "req-7", body.Error.RequestID)
}

func TestHTTPError_Unwrap(t *testing.T) {
	he := FromError(fmt.Errorf("wrapped: %w", dispatch.ErrBadSecret))
	assert.ErrorIs(t, he, dispatch.ErrBadSecret)
	assert.Contains(t, he.Error(), "bad secret")
}
