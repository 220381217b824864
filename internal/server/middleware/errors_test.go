package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	apperrors "github.com/3leaps/gocumulus/internal/errors"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var out ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRecovery(t *testing.T) {
	cases := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode int
		wantMsg  string
	}{
		{
			name:     "passes through",
			handler:  func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("dispatched")) },
			wantCode: http.StatusOK,
		},
		{
			name:     "string panic",
			handler:  func(http.ResponseWriter, *http.Request) { panic("engine exploded") },
			wantCode: http.StatusInternalServerError,
			wantMsg:  "panic: engine exploded",
		},
		{
			name:     "error panic",
			handler:  func(http.ResponseWriter, *http.Request) { panic(assert.AnError) },
			wantCode: http.StatusInternalServerError,
			wantMsg:  "panic: " + assert.AnError.Error(),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, mw := range []func(http.Handler) http.Handler{Recovery, ErrorHandler} {
				rec := httptest.NewRecorder()
				require.NotPanics(t, func() {
					mw(tc.handler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", nil))
				})
				assert.Equal(t, tc.wantCode, rec.Code)
				if tc.wantMsg == "" {
					assert.Equal(t, "dispatched", rec.Body.String())
					continue
				}
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
				env := decodeEnvelope(t, rec)
				assert.Equal(t, apperrors.CodeInternal, env.Error.Code)
				assert.Equal(t, tc.wantMsg, env.Error.Message)
			}
		})
	}
}

func TestRecovery_CarriesRequestID(t *testing.T) {
	h := RequestID(Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("x") })))
	req := httptest.NewRequest(http.MethodGet, "/v1/nodes", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", decodeEnvelope(t, rec).Error.RequestID)
}

func TestWriteErrorResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErrorResponse(rec, apperrors.HTTPErrorBody{
		Code:      apperrors.CodeBadRequest,
		Message:   "batch is empty",
		RequestID: "req-7",
		Details:   map[string]any{"field": "jobs"},
	}, http.StatusBadRequest)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, apperrors.CodeBadRequest, env.Error.Code)
	assert.Equal(t, "batch is empty", env.Error.Message)
	assert.Equal(t, "req-7", env.Error.RequestID)
	assert.Equal(t, "jobs", env.Error.Details["field"])
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fine", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, int64(http.StatusOK), entries[0].ContextMap()["status"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
}
