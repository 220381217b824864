package taskq

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/gocumulus/pkg/queue"
)

// Service is the companion queue service. It keeps the queue and pending
// results in memory.
type Service struct {
	id     string
	q      *queue.Memory
	logger *zap.Logger
	router chi.Router
}

// NewService creates a service with a fresh instance id.
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		id:     uuid.NewString(),
		q:      queue.NewMemory(),
		logger: logger,
	}

	r := chi.NewRouter()
	r.Put("/task", s.putTask)
	r.Get("/task", s.getTask)
	r.Get("/size", s.getSize)
	r.Get("/id", s.getID)
	r.Put("/result/{id}", s.putResult)
	r.Get("/result/{id}", s.getResult)
	s.router = r
	return s
}

func (s *Service) ID() string { return s.id }

func (s *Service) Handler() http.Handler { return s.router }

func (s *Service) Close() error { return s.q.Close() }

func (s *Service) putTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if _, ok := queue.Decode(body); !ok {
		http.Error(w, "body must be a JSON object", http.StatusBadRequest)
		return
	}
	if err := s.q.PushRaw(r.Context(), body); err != nil {
		s.logger.Error("Failed to enqueue task", zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) getTask(w http.ResponseWriter, r *http.Request) {
	data, ok, err := s.q.PopRaw(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Service) getSize(w http.ResponseWriter, r *http.Request) {
	n, _ := s.q.Size(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"size": n})
}

func (s *Service) getID(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"id": s.id})
}

func (s *Service) putResult(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	res, ok := queue.DecodeResult(body)
	if !ok || res.JobID != jobIDParam(r) {
		http.Error(w, "body must be a result for the job in the path", http.StatusBadRequest)
		return
	}
	if err := s.q.PublishResult(r.Context(), res); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) getResult(w http.ResponseWriter, r *http.Request) {
	res, ok, err := s.q.PollResult(r.Context(), jobIDParam(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.Error(w, "no result yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// jobIDParam returns the unescaped {id} segment; chi matches on the raw path.
func jobIDParam(r *http.Request) string {
	raw := chi.URLParam(r, "id")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
