package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrInvalidJobID = errors.New("invalid job id")
)

// Store keeps one directory per job under root:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/stdout.log
//	<root>/<job_id>/stderr.log
//	<root>/<job_id>/work/
//
// Record writes are serialised, so concurrent jobs can share a Store.
type Store struct {
	root string
	mu   sync.Mutex
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) JobDir(jobID string) string  { return filepath.Join(s.root, jobID) }
func (s *Store) WorkDir(jobID string) string { return filepath.Join(s.JobDir(jobID), "work") }
func (s *Store) JobPath(jobID string) string { return filepath.Join(s.JobDir(jobID), "job.json") }

func checkJobID(jobID string) (string, error) {
	id := strings.TrimSpace(jobID)
	switch {
	case id == "":
		return "", fmt.Errorf("job_id is required")
	case id == "." || id == ".." || strings.ContainsAny(id, `/\`):
		return "", fmt.Errorf("%w: %q", ErrInvalidJobID, id)
	}
	return id, nil
}

// Write replaces the record for record.JobID. The file is swapped in by
// rename so readers never see a partial record.
func (s *Store) Write(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	id, err := checkJobID(record.JobID)
	if err != nil {
		return err
	}
	if s.root == "" {
		return fmt.Errorf("job registry root dir is empty")
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.JobDir(id), "job.json", append(data, '\n'))
}

func writeAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// Update loads a record, applies fn, stamps UpdatedAt and writes it back.
func (s *Store) Update(jobID string, fn func(*JobRecord)) (*JobRecord, error) {
	rec, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}
	fn(rec)
	now := time.Now().UTC()
	rec.UpdatedAt = &now
	if err := s.Write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Transition moves a job to state, recording errMsg on failure and EndedAt on
// terminal states.
func (s *Store) Transition(jobID string, state JobState, errMsg string) (*JobRecord, error) {
	return s.Update(jobID, func(r *JobRecord) {
		r.State = state
		if errMsg != "" {
			r.Error = errMsg
		}
		now := time.Now().UTC()
		if state == JobStateExecuting || state == JobStateDelegated {
			r.StartedAt = &now
		}
		if state.Terminal() {
			r.EndedAt = &now
		}
	})
}

// Get loads a record. A record left executing by a process that no longer
// exists is rewritten as unknown.
func (s *Store) Get(jobID string) (*JobRecord, error) {
	id, err := checkJobID(jobID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.JobPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("job.json is empty")
	}

	var rec JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}

	if rec.State == JobStateExecuting && rec.PID > 0 && !processAlive(rec.PID) {
		rec.State = JobStateUnknown
		now := time.Now().UTC()
		rec.UpdatedAt = &now
		_ = s.Write(&rec)
	}
	return &rec, nil
}

// List returns every readable record, most recently started first.
// Directories without a valid job.json are skipped.
func (s *Store) List() ([]JobRecord, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if r, err := s.Get(e.Name()); err == nil {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return sortTime(out[i]).After(sortTime(out[j]))
	})
	return out, nil
}

func sortTime(r JobRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
