package jobregistry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultInterpreters maps staged code extensions to the program that runs
// them. Code with any other extension is executed directly.
var DefaultInterpreters = map[string]string{
	".py": "python3",
	".rb": "ruby",
	".sh": "sh",
}

// Execution describes one run of staged code.
type Execution struct {
	JobID string

	// Code is the local path of the staged program.
	Code string
	Args []string

	// Dir is the working directory. Default: the job's work dir.
	Dir string

	// Env is appended to the current environment.
	Env []string
}

// ExecResult is what a finished process left behind.
type ExecResult struct {
	PID       int
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	StartedAt time.Time
	EndedAt   time.Time
}

func (r *ExecResult) Succeeded() bool { return r.ExitCode == 0 }

// Executor runs staged code as a child process, capturing stdout/stderr both
// in memory and in per-job log files.
type Executor struct {
	store        *Store
	interpreters map[string]string
	logger       *zap.Logger
}

func NewExecutor(store *Store, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{store: store, interpreters: DefaultInterpreters, logger: logger}
}

// WithInterpreter overrides the program used for ext.
func (e *Executor) WithInterpreter(ext, program string) *Executor {
	m := make(map[string]string, len(e.interpreters)+1)
	for k, v := range e.interpreters {
		m[k] = v
	}
	m[ext] = program
	e.interpreters = m
	return e
}

func (e *Executor) Store() *Store {
	return e.store
}

func (e *Executor) StdoutPath(jobID string) string {
	return filepath.Join(e.store.JobDir(jobID), "stdout.log")
}

func (e *Executor) StderrPath(jobID string) string {
	return filepath.Join(e.store.JobDir(jobID), "stderr.log")
}

// Command returns the program and arguments that run code.
func (e *Executor) Command(code string, args []string) (string, []string) {
	ext := strings.ToLower(filepath.Ext(code))
	if program, ok := e.interpreters[ext]; ok {
		return program, append([]string{code}, args...)
	}
	return code, args
}

// Run executes x and waits for it. A non-zero exit is reported in the result,
// not as an error; errors mean the process could not be run at all.
func (e *Executor) Run(ctx context.Context, x Execution) (*ExecResult, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}
	if strings.TrimSpace(x.Code) == "" {
		return nil, fmt.Errorf("code path is required")
	}
	id, err := checkJobID(x.JobID)
	if err != nil {
		return nil, err
	}
	x.JobID = id

	jobDir := e.store.JobDir(x.JobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}
	stdoutFile, err := os.Create(e.StdoutPath(x.JobID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(e.StderrPath(x.JobID))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	program, args := e.Command(x.Code, x.Args)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Stdout = io.MultiWriter(&stdout, stdoutFile)
	cmd.Stderr = io.MultiWriter(&stderr, stderrFile)
	cmd.Env = append(os.Environ(), x.Env...)
	cmd.Dir = x.Dir
	if cmd.Dir == "" {
		cmd.Dir = e.store.WorkDir(x.JobID)
		if err := os.MkdirAll(cmd.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
	}

	res := &ExecResult{StartedAt: time.Now().UTC()}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", program, err)
	}
	res.PID = cmd.Process.Pid
	e.logger.Debug("job process started",
		zap.String("job_id", x.JobID),
		zap.String("program", program),
		zap.Int("pid", res.PID))

	if _, err := e.store.Update(x.JobID, func(r *JobRecord) {
		r.PID = res.PID
		r.StdoutPath = e.StdoutPath(x.JobID)
		r.StderrPath = e.StderrPath(x.JobID)
	}); err != nil && !errors.Is(err, ErrJobNotFound) {
		e.logger.Warn("could not record job pid", zap.String("job_id", x.JobID), zap.Error(err))
	}

	waitErr := cmd.Wait()
	res.EndedAt = time.Now().UTC()
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("wait for %s: %w", program, waitErr)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}
