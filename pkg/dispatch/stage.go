package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/3leaps/gocumulus/pkg/jobregistry"
	"github.com/3leaps/gocumulus/pkg/storage"
)

// staged is a job whose code and inputs sit in its work dir.
type staged struct {
	workDir string
	code    string
	args    []string
}

// stage copies code and inputs into workDir, keeping each object's
// bucket/key layout so same-named objects never collide, and rewrites argv
// entries that name an input (or the code) to the local copy.
func stage(ctx context.Context, sb *storage.Backend, workDir string, code storage.URI, inputs []storage.URI, argv []string) (*staged, error) {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	local := make(map[string]string, len(inputs)+1)
	fetch := func(u storage.URI) (string, error) {
		rel := filepath.FromSlash(u.Bucket + "/" + u.Key)
		if !filepath.IsLocal(rel) {
			return "", fmt.Errorf("%w: %s escapes the work dir", ErrInvalidJob, u)
		}
		dest := filepath.Join(workDir, rel)
		if err := sb.Fetch(ctx, u, dest); err != nil {
			return "", err
		}
		local[u.String()] = dest
		return dest, nil
	}

	codePath, err := fetch(code)
	if err != nil {
		return nil, err
	}
	for _, in := range inputs {
		if _, err := fetch(in); err != nil {
			return nil, err
		}
	}

	args := make([]string, len(argv))
	for i, a := range argv {
		if p, ok := local[a]; ok {
			args[i] = p
			continue
		}
		args[i] = a
	}
	return &staged{workDir: workDir, code: codePath, args: args}, nil
}

// executionMetadata is written next to the output when metadata output is on.
type executionMetadata struct {
	JobID     string        `json:"job_id"`
	Node      string        `json:"node,omitempty"`
	ExitCode  int           `json:"exit_code"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration_ns"`
	Stderr    string        `json:"stderr,omitempty"`
}

func writeMetadata(ctx context.Context, sb *storage.Backend, out storage.URI, jobID, node string, res *jobregistry.ExecResult) error {
	meta := executionMetadata{
		JobID:     jobID,
		Node:      node,
		ExitCode:  res.ExitCode,
		StartedAt: res.StartedAt.UTC(),
		EndedAt:   res.EndedAt.UTC(),
		Duration:  res.EndedAt.Sub(res.StartedAt),
		Stderr:    string(res.Stderr),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return sb.Put(ctx, out.WithSuffix(".meta.json"), data)
}
