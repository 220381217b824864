package jobregistry

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_WriteGetList(t *testing.T) {
	s := NewStore(t.TempDir())
	t1 := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	require.NoError(t, s.Write(&JobRecord{
		JobID:          "job-1",
		Type:           "local-exec",
		State:          JobStateStaged,
		CodeLocation:   "/b/code.py",
		OutputLocation: "/b/out.txt",
		Backends:       Backends{Storage: "s3"},
		CreatedAt:      t1,
		StartedAt:      &t1,
	}))
	require.NoError(t, s.Write(&JobRecord{JobID: "job-2", State: JobStateDelegated, CreatedAt: t2}))

	got, err := s.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStateStaged, got.State)
	assert.Equal(t, "s3", got.Backends.Storage)
	assert.FileExists(t, s.JobPath("job-1"))

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "job-2", all[0].JobID, "newest first")

	empty, err := NewStore(t.TempDir() + "/absent").List()
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStore_Transition(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Write(&JobRecord{JobID: "j", State: JobStateReceived, CreatedAt: time.Now().UTC()}))

	rec, err := s.Transition("j", JobStateExecuting, "")
	require.NoError(t, err)
	assert.Equal(t, JobStateExecuting, rec.State)
	assert.NotNil(t, rec.StartedAt)
	assert.Nil(t, rec.EndedAt)

	rec, err = s.Transition("j", JobStateFailed, "exit status 3")
	require.NoError(t, err)
	assert.True(t, rec.State.Terminal())
	assert.NotNil(t, rec.EndedAt)
	assert.NotNil(t, rec.UpdatedAt)

	got, err := s.Get("j")
	require.NoError(t, err)
	assert.Equal(t, "exit status 3", got.Error)
}

func TestStore_Errors(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = s.Get("../etc")
	assert.ErrorIs(t, err, ErrInvalidJobID)

	assert.ErrorIs(t, s.Write(&JobRecord{JobID: ".."}), ErrInvalidJobID)
	assert.Error(t, s.Write(&JobRecord{}))
	assert.Error(t, s.Write(nil))
	assert.Error(t, NewStore(" ").Write(&JobRecord{JobID: "x"}))

	_, err = s.Transition("missing", JobStateFailed, "")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStore_ZombieBecomesUnknown(t *testing.T) {
	s := NewStore(t.TempDir())
	// PIDs this large are never allocated on Linux.
	require.NoError(t, s.Write(&JobRecord{JobID: "z", State: JobStateExecuting, PID: 1 << 30}))

	got, err := s.Get("z")
	require.NoError(t, err)
	assert.Equal(t, JobStateUnknown, got.State)
}

func TestStore_ListSkipsJunk(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	require.NoError(t, s.Write(&JobRecord{JobID: "ok", State: JobStateSucceeded}))
	require.NoError(t, os.MkdirAll(s.JobDir("empty"), 0o755))
	require.NoError(t, os.WriteFile(root+"/stray.txt", []byte("x"), 0o644))

	got, err := s.List()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].JobID)
}
