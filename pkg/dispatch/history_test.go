package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gocumulus/pkg/history"
)

type memHistory struct {
	mu      sync.Mutex
	entries map[string]history.Entry
}

func (m *memHistory) Record(_ context.Context, e history.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = map[string]history.Entry{}
	}
	m.entries[e.JobID] = e
	return nil
}

func (m *memHistory) Get(_ context.Context, id string) (history.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return history.Entry{}, fmt.Errorf("%w: %s", history.ErrNotFound, id)
	}
	return e, nil
}

func TestEngine_HistoryOutlivesEngine(t *testing.T) {
	h := newHarness(t)
	h.put(t, "code.py", "x")
	hist := &memHistory{}

	first := newEngine(t, h, &fakeExecutor{stdout: "kept"}, func(c *Config) { c.History = hist })
	res := first.Dispatch(context.Background(), []JobDescriptor{localJob("j1")})[0]
	require.Equal(t, StatusSucceeded, res.Status, res.ErrorDetail)

	entry, err := hist.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, string(TypeLocal), entry.JobType)
	assert.Equal(t, "file", entry.StorageBackend)
	assert.False(t, entry.FinishedAt.IsZero())

	second := newEngine(t, h, &fakeExecutor{}, func(c *Config) { c.History = hist })
	got, ok := second.Result("j1")
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, "kept", string(got.Output))

	waited, err := second.Wait(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, waited.Status)

	_, ok = second.Result("unknown")
	assert.False(t, ok)
	_, err = second.Wait(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestEngine_HistoryRecordsFailures(t *testing.T) {
	h := newHarness(t)
	hist := &memHistory{}
	e := newEngine(t, h, &fakeExecutor{}, func(c *Config) { c.History = hist })

	res := e.Dispatch(context.Background(), []JobDescriptor{localJob("gone")})[0]
	require.Equal(t, StatusFailed, res.Status)

	entry, err := hist.Get(context.Background(), "gone")
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), entry.Status)
	assert.Equal(t, string(res.ErrorClass), entry.ErrorClass)
	assert.NotEmpty(t, entry.ErrorDetail)
}
