package queue

import (
	"context"
	"sync"
)

// Memory is a process-local FIFO queue that also serves as its own result
// channel. Payloads are stored encoded so it behaves like a remote queue.
type Memory struct {
	mu      sync.Mutex
	items   [][]byte
	results *Mailbox
	closed  bool
}

var (
	_ Backend       = (*Memory)(nil)
	_ ResultChannel = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{results: NewMailbox()}
}

func (m *Memory) Kind() Kind { return KindMemory }

func (m *Memory) Push(ctx context.Context, item Item) error {
	data, err := Encode(item)
	if err != nil {
		return err
	}
	return m.PushRaw(ctx, data)
}

// PushRaw enqueues an already-encoded payload without validating it.
func (m *Memory) PushRaw(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.items = append(m.items, append([]byte(nil), data...))
	return nil
}

func (m *Memory) Pop(ctx context.Context) (Item, bool, error) {
	data, ok, err := m.PopRaw(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	item, ok := Decode(data)
	return item, ok, nil
}

// PopRaw dequeues the next payload as stored.
func (m *Memory) PopRaw(ctx context.Context) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	if len(m.items) == 0 {
		return nil, false, nil
	}
	data := m.items[0]
	m.items[0] = nil
	m.items = m.items[1:]
	return data, true, nil
}

func (m *Memory) Size(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

func (m *Memory) PublishResult(ctx context.Context, r Result) error {
	if r.JobID == "" {
		return ErrInvalidItem
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.results.Deliver(r)
	return nil
}

// PollResult returns and forgets the result for jobID once it is present.
func (m *Memory) PollResult(ctx context.Context, jobID string) (*Result, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	r, ok := m.results.Take(jobID)
	return r, ok, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.items = nil
	return nil
}
