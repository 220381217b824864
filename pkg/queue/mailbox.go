package queue

import "sync"

// Mailbox holds results that arrived ahead of the poll asking for them.
//
// Broker-backed result streams deliver every result to every dispatcher, so
// each dispatcher files what it reads here and collects by job id.
type Mailbox struct {
	mu      sync.Mutex
	results map[string]Result
}

func NewMailbox() *Mailbox {
	return &Mailbox{results: make(map[string]Result)}
}

// Deliver files r, replacing any earlier result for the same job.
func (m *Mailbox) Deliver(r Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[r.JobID] = r
}

// Take removes and returns the result for jobID.
func (m *Mailbox) Take(jobID string) (*Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[jobID]
	if !ok {
		return nil, false
	}
	delete(m.results, jobID)
	return &r, true
}

func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}
