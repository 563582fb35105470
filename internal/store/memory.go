package store

import (
	"context"
	"sync"
)

// Memory is an in-process store. It keeps the full append log so tests can
// inspect how many records were written, and a map for lookups.
type Memory struct {
	mu      sync.RWMutex
	records []Record
	latest  map[string]string
}

// Record is one appended cache entry.
type Record struct {
	Prompt string
	Answer string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{latest: make(map[string]string)}
}

// Lookup returns the last answer appended for prompt.
func (m *Memory) Lookup(_ context.Context, prompt string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	answer, ok := m.latest[prompt]
	return answer, ok, nil
}

// Append records answer for prompt.
func (m *Memory) Append(_ context.Context, prompt, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, Record{Prompt: prompt, Answer: answer})
	m.latest[prompt] = answer
	return nil
}

// Len returns the number of distinct prompts.
func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.latest), nil
}

// Records returns a copy of every appended record in order.
func (m *Memory) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
