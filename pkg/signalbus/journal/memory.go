package journal

import "sync"

// DefaultCapacity is the MemoryJournal capacity used when none is given.
const DefaultCapacity = 1024

// MemoryJournal keeps the most recent entries in a bounded ring.
// Data is lost when the process exits.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries []Entry
	next    int // ring write position
	full    bool
	seq     int64
	closed  bool
}

// NewMemoryJournal creates a ring journal holding at most capacity entries.
func NewMemoryJournal(capacity int) *MemoryJournal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryJournal{entries: make([]Entry, capacity)}
}

// Record implements Journal. The oldest entry is overwritten when full.
func (m *MemoryJournal) Record(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.seq++
	e = stamp(e)
	e.Seq = m.seq
	m.entries[m.next] = e
	m.next++
	if m.next == len(m.entries) {
		m.next = 0
		m.full = true
	}
	return nil
}

// List implements Journal.
func (m *MemoryJournal) List(limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	n := m.lenLocked()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	start := m.next - limit
	if start < 0 {
		start += len(m.entries)
	}
	for i := 0; i < limit; i++ {
		out = append(out, m.entries[(start+i)%len(m.entries)])
	}
	return out, nil
}

// Count implements Journal.
func (m *MemoryJournal) Count() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrClosed
	}
	return m.lenLocked(), nil
}

func (m *MemoryJournal) lenLocked() int {
	if m.full {
		return len(m.entries)
	}
	return m.next
}

// Close implements Journal.
func (m *MemoryJournal) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.entries = nil
	return nil
}
