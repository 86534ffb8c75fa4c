package store

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// DefaultMemoryCapacity bounds the in-memory event ring.
const DefaultMemoryCapacity = 1000

// Memory is a journal kept in process memory. Events live in a ring of fixed
// capacity; the oldest are overwritten first.
type Memory struct {
	mu       sync.Mutex
	capacity int
	events   []*Event
	nextID   int64
	backends map[string]*Backend
}

// NewMemory returns an empty journal holding at most capacity events.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &Memory{
		capacity: capacity,
		backends: make(map[string]*Backend),
	}
}

func (m *Memory) InsertEvent(e *Event) (int64, error) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *e
	cp.ID = m.nextID
	if len(m.events) == m.capacity {
		m.events[0] = nil
		m.events = m.events[1:]
	}
	m.events = append(m.events, &cp)
	return cp.ID, nil
}

func (m *Memory) ListEvents(limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Event, 0, min(limit, len(m.events)))
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.events[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) PruneEvents(before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	var n int64
	for _, e := range m.events {
		if e.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(m.events); i++ {
		m.events[i] = nil
	}
	m.events = kept
	return n, nil
}

func (m *Memory) UpsertBackend(b *Backend) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.backends[backendKey(b.Host, b.TCPPort)] = &cp
	return nil
}

func (m *Memory) SetBackendAvailable(host string, port int, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backends[backendKey(host, port)]
	if !ok {
		return ErrNotFound
	}
	b.Available = available
	return nil
}

func (m *Memory) ListBackends() ([]*Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Backend, 0, len(m.backends))
	for _, b := range m.backends {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].TCPPort < out[j].TCPPort
	})
	return out, nil
}

func (m *Memory) Close() error { return nil }

func backendKey(host string, port int) string {
	return host + "|" + strconv.Itoa(port)
}
