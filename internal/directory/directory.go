// Package directory tracks every backend that has announced itself. It keeps
// a hot in-memory index and persists through the journal.
package directory

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/backendlink/internal/protocol"
	"github.com/meshcommons/backendlink/internal/store"
)

// Persister is the part of the journal the directory writes through.
type Persister interface {
	UpsertBackend(b *store.Backend) error
	SetBackendAvailable(host string, port int, available bool) error
	ListBackends() ([]*store.Backend, error)
}

// Manager holds the known backends. All exported methods are safe for
// concurrent use.
type Manager struct {
	db  Persister
	log *zap.Logger
	now func() time.Time

	mu       sync.RWMutex
	backends map[string]*store.Backend // keyed by host:port
}

// New creates a Manager and hydrates the cache from db.
func New(db Persister, log *zap.Logger) (*Manager, error) {
	m := &Manager{
		db:       db,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		backends: make(map[string]*store.Backend),
	}
	if err := m.load(); err != nil {
		return nil, fmt.Errorf("directory: load backends: %w", err)
	}
	return m, nil
}

// Announced records an announcement from host:port and marks it available.
func (m *Manager) Announced(host string, port int, a protocol.Announcement) error {
	if host == "" || port <= 0 {
		return fmt.Errorf("directory: invalid backend address %q:%d", host, port)
	}
	b := &store.Backend{
		Host:            host,
		TCPPort:         port,
		ProtocolVersion: a.ProtocolVersion,
		FTPPort:         a.FTPPort,
		PortCount:       len(a.Ports),
		LastSeen:        m.now(),
		Available:       true,
	}

	m.mu.Lock()
	prev, known := m.backends[key(host, port)]
	m.backends[key(host, port)] = b
	m.mu.Unlock()

	if !known || !prev.Available {
		m.log.Info("directory: backend available",
			zap.String("backend", key(host, port)),
			zap.Int("protocol_version", a.ProtocolVersion),
			zap.Int("ports", len(a.Ports)))
	}
	return m.db.UpsertBackend(b)
}

// Unavailable marks a backend as gone. Unknown backends are ignored.
func (m *Manager) Unavailable(host string, port int) error {
	m.mu.Lock()
	b, ok := m.backends[key(host, port)]
	if ok {
		b.Available = false
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.log.Info("directory: backend unavailable", zap.String("backend", key(host, port)))
	return m.db.SetBackendAvailable(host, port, false)
}

// Get returns a copy of one backend.
func (m *Manager) Get(host string, port int) (store.Backend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backends[key(host, port)]
	if !ok {
		return store.Backend{}, false
	}
	return *b, true
}

// List returns a snapshot of all known backends.
func (m *Manager) List() []store.Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.Backend, 0, len(m.backends))
	for _, b := range m.backends {
		out = append(out, *b)
	}
	return out
}

// Count returns how many backends are known.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.backends)
}

func (m *Manager) load() error {
	rows, err := m.db.ListBackends()
	if err != nil {
		return err
	}
	for _, b := range rows {
		m.backends[key(b.Host, b.TCPPort)] = b
	}
	return nil
}

func key(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
