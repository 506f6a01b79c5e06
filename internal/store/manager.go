package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

const DefaultName = "default"

// Manager owns the default store and one store per server, so that writes
// for one server are never observed by another server's watchers.
type Manager struct {
	mu        sync.Mutex
	persister Persister
	schema    Schema
	def       *Store
	servers   map[string]*Store
}

func NewManager(ctx context.Context, persister Persister, schema Schema) (*Manager, error) {
	def, err := Open(ctx, Options{Name: DefaultName, Persister: persister, Schema: schema})
	if err != nil {
		return nil, err
	}
	return &Manager{
		persister: persister,
		schema:    schema,
		def:       def,
		servers:   make(map[string]*Store),
	}, nil
}

func (m *Manager) Default() *Store {
	return m.def
}

// ForServer returns the store of serverID, opening it on first use.
func (m *Manager) ForServer(ctx context.Context, serverID string) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.servers[serverID]; ok {
		return s, nil
	}
	s, err := Open(ctx, Options{Name: "server-" + serverID, Persister: m.persister, Schema: m.schema})
	if err != nil {
		return nil, err
	}
	m.servers[serverID] = s
	return s, nil
}

// Lookup returns the store of serverID only if it is already open.
func (m *Manager) Lookup(serverID string) (*Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[serverID]
	return s, ok
}

func (m *Manager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Invoke saves pending writes of every store and stops their persistence;
// it is registered with the shutdown cleaner before the persister closes.
func (m *Manager) Invoke(ctx context.Context) error {
	m.mu.Lock()
	stores := make([]*Store, 0, len(m.servers)+1)
	stores = append(stores, m.def)
	for _, s := range m.servers {
		stores = append(stores, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range stores {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
