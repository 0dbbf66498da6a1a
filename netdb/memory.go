package netdb

import "sync"

// MemoryBackend keeps descriptors in a map. It is used in tests and when no
// database path is configured.
type MemoryBackend struct {
	mu    sync.RWMutex
	descs map[Identity]*RouterDescriptor
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{descs: make(map[Identity]*RouterDescriptor)}
}

// Get returns the descriptor for ident or ErrNotFound.
func (m *MemoryBackend) Get(ident Identity) (*RouterDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.descs[ident]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

// Put stores d under its identity.
func (m *MemoryBackend) Put(d *RouterDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.descs[d.Identity()] = d
	return nil
}

// Delete removes the descriptor for ident.
func (m *MemoryBackend) Delete(ident Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.descs, ident)
	return nil
}

// Len returns the number of stored descriptors.
func (m *MemoryBackend) Len() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.descs), nil
}

// Close is a no-op.
func (m *MemoryBackend) Close() error { return nil }
