package store

import "sync"

// MemStore keeps everything in process memory. Used by tests and the "memory" driver.
type MemStore struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]map[string][]byte)}
}

func (m *MemStore) Get(namespace, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemStore) Put(namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	v := make([]byte, len(value))
	copy(v, value)
	ns[key] = v
	return nil
}

func (m *MemStore) Remove(namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[namespace], key)
	return nil
}

// Keys returns how many keys live in namespace.
func (m *MemStore) Keys(namespace string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data[namespace])
}

func (m *MemStore) Close() error { return nil }
