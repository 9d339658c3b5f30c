package rangekv

import "sync"

// MemoryStore is an in-memory Storage used by tests and throwaway
// clusters.
type MemoryStore struct {
	entries map[string][]byte

	mu sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]byte),
	}
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	value, found := s.entries[key]
	s.mu.RUnlock()

	return value, found, nil
}

func (s *MemoryStore) put(key string, value []byte) error {
	s.mu.Lock()
	s.entries[key] = append([]byte(nil), value...)
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	return s.get(storageKeyPrefix + key)
}

func (s *MemoryStore) Put(key string, value []byte) error {
	return s.put(storageKeyPrefix+key, value)
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.entries, storageKeyPrefix+key)
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) GetMeta() ([]byte, bool, error) {
	return s.get(metaKey)
}

func (s *MemoryStore) PersistMeta(data []byte) error {
	return s.put(metaKey, data)
}

func (s *MemoryStore) GetLocal(key string) ([]byte, bool, error) {
	return s.get(localKeyPrefix + key)
}

func (s *MemoryStore) PutLocal(key string, value []byte) error {
	return s.put(localKeyPrefix+key, value)
}
