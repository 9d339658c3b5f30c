package rangekv

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Key namespaces inside the store. Replicated user data, the cluster
// topology blob and per-replica local state live side by side, the way the
// original layout used separate column families.
const (
	storageKeyPrefix = "s/"
	localKeyPrefix   = "l/"
	metaKey          = "m/meta"
)

// Storage is the on-disk collaborator of a server. A fresh store
// initializes empty; errors are surfaced, never swallowed.
type Storage interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error

	// GetMeta and PersistMeta access the encoded cluster-topology blob.
	GetMeta() ([]byte, bool, error)
	PersistMeta(data []byte) error

	// GetLocal and PutLocal access per-replica state which is never
	// replicated (terms, txid watermarks, bootstrap flags).
	GetLocal(key string) ([]byte, bool, error)
	PutLocal(key string, value []byte) error

	Close() error
}

// PebbleStore is the production Storage implementation.
type PebbleStore struct {
	dirPath string
	db      *pebble.DB
}

func OpenPebbleStore(dirPath string) (*PebbleStore, error) {
	db, err := pebble.Open(dirPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("cannot open %q: %w", dirPath, err)
	}

	return &PebbleStore{
		dirPath: dirPath,
		db:      db,
	}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) get(key string) ([]byte, bool, error) {
	value, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("cannot read %q: %w", key, err)
	}

	data := append([]byte(nil), value...)

	if err := closer.Close(); err != nil {
		return nil, false, fmt.Errorf("cannot release %q: %w", key, err)
	}

	return data, true, nil
}

func (s *PebbleStore) put(key string, value []byte) error {
	if err := s.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("cannot write %q: %w", key, err)
	}

	return nil
}

func (s *PebbleStore) Get(key string) ([]byte, bool, error) {
	return s.get(storageKeyPrefix + key)
}

func (s *PebbleStore) Put(key string, value []byte) error {
	return s.put(storageKeyPrefix+key, value)
}

func (s *PebbleStore) Delete(key string) error {
	err := s.db.Delete([]byte(storageKeyPrefix+key), pebble.Sync)
	if err != nil {
		return fmt.Errorf("cannot delete %q: %w", key, err)
	}

	return nil
}

func (s *PebbleStore) GetMeta() ([]byte, bool, error) {
	return s.get(metaKey)
}

func (s *PebbleStore) PersistMeta(data []byte) error {
	return s.put(metaKey, data)
}

func (s *PebbleStore) GetLocal(key string) ([]byte, bool, error) {
	return s.get(localKeyPrefix + key)
}

func (s *PebbleStore) PutLocal(key string, value []byte) error {
	return s.put(localKeyPrefix+key, value)
}
