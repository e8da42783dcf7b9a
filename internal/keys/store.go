package keys

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Store persists key records.
type Store interface {
	Load(ctx context.Context, key string) (*APIKey, error)
	Save(ctx context.Context, k *APIKey) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// keyID is the storage identifier of a raw key. Raw keys never touch file
// names or index columns.
func keyID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// keyLocks serialises operations on the same key.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (l *keyLocks) lock(id string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*keyLock)
	}
	kl, ok := l.locks[id]
	if !ok {
		kl = &keyLock{}
		l.locks[id] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// FileStore keeps one JSON file per key in a directory.
type FileStore struct {
	dir   string
	locks keyLocks
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("keys: empty store directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keys: create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string { return filepath.Join(s.dir, id+".json") }

func (s *FileStore) Load(_ context.Context, key string) (*APIKey, error) {
	id := keyID(key)
	unlock := s.locks.lock(id)
	defer unlock()
	b, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keys: read: %w", err)
	}
	var k APIKey
	if err := json.Unmarshal(b, &k); err != nil {
		return nil, fmt.Errorf("keys: decode: %w", err)
	}
	return &k, nil
}

func (s *FileStore) Save(_ context.Context, k *APIKey) error {
	id := keyID(k.Key)
	unlock := s.locks.lock(id)
	defer unlock()
	b, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("keys: encode: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("keys: write: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("keys: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("keys: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(id)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("keys: write: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	id := keyID(key)
	unlock := s.locks.lock(id)
	defer unlock()
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("keys: delete: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// MemoryStore keeps copies of records in memory.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]APIKey
}

func NewMemoryStore(initial ...*APIKey) *MemoryStore {
	s := &MemoryStore{keys: make(map[string]APIKey)}
	for _, k := range initial {
		s.keys[k.Key] = *k
	}
	return s
}

func (s *MemoryStore) Load(_ context.Context, key string) (*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &k, nil
}

func (s *MemoryStore) Save(_ context.Context, k *APIKey) error {
	s.mu.Lock()
	s.keys[k.Key] = *k
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
