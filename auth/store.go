package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TokenStore persists the session's token pair. Save replaces both tokens
// together; a Load never observes one new and one old token.
type TokenStore interface {
	Load() (TokenPair, bool, error)
	Save(TokenPair) error
	Clear() error
}

// MemoryStore keeps the pair in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	pair *TokenPair
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load() (TokenPair, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pair == nil {
		return TokenPair{}, false, nil
	}
	return *m.pair, true, nil
}

func (m *MemoryStore) Save(p TokenPair) error {
	m.mu.Lock()
	m.pair = &p
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	m.pair = nil
	m.mu.Unlock()
	return nil
}

// FileStore keeps the pair in a JSON file readable only by the owner. Writes
// go to a temporary file in the same directory which is then renamed over
// the old one.
type FileStore struct {
	path string
	mu   sync.Mutex
}

type storedTokens struct {
	TokenPair
	SavedAt time.Time `json:"saved_at"`
}

// NewFileStore returns a store backed by path. The file is created on the
// first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Load() (TokenPair, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return TokenPair{}, false, nil
	}
	if err != nil {
		return TokenPair{}, false, fmt.Errorf("read token file: %w", err)
	}

	var stored storedTokens
	if err := json.Unmarshal(data, &stored); err != nil {
		return TokenPair{}, false, fmt.Errorf("parse token file: %w", err)
	}
	if stored.AccessToken == "" {
		return TokenPair{}, false, nil
	}
	return stored.TokenPair, true, nil
}

func (f *FileStore) Save(p TokenPair) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(storedTokens{TokenPair: p, SavedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*.json")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}
