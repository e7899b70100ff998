package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"sealchat/internal/domain"
)

// FileKV keeps one JSON file per collection under dir. With a passphrase set
// every file is sealed with a key stretched from it; otherwise records are
// stored as readable JSON.
type FileKV struct {
	dir        string
	passphrase string
	mu         sync.Mutex
}

// NewFileKV returns a plaintext FileKV rooted at dir.
func NewFileKV(dir string) *FileKV { return &FileKV{dir: dir} }

// NewEncryptedFileKV returns a FileKV that seals every collection under
// passphrase.
func NewEncryptedFileKV(dir, passphrase string) *FileKV {
	return &FileKV{dir: dir, passphrase: passphrase}
}

// Get returns the value stored under collection/key.
func (s *FileKV) Get(_ context.Context, collection, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load(collection)
	if err != nil {
		return nil, false, err
	}
	v, ok := m[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Put stores value under collection/key, replacing any previous value.
func (s *FileKV) Put(_ context.Context, collection, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load(collection)
	if err != nil {
		return err
	}
	m[key] = append(json.RawMessage(nil), value...)
	return s.save(collection, m)
}

// Delete removes collection/key. Deleting a missing key is not an error.
func (s *FileKV) Delete(_ context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load(collection)
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return s.save(collection, m)
}

// GetAll returns every record in collection.
func (s *FileKV) GetAll(_ context.Context, collection string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load(collection)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *FileKV) path(collection string) string {
	name := collection + ".json"
	if s.passphrase != "" {
		name += ".enc"
	}
	return filepath.Join(s.dir, name)
}

func (s *FileKV) load(collection string) (map[string]json.RawMessage, error) {
	b, err := readFile(s.path(collection))
	if err != nil {
		return nil, err
	}
	if b == nil {
		return map[string]json.RawMessage{}, nil
	}
	if s.passphrase != "" {
		if b, err = openEnvelope(s.passphrase, b); err != nil {
			return nil, err
		}
	}
	m := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *FileKV) save(collection string, m map[string]json.RawMessage) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	if s.passphrase == "" {
		return writeJSON(s.path(collection), m, 0o600)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	blob, err := sealEnvelope(s.passphrase, raw)
	if err != nil {
		return err
	}
	return writeFile(s.path(collection), blob, 0o600)
}

// Compile-time assertion that FileKV implements domain.KeyValueStore.
var _ domain.KeyValueStore = (*FileKV)(nil)
