package artifact

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// Compile-time interface assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps artifacts in process memory. URIs have the form mem://<id>.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem
}

type memItem struct {
	meta Artifact
	data []byte
}

// NewMemoryStore returns an empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memItem)}
}

// Put implements [Store].
func (s *MemoryStore) Put(_ context.Context, a Artifact, data []byte) (Artifact, error) {
	a, err := Prepare(a, data)
	if err != nil {
		return Artifact{}, err
	}
	a.URI = "mem://" + a.ID
	s.mu.Lock()
	s.items[a.ID] = memItem{meta: a, data: bytes.Clone(data)}
	s.mu.Unlock()
	return a, nil
}

// Get implements [Store].
func (s *MemoryStore) Get(_ context.Context, id string) (Artifact, io.ReadCloser, error) {
	s.mu.RLock()
	it, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		return Artifact{}, nil, ErrNotFound
	}
	return it.meta, io.NopCloser(bytes.NewReader(it.data)), nil
}

// Len returns the number of stored artifacts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Close implements [Store]. Stored artifacts are discarded.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.items = make(map[string]memItem)
	s.mu.Unlock()
	return nil
}
