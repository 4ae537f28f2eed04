// Package inmem implements blobstore.Store in memory, for --in-memory
// deployments and tests.
package inmem

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/mosaicflow/orchestrator/coreerr"
)

// Store is a mutex-protected in-memory blob store.
type Store struct {
	mu   sync.Mutex
	data map[string][]byte
}

// New constructs an empty Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Put(_ context.Context, key string, content io.Reader) (int64, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return 0, coreerr.Wrap(coreerr.ValidationError, "read blob content", err)
	}
	s.mu.Lock()
	s.data[key] = data
	s.mu.Unlock()
	return int64(len(data)), nil
}

func (s *Store) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	data, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return nil, coreerr.New(coreerr.PersistenceFatal, "blob not found: "+key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return coreerr.New(coreerr.PersistenceFatal, "blob not found: "+key)
	}
	delete(s.data, key)
	return nil
}
