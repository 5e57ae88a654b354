package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/MarcoPoloResearchLab/courier/internal/apperr"
)

// MemoryStore keeps objects in process memory. It backs tests and local
// development runs where no object storage is available.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	baseURL string

	// PutError, when set, fails the next Put. Tests use it to exercise
	// upload failure paths.
	PutError error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		baseURL: "memory://blob",
	}
}

func (s *MemoryStore) Put(ctx context.Context, key string, _ string, size int64, body io.Reader, progress ProgressFunc) (string, error) {
	s.mu.Lock()
	failure := s.PutError
	s.PutError = nil
	s.mu.Unlock()
	if failure != nil {
		return "", failure
	}

	payload, err := io.ReadAll(newCountingReader(body, size, progress))
	if err != nil {
		return "", err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	s.mu.Lock()
	s.objects[key] = payload
	s.mu.Unlock()

	if progress != nil {
		progress(1)
	}
	return fmt.Sprintf("%s/%s", s.baseURL, key), nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	payload, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("object %q not found", key))
	}
	return io.NopCloser(bytes.NewReader(payload)), nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
