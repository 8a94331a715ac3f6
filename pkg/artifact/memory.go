package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/odvcencio/browsertest/pkg/agent"
)

// MemoryStore keeps screenshots in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// PutScreenshot stores the image. The store takes ownership of shot.Data;
// callers must not modify it afterwards.
func (s *MemoryStore) PutScreenshot(ctx context.Context, testID string, step int, shot agent.Screenshot) (ScreenshotRef, error) {
	if err := ctx.Err(); err != nil {
		return ScreenshotRef{}, err
	}
	if !validTestID(testID) {
		return ScreenshotRef{}, fmt.Errorf("invalid test id %q", testID)
	}
	ref := newRef(testID, step, shot)
	s.mu.Lock()
	s.blobs[ref.Key] = shot.Data
	s.mu.Unlock()
	return ref, nil
}

// OpenScreenshot streams a stored image without copying it.
func (s *MemoryStore) OpenScreenshot(ctx context.Context, ref ScreenshotRef) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.blobs[ref.Key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScreenshotNotFound, ref.Key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// DeleteRun drops every screenshot of a run.
func (s *MemoryStore) DeleteRun(ctx context.Context, testID string) error {
	prefix := testID + "/"
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.blobs {
		if strings.HasPrefix(key, prefix) {
			delete(s.blobs, key)
		}
	}
	return nil
}

// Len returns the number of stored screenshots.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
