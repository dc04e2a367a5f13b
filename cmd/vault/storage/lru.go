package storage

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
)

// LRUArtifactStore fronts a backing store with an in-process LRU so hot
// bundles are served without a round-trip. Writes and deletes go through
// to the backend; the LRU is invalidated on delete so an evicted bundle
// is never served from memory.
type LRUArtifactStore struct {
	backend ArtifactStore
	cache   *lru.Cache
}

// NewLRUArtifactStore wraps the backend with an LRU of the given size
func NewLRUArtifactStore(backend ArtifactStore, size int) (*LRUArtifactStore, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &LRUArtifactStore{
		backend: backend,
		cache:   cache,
	}, nil
}

// Put stores the artifact bytes in the backend and the LRU
func (s *LRUArtifactStore) Put(ctx context.Context, bundleID int64, data []byte) error {
	if err := s.backend.Put(ctx, bundleID, data); err != nil {
		return err
	}
	s.cache.Add(bundleID, data)
	return nil
}

// Get retrieves the artifact bytes, preferring the LRU
func (s *LRUArtifactStore) Get(ctx context.Context, bundleID int64) ([]byte, error) {
	if cached, ok := s.cache.Get(bundleID); ok {
		return cached.([]byte), nil
	}

	data, err := s.backend.Get(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	s.cache.Add(bundleID, data)
	return data, nil
}

// Contains reports whether artifact bytes exist for the id
func (s *LRUArtifactStore) Contains(ctx context.Context, bundleID int64) (bool, error) {
	if s.cache.Contains(bundleID) {
		return true, nil
	}
	return s.backend.Contains(ctx, bundleID)
}

// Delete removes the artifact from the backend and the LRU
func (s *LRUArtifactStore) Delete(ctx context.Context, bundleID int64) error {
	s.cache.Remove(bundleID)
	return s.backend.Delete(ctx, bundleID)
}
