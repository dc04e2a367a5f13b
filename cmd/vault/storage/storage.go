package storage

import (
	"context"
	"fmt"
	"sync"

	rediscommon "github.com/SoftwareHeritage/swh-vault/common/redis"
)

// ArtifactStore is the opaque key->bytes store for finished bundles,
// keyed by bundle id. Bytes are written exactly once on cooking success
// and deleted only by the eviction sweep.
type ArtifactStore interface {
	Put(ctx context.Context, bundleID int64, data []byte) error
	Get(ctx context.Context, bundleID int64) ([]byte, error)
	Contains(ctx context.Context, bundleID int64) (bool, error)
	Delete(ctx context.Context, bundleID int64) error
}

// ErrArtifactMissing is returned by Get when no bytes exist for the id
var ErrArtifactMissing = fmt.Errorf("artifact not in cache")

// RedisArtifactStore keeps bundle artifacts in Redis
type RedisArtifactStore struct {
	redis *rediscommon.Client
}

// NewRedisArtifactStore creates a Redis-backed artifact store
func NewRedisArtifactStore(redis *rediscommon.Client) *RedisArtifactStore {
	return &RedisArtifactStore{redis: redis}
}

func artifactKey(bundleID int64) string {
	return fmt.Sprintf("vault:bundle:%d", bundleID)
}

// Put stores the artifact bytes
func (s *RedisArtifactStore) Put(ctx context.Context, bundleID int64, data []byte) error {
	return s.redis.SetBytes(ctx, artifactKey(bundleID), data)
}

// Get retrieves the artifact bytes
func (s *RedisArtifactStore) Get(ctx context.Context, bundleID int64) ([]byte, error) {
	data, found, err := s.redis.GetBytes(ctx, artifactKey(bundleID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrArtifactMissing
	}
	return data, nil
}

// Contains reports whether artifact bytes exist for the id
func (s *RedisArtifactStore) Contains(ctx context.Context, bundleID int64) (bool, error) {
	return s.redis.Exists(ctx, artifactKey(bundleID))
}

// Delete removes the artifact bytes
func (s *RedisArtifactStore) Delete(ctx context.Context, bundleID int64) error {
	return s.redis.Delete(ctx, artifactKey(bundleID))
}

// MemoryArtifactStore is an in-memory artifact store for development and
// tests
type MemoryArtifactStore struct {
	mu   sync.RWMutex
	data map[int64][]byte
}

// NewMemoryArtifactStore creates an empty in-memory artifact store
func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{
		data: make(map[int64][]byte),
	}
}

// Put stores the artifact bytes
func (s *MemoryArtifactStore) Put(ctx context.Context, bundleID int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	s.data[bundleID] = stored
	return nil
}

// Get retrieves the artifact bytes
func (s *MemoryArtifactStore) Get(ctx context.Context, bundleID int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[bundleID]
	if !ok {
		return nil, ErrArtifactMissing
	}
	return data, nil
}

// Contains reports whether artifact bytes exist for the id
func (s *MemoryArtifactStore) Contains(ctx context.Context, bundleID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.data[bundleID]
	return ok, nil
}

// Delete removes the artifact bytes
func (s *MemoryArtifactStore) Delete(ctx context.Context, bundleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, bundleID)
	return nil
}
