package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/SoftwareHeritage/swh-vault/common/models"
	rediscommon "github.com/SoftwareHeritage/swh-vault/common/redis"
)

// Redis key prefixes for archived objects
const (
	contentKeyPrefix   = "archive:content:"
	directoryKeyPrefix = "archive:directory:"
	revisionKeyPrefix  = "archive:revision:"
)

// RedisArchive reads archived objects mirrored into Redis. Contents are
// stored raw, directory listings and revision nodes as JSON.
type RedisArchive struct {
	redis *rediscommon.Client
}

func NewRedisArchive(redis *rediscommon.Client) *RedisArchive {
	return &RedisArchive{redis: redis}
}

func (a *RedisArchive) DirectoryLs(ctx context.Context, dirID models.ObjectID) ([]DirectoryEntry, error) {
	raw, found, err := a.redis.GetBytes(ctx, directoryKeyPrefix+dirID.String())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("directory %s: %w", dirID, ErrObjectMissing)
	}

	var entries []DirectoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode directory %s: %w", dirID, err)
	}
	return entries, nil
}

func (a *RedisArchive) ContentGet(ctx context.Context, contentID models.ObjectID) ([]byte, error) {
	data, found, err := a.redis.GetBytes(ctx, contentKeyPrefix+contentID.String())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("content %s: %w", contentID, ErrObjectMissing)
	}
	return data, nil
}

func (a *RedisArchive) RevisionGet(ctx context.Context, revID models.ObjectID) (*Revision, error) {
	raw, found, err := a.redis.GetBytes(ctx, revisionKeyPrefix+revID.String())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("revision %s: %w", revID, ErrObjectMissing)
	}

	var rev Revision
	if err := json.Unmarshal(raw, &rev); err != nil {
		return nil, fmt.Errorf("failed to decode revision %s: %w", revID, err)
	}
	return &rev, nil
}

func (a *RedisArchive) RevisionLog(ctx context.Context, revID models.ObjectID) ([]*Revision, error) {
	return walkLog(ctx, revID, a.RevisionGet)
}

func (a *RedisArchive) DirectoryMissing(ctx context.Context, dirID models.ObjectID) (bool, error) {
	found, err := a.redis.Exists(ctx, directoryKeyPrefix+dirID.String())
	if err != nil {
		return false, err
	}
	return !found, nil
}

func (a *RedisArchive) RevisionMissing(ctx context.Context, revID models.ObjectID) (bool, error) {
	found, err := a.redis.Exists(ctx, revisionKeyPrefix+revID.String())
	if err != nil {
		return false, err
	}
	return !found, nil
}
