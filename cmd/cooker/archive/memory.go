package archive

import (
	"context"
	"fmt"
	"sync"

	"github.com/SoftwareHeritage/swh-vault/common/models"
)

// MemoryArchive is an in-process archive used by the cooker tests and by
// single-node demo deployments
type MemoryArchive struct {
	mu          sync.RWMutex
	contents    map[models.ObjectID][]byte
	directories map[models.ObjectID][]DirectoryEntry
	revisions   map[models.ObjectID]*Revision
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{
		contents:    make(map[models.ObjectID][]byte),
		directories: make(map[models.ObjectID][]DirectoryEntry),
		revisions:   make(map[models.ObjectID]*Revision),
	}
}

// AddContent stores file content under its id
func (a *MemoryArchive) AddContent(id models.ObjectID, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.contents[id] = append([]byte(nil), data...)
}

// AddDirectory stores a directory listing under its id
func (a *MemoryArchive) AddDirectory(id models.ObjectID, entries []DirectoryEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.directories[id] = append([]DirectoryEntry(nil), entries...)
}

// AddRevision stores a revision node under its id
func (a *MemoryArchive) AddRevision(rev *Revision) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revisions[rev.ID] = rev
}

func (a *MemoryArchive) DirectoryLs(ctx context.Context, dirID models.ObjectID) ([]DirectoryEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	entries, ok := a.directories[dirID]
	if !ok {
		return nil, fmt.Errorf("directory %s: %w", dirID, ErrObjectMissing)
	}
	return append([]DirectoryEntry(nil), entries...), nil
}

func (a *MemoryArchive) ContentGet(ctx context.Context, contentID models.ObjectID) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	data, ok := a.contents[contentID]
	if !ok {
		return nil, fmt.Errorf("content %s: %w", contentID, ErrObjectMissing)
	}
	return append([]byte(nil), data...), nil
}

func (a *MemoryArchive) RevisionGet(ctx context.Context, revID models.ObjectID) (*Revision, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rev, ok := a.revisions[revID]
	if !ok {
		return nil, fmt.Errorf("revision %s: %w", revID, ErrObjectMissing)
	}
	return rev, nil
}

func (a *MemoryArchive) RevisionLog(ctx context.Context, revID models.ObjectID) ([]*Revision, error) {
	return walkLog(ctx, revID, a.RevisionGet)
}

func (a *MemoryArchive) DirectoryMissing(ctx context.Context, dirID models.ObjectID) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.directories[dirID]
	return !ok, nil
}

func (a *MemoryArchive) RevisionMissing(ctx context.Context, revID models.ObjectID) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.revisions[revID]
	return !ok, nil
}
