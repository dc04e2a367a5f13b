package archive

import (
	"context"
	"errors"

	"github.com/SoftwareHeritage/swh-vault/common/models"
)

// ErrObjectMissing reports an object id the archive does not hold
var ErrObjectMissing = errors.New("object not found in archive")

// EntryType is the type of a directory entry
type EntryType string

const (
	EntryFile     EntryType = "file"
	EntryDir      EntryType = "dir"
	EntryRevision EntryType = "rev"
)

// FileStatus describes whether file content is retrievable
type FileStatus string

const (
	StatusVisible FileStatus = "visible"

	// Content was too large to archive
	StatusAbsent FileStatus = "absent"

	// Content is withheld for privacy reasons
	StatusHidden FileStatus = "hidden"
)

// Git-style permission modes carried by directory entries
const (
	PermFile    = 0o100644
	PermExec    = 0o100755
	PermSymlink = 0o120000
	PermDir     = 0o040000
	PermGitlink = 0o160000
)

// DirectoryEntry is one entry of an archived directory listing
type DirectoryEntry struct {
	Name   string          `json:"name"`
	Type   EntryType       `json:"type"`
	Target models.ObjectID `json:"target"`
	Perms  uint32          `json:"perms"`

	// Files only
	Status FileStatus `json:"status,omitempty"`
}

// Person is a revision author or committer
type Person struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Timestamp is a commit date with its UTC offset
type Timestamp struct {
	Seconds       int64 `json:"seconds"`
	OffsetMinutes int   `json:"offset_minutes"`
}

// Revision is an archived revision node
type Revision struct {
	ID            models.ObjectID   `json:"id"`
	Message       string            `json:"message"`
	Author        Person            `json:"author"`
	AuthorDate    Timestamp         `json:"author_date"`
	Committer     Person            `json:"committer"`
	CommitterDate Timestamp         `json:"committer_date"`
	Parents       []models.ObjectID `json:"parents"`
	Directory     models.ObjectID   `json:"directory"`
}

// Archive is the read-only view of the source archive the cookers build
// bundles from
type Archive interface {
	// DirectoryLs lists the immediate entries of a directory
	DirectoryLs(ctx context.Context, dirID models.ObjectID) ([]DirectoryEntry, error)

	// ContentGet returns the bytes of a visible file content
	ContentGet(ctx context.Context, contentID models.ObjectID) ([]byte, error)

	// RevisionGet returns a single revision node
	RevisionGet(ctx context.Context, revID models.ObjectID) (*Revision, error)

	// RevisionLog returns the revision and all its ancestors
	RevisionLog(ctx context.Context, revID models.ObjectID) ([]*Revision, error)

	// DirectoryMissing reports whether the archive lacks the directory
	DirectoryMissing(ctx context.Context, dirID models.ObjectID) (bool, error)

	// RevisionMissing reports whether the archive lacks the revision
	RevisionMissing(ctx context.Context, revID models.ObjectID) (bool, error)
}

// walkLog collects revID and its ancestry depth-first using getter,
// deduplicating merged lineages
func walkLog(ctx context.Context, revID models.ObjectID, get func(context.Context, models.ObjectID) (*Revision, error)) ([]*Revision, error) {
	var log []*Revision
	seen := make(map[models.ObjectID]bool)
	stack := []models.ObjectID{revID}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true

		rev, err := get(ctx, id)
		if err != nil {
			return nil, err
		}
		log = append(log, rev)

		for i := len(rev.Parents) - 1; i >= 0; i-- {
			if !seen[rev.Parents[i]] {
				stack = append(stack, rev.Parents[i])
			}
		}
	}

	return log, nil
}
