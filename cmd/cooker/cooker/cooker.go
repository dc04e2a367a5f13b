package cooker

import (
	"context"
	"fmt"

	"github.com/SoftwareHeritage/swh-vault/cmd/cooker/archive"
	"github.com/SoftwareHeritage/swh-vault/common/models"
)

// ProgressFunc receives human-readable progress reports during cooking
type ProgressFunc func(msg string)

// Cooker builds a bundle of one format from one archived object
type Cooker interface {
	// CheckExists verifies the source object is in the archive
	CheckExists(ctx context.Context, objectID models.ObjectID) error

	// Cook builds the bundle bytes
	Cook(ctx context.Context, objectID models.ObjectID, progress ProgressFunc) ([]byte, error)
}

var registry = map[string]func(archive.Archive) Cooker{
	"directory":        func(ar archive.Archive) Cooker { return &DirectoryCooker{ar: ar} },
	"revision_flat":    func(ar archive.Archive) Cooker { return &RevisionFlatCooker{ar: ar} },
	"revision_gitfast": func(ar archive.Archive) Cooker { return &GitfastCooker{ar: ar} },
	"git_bare":         func(ar archive.Archive) Cooker { return &GitBareCooker{ar: ar} },
}

// New resolves the cooker for a bundle type name
func New(typeName string, ar archive.Archive) (Cooker, error) {
	factory, ok := registry[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: no cooker for %q", models.ErrUnsupportedType, typeName)
	}
	return factory(ar), nil
}
