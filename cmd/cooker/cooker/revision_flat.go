package cooker

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"path"

	"github.com/SoftwareHeritage/swh-vault/cmd/cooker/archive"
	"github.com/SoftwareHeritage/swh-vault/common/models"
)

// RevisionFlatCooker builds a gzip tarball holding one top-level
// directory per revision of the history, each containing that revision's
// full tree
type RevisionFlatCooker struct {
	ar archive.Archive
}

func (c *RevisionFlatCooker) CheckExists(ctx context.Context, objectID models.ObjectID) error {
	missing, err := c.ar.RevisionMissing(ctx, objectID)
	if err != nil {
		return err
	}
	if missing {
		return fmt.Errorf("revision %s: %w", objectID, archive.ErrObjectMissing)
	}
	return nil
}

func (c *RevisionFlatCooker) Cook(ctx context.Context, objectID models.ObjectID, progress ProgressFunc) ([]byte, error) {
	log, err := c.ar.RevisionLog(ctx, objectID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	w := &treeWriter{ar: c.ar, tw: tw}
	root := objectID.String()
	if err := w.writeDirHeader(root); err != nil {
		return nil, err
	}

	for i, rev := range log {
		progress(fmt.Sprintf("Computing revision %d/%d", i+1, len(log)))

		revRoot := path.Join(root, rev.ID.String())
		if err := w.writeDirHeader(revRoot); err != nil {
			return nil, err
		}
		if err := w.writeTree(ctx, revRoot, rev.Directory); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	progress("Bundle assembled.")
	return buf.Bytes(), nil
}
