package cooker

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"

	"github.com/SoftwareHeritage/swh-vault/cmd/cooker/archive"
	"github.com/SoftwareHeritage/swh-vault/common/models"
)

// DirectoryCooker builds a gzip tarball of one archived directory tree
type DirectoryCooker struct {
	ar archive.Archive
}

func (c *DirectoryCooker) CheckExists(ctx context.Context, objectID models.ObjectID) error {
	missing, err := c.ar.DirectoryMissing(ctx, objectID)
	if err != nil {
		return err
	}
	if missing {
		return fmt.Errorf("directory %s: %w", objectID, archive.ErrObjectMissing)
	}
	return nil
}

func (c *DirectoryCooker) Cook(ctx context.Context, objectID models.ObjectID, progress ProgressFunc) ([]byte, error) {
	progress("Retrieving directory tree.")

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	w := &treeWriter{ar: c.ar, tw: tw}
	root := objectID.String()
	if err := w.writeDirHeader(root); err != nil {
		return nil, err
	}
	if err := w.writeTree(ctx, root, objectID); err != nil {
		return nil, err
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
