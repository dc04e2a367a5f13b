package cooker

import (
	"archive/tar"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/SoftwareHeritage/swh-vault/cmd/cooker/archive"
	"github.com/SoftwareHeritage/swh-vault/common/models"
)

// Placeholder file contents for entries whose data is not retrievable
var (
	skippedMessage = []byte("This content have not been retrieved in " +
		"Software Heritage archive due to its size")
	hiddenMessage = []byte("This content is hidden")
)

// Fixed mtime keeps cooked tarballs byte-identical across runs
var bundleEpoch = time.Unix(0, 0)

// treeWriter recreates an archived directory tree inside a tar stream
type treeWriter struct {
	ar archive.Archive
	tw *tar.Writer
}

// writeTree writes the directory dirID and everything under it below
// prefix, which must already have a directory header
func (w *treeWriter) writeTree(ctx context.Context, prefix string, dirID models.ObjectID) error {
	entries, err := w.ar.DirectoryLs(ctx, dirID)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := path.Join(prefix, entry.Name)
		switch entry.Type {
		case archive.EntryDir:
			if err := w.writeDirHeader(name); err != nil {
				return err
			}
			if err := w.writeTree(ctx, name, entry.Target); err != nil {
				return err
			}
		case archive.EntryFile:
			if err := w.writeFile(ctx, name, entry); err != nil {
				return err
			}
		case archive.EntryRevision:
			// Submodule pointers have no content to extract
			continue
		default:
			return fmt.Errorf("unknown entry type %q at %s", entry.Type, name)
		}
	}

	return nil
}

func (w *treeWriter) writeDirHeader(name string) error {
	return w.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     name + "/",
		Mode:     0o755,
		ModTime:  bundleEpoch,
	})
}

func (w *treeWriter) writeFile(ctx context.Context, name string, entry archive.DirectoryEntry) error {
	if entry.Perms == archive.PermSymlink {
		target, err := w.ar.ContentGet(ctx, entry.Target)
		if err != nil {
			return fmt.Errorf("failed to read symlink target %s: %w", name, err)
		}
		return w.tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeSymlink,
			Name:     name,
			Linkname: string(target),
			Mode:     0o777,
			ModTime:  bundleEpoch,
		})
	}

	data, err := fileContent(ctx, w.ar, entry)
	if err != nil {
		return fmt.Errorf("failed to read content of %s: %w", name, err)
	}

	mode := int64(0o644)
	if entry.Perms == archive.PermExec {
		mode = 0o755
	}

	if err := w.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     mode,
		Size:     int64(len(data)),
		ModTime:  bundleEpoch,
	}); err != nil {
		return err
	}

	_, err = w.tw.Write(data)
	return err
}

// fileContent returns the bytes to use for a file entry, substituting
// the placeholder messages for skipped and hidden contents
func fileContent(ctx context.Context, ar archive.Archive, entry archive.DirectoryEntry) ([]byte, error) {
	switch entry.Status {
	case archive.StatusAbsent:
		return skippedMessage, nil
	case archive.StatusHidden:
		return hiddenMessage, nil
	default:
		return ar.ContentGet(ctx, entry.Target)
	}
}
