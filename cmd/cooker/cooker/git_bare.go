package cooker

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/SoftwareHeritage/swh-vault/cmd/cooker/archive"
	"github.com/SoftwareHeritage/swh-vault/common/models"
)

const bareConfig = "[core]\n\trepositoryformatversion = 0\n\tfilemode = true\n\tbare = true\n"

// GitBareCooker builds a gzip tarball of a bare git repository holding
// the full history of a revision as loose objects
type GitBareCooker struct {
	ar archive.Archive
}

func (c *GitBareCooker) CheckExists(ctx context.Context, objectID models.ObjectID) error {
	missing, err := c.ar.RevisionMissing(ctx, objectID)
	if err != nil {
		return err
	}
	if missing {
		return fmt.Errorf("revision %s: %w", objectID, archive.ErrObjectMissing)
	}
	return nil
}

func (c *GitBareCooker) Cook(ctx context.Context, objectID models.ObjectID, progress ProgressFunc) ([]byte, error) {
	log, err := c.ar.RevisionLog(ctx, objectID)
	if err != nil {
		return nil, err
	}

	repo := &bareRepo{
		ar:    c.ar,
		files: make(map[string][]byte),
	}

	for i, rev := range log {
		progress(fmt.Sprintf("Computing revision %d/%d", i+1, len(log)))
		if err := repo.writeRevision(ctx, rev); err != nil {
			return nil, err
		}
	}

	repo.files["HEAD"] = []byte("ref: " + exportRef + "\n")
	repo.files["config"] = []byte(bareConfig)
	repo.files[exportRef] = []byte(objectID.String() + "\n")

	progress("Packing repository.")
	return repo.tarball(objectID.String() + ".git")
}

// bareRepo accumulates the files of a bare repository before packaging
type bareRepo struct {
	ar    archive.Archive
	files map[string][]byte
}

func objectPath(id models.ObjectID) string {
	hex := id.String()
	return path.Join("objects", hex[:2], hex[2:])
}

// writeObject stores a loose object unless already written. Objects are
// keyed by their archive id, which matches the git hash of the object.
func (r *bareRepo) writeObject(id models.ObjectID, objType string, payload []byte) (bool, error) {
	p := objectPath(id)
	if _, ok := r.files[p]; ok {
		return false, nil
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := fmt.Fprintf(zw, "%s %d\x00", objType, len(payload)); err != nil {
		return false, err
	}
	if _, err := zw.Write(payload); err != nil {
		return false, err
	}
	if err := zw.Close(); err != nil {
		return false, err
	}

	r.files[p] = buf.Bytes()
	return true, nil
}

func (r *bareRepo) writeRevision(ctx context.Context, rev *archive.Revision) error {
	var body bytes.Buffer
	fmt.Fprintf(&body, "tree %s\n", rev.Directory)
	for _, parent := range rev.Parents {
		fmt.Fprintf(&body, "parent %s\n", parent)
	}
	fmt.Fprintf(&body, "author %s\n", formatIdent(rev.Author, rev.AuthorDate))
	fmt.Fprintf(&body, "committer %s\n", formatIdent(rev.Committer, rev.CommitterDate))
	fmt.Fprintf(&body, "\n%s", rev.Message)

	written, err := r.writeObject(rev.ID, "commit", body.Bytes())
	if err != nil || !written {
		return err
	}

	return r.writeTree(ctx, rev.Directory)
}

func (r *bareRepo) writeTree(ctx context.Context, dirID models.ObjectID) error {
	if _, ok := r.files[objectPath(dirID)]; ok {
		return nil
	}

	entries, err := r.ar.DirectoryLs(ctx, dirID)
	if err != nil {
		return err
	}

	// Git sorts tree entries treating directory names as if they had a
	// trailing slash
	sorted := append([]archive.DirectoryEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return treeSortKey(sorted[i]) < treeSortKey(sorted[j])
	})

	var body bytes.Buffer
	for _, entry := range sorted {
		fmt.Fprintf(&body, "%o %s\x00", entry.Perms, entry.Name)
		body.Write(entry.Target[:])
	}

	if _, err := r.writeObject(dirID, "tree", body.Bytes()); err != nil {
		return err
	}

	for _, entry := range sorted {
		switch entry.Type {
		case archive.EntryDir:
			if err := r.writeTree(ctx, entry.Target); err != nil {
				return err
			}
		case archive.EntryFile:
			if err := r.writeBlob(ctx, entry); err != nil {
				return err
			}
		case archive.EntryRevision:
			// Gitlink: the submodule commit lives in another repository
			continue
		}
	}

	return nil
}

func (r *bareRepo) writeBlob(ctx context.Context, entry archive.DirectoryEntry) error {
	if _, ok := r.files[objectPath(entry.Target)]; ok {
		return nil
	}

	data, err := fileContent(ctx, r.ar, entry)
	if err != nil {
		return err
	}

	_, err = r.writeObject(entry.Target, "blob", data)
	return err
}

func treeSortKey(entry archive.DirectoryEntry) string {
	if entry.Type == archive.EntryDir {
		return entry.Name + "/"
	}
	return entry.Name
}

// tarball packages the accumulated files under root into a gzip tarball
func (r *bareRepo) tarball(root string) ([]byte, error) {
	paths := make([]string, 0, len(r.files))
	for p := range r.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	written := map[string]bool{}
	writeDir := func(name string) error {
		if written[name] {
			return nil
		}
		written[name] = true
		return tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     name + "/",
			Mode:     0o755,
			ModTime:  bundleEpoch,
		})
	}

	if err := writeDir(root); err != nil {
		return nil, err
	}

	for _, p := range paths {
		// Parent directories first
		parts := strings.Split(p, "/")
		for i := 1; i < len(parts); i++ {
			if err := writeDir(path.Join(root, path.Join(parts[:i]...))); err != nil {
				return nil, err
			}
		}

		data := r.files[p]
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     path.Join(root, p),
			Mode:     0o644,
			Size:     int64(len(data)),
			ModTime:  bundleEpoch,
		}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
