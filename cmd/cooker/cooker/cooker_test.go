package cooker

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SoftwareHeritage/swh-vault/cmd/cooker/archive"
	"github.com/SoftwareHeritage/swh-vault/common/models"
)

func mkID(b byte) models.ObjectID {
	var id models.ObjectID
	id[19] = b
	return id
}

func noProgress(string) {}

type tarEntry struct {
	header *tar.Header
	body   []byte
}

// extractTarGz decompresses a cooked bundle into a map keyed by path
func extractTarGz(t *testing.T, data []byte) map[string]tarEntry {
	t.Helper()

	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	entries := make(map[string]tarEntry)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries[hdr.Name] = tarEntry{header: hdr, body: body}
	}
	return entries
}

func gunzip(t *testing.T, data []byte) string {
	t.Helper()

	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	out, err := io.ReadAll(gz)
	require.NoError(t, err)
	return string(out)
}

// seedDirectory builds the archive tree the directory cooker tests use:
// a README, an executable, a symlink, a skipped and a hidden file, a
// nested directory and a submodule pointer.
func seedDirectory(ar *archive.MemoryArchive) (root models.ObjectID) {
	readme := mkID(0x01)
	script := mkID(0x02)
	linkTarget := mkID(0x03)
	nested := mkID(0x06)
	subdir := mkID(0x10)
	root = mkID(0x20)

	ar.AddContent(readme, []byte("hello vault\n"))
	ar.AddContent(script, []byte("#!/bin/sh\nexit 0\n"))
	ar.AddContent(linkTarget, []byte("README"))
	ar.AddContent(nested, []byte("nested\n"))

	ar.AddDirectory(subdir, []archive.DirectoryEntry{
		{Name: "nested.txt", Type: archive.EntryFile, Target: nested, Perms: archive.PermFile, Status: archive.StatusVisible},
	})
	ar.AddDirectory(root, []archive.DirectoryEntry{
		{Name: "README", Type: archive.EntryFile, Target: readme, Perms: archive.PermFile, Status: archive.StatusVisible},
		{Name: "big.bin", Type: archive.EntryFile, Target: mkID(0x04), Perms: archive.PermFile, Status: archive.StatusAbsent},
		{Name: "link", Type: archive.EntryFile, Target: linkTarget, Perms: archive.PermSymlink, Status: archive.StatusVisible},
		{Name: "run.sh", Type: archive.EntryFile, Target: script, Perms: archive.PermExec, Status: archive.StatusVisible},
		{Name: "secret", Type: archive.EntryFile, Target: mkID(0x05), Perms: archive.PermFile, Status: archive.StatusHidden},
		{Name: "sub", Type: archive.EntryDir, Target: subdir, Perms: archive.PermDir},
		{Name: "vendor", Type: archive.EntryRevision, Target: mkID(0x30), Perms: archive.PermGitlink},
	})
	return root
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New("snapshot", archive.NewMemoryArchive())
	assert.ErrorIs(t, err, models.ErrUnsupportedType)
}

func TestDirectoryCooker_CheckExists(t *testing.T) {
	ctx := context.Background()
	ar := archive.NewMemoryArchive()
	root := seedDirectory(ar)

	c, err := New("directory", ar)
	require.NoError(t, err)

	require.NoError(t, c.CheckExists(ctx, root))
	assert.ErrorIs(t, c.CheckExists(ctx, mkID(0xff)), archive.ErrObjectMissing)
}

func TestDirectoryCooker_Cook(t *testing.T) {
	ctx := context.Background()
	ar := archive.NewMemoryArchive()
	root := seedDirectory(ar)

	c, err := New("directory", ar)
	require.NoError(t, err)

	bundle, err := c.Cook(ctx, root, noProgress)
	require.NoError(t, err)

	entries := extractTarGz(t, bundle)
	prefix := root.String()

	readme, ok := entries[prefix+"/README"]
	require.True(t, ok)
	assert.Equal(t, "hello vault\n", string(readme.body))
	assert.Equal(t, int64(0o644), readme.header.Mode)

	script, ok := entries[prefix+"/run.sh"]
	require.True(t, ok)
	assert.Equal(t, int64(0o755), script.header.Mode)

	link, ok := entries[prefix+"/link"]
	require.True(t, ok)
	assert.Equal(t, byte(tar.TypeSymlink), link.header.Typeflag)
	assert.Equal(t, "README", link.header.Linkname)

	skipped, ok := entries[prefix+"/big.bin"]
	require.True(t, ok)
	assert.Contains(t, string(skipped.body), "not been retrieved")

	hidden, ok := entries[prefix+"/secret"]
	require.True(t, ok)
	assert.Equal(t, "This content is hidden", string(hidden.body))

	nested, ok := entries[prefix+"/sub/nested.txt"]
	require.True(t, ok)
	assert.Equal(t, "nested\n", string(nested.body))

	_, ok = entries[prefix+"/vendor"]
	assert.False(t, ok, "submodule pointers are not extracted")
}

func TestDirectoryCooker_Deterministic(t *testing.T) {
	ctx := context.Background()
	ar := archive.NewMemoryArchive()
	root := seedDirectory(ar)

	c, err := New("directory", ar)
	require.NoError(t, err)

	first, err := c.Cook(ctx, root, noProgress)
	require.NoError(t, err)
	second, err := c.Cook(ctx, root, noProgress)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// seedHistory builds a two revision chain: the root revision holds a.txt,
// the child modifies it and adds b.txt
func seedHistory(ar *archive.MemoryArchive) (parent, child *archive.Revision) {
	aV1 := mkID(0x01)
	aV2 := mkID(0x02)
	b := mkID(0x03)
	d1 := mkID(0x10)
	d2 := mkID(0x11)

	ar.AddContent(aV1, []byte("first version\n"))
	ar.AddContent(aV2, []byte("second version\n"))
	ar.AddContent(b, []byte("brand new\n"))

	ar.AddDirectory(d1, []archive.DirectoryEntry{
		{Name: "a.txt", Type: archive.EntryFile, Target: aV1, Perms: archive.PermFile, Status: archive.StatusVisible},
	})
	ar.AddDirectory(d2, []archive.DirectoryEntry{
		{Name: "a.txt", Type: archive.EntryFile, Target: aV2, Perms: archive.PermFile, Status: archive.StatusVisible},
		{Name: "b.txt", Type: archive.EntryFile, Target: b, Perms: archive.PermFile, Status: archive.StatusVisible},
	})

	parent = &archive.Revision{
		ID:            mkID(0xa1),
		Message:       "initial import\n",
		Author:        archive.Person{Name: "Ada", Email: "ada@example.org"},
		AuthorDate:    archive.Timestamp{Seconds: 1000},
		Committer:     archive.Person{Name: "Ada", Email: "ada@example.org"},
		CommitterDate: archive.Timestamp{Seconds: 1000},
		Directory:     d1,
	}
	child = &archive.Revision{
		ID:            mkID(0xa2),
		Message:       "update a, add b\n",
		Author:        archive.Person{Name: "Ada", Email: "ada@example.org"},
		AuthorDate:    archive.Timestamp{Seconds: 2000, OffsetMinutes: 120},
		Committer:     archive.Person{Name: "Ada", Email: "ada@example.org"},
		CommitterDate: archive.Timestamp{Seconds: 2000, OffsetMinutes: 120},
		Parents:       []models.ObjectID{parent.ID},
		Directory:     d2,
	}
	ar.AddRevision(parent)
	ar.AddRevision(child)
	return parent, child
}

func TestRevisionFlatCooker_Cook(t *testing.T) {
	ctx := context.Background()
	ar := archive.NewMemoryArchive()
	parent, child := seedHistory(ar)

	c, err := New("revision_flat", ar)
	require.NoError(t, err)

	bundle, err := c.Cook(ctx, child.ID, noProgress)
	require.NoError(t, err)

	entries := extractTarGz(t, bundle)
	prefix := child.ID.String()

	got, ok := entries[prefix+"/"+parent.ID.String()+"/a.txt"]
	require.True(t, ok)
	assert.Equal(t, "first version\n", string(got.body))

	got, ok = entries[prefix+"/"+child.ID.String()+"/a.txt"]
	require.True(t, ok)
	assert.Equal(t, "second version\n", string(got.body))

	got, ok = entries[prefix+"/"+child.ID.String()+"/b.txt"]
	require.True(t, ok)
	assert.Equal(t, "brand new\n", string(got.body))

	_, ok = entries[prefix+"/"+parent.ID.String()+"/b.txt"]
	assert.False(t, ok, "b.txt does not exist in the root revision")
}

func TestGitfastCooker_Cook(t *testing.T) {
	ctx := context.Background()
	ar := archive.NewMemoryArchive()
	_, child := seedHistory(ar)

	c, err := New("revision_gitfast", ar)
	require.NoError(t, err)

	bundle, err := c.Cook(ctx, child.ID, noProgress)
	require.NoError(t, err)

	stream := gunzip(t, bundle)

	assert.Contains(t, stream, "reset refs/heads/master\n")
	assert.Contains(t, stream, "author Ada <ada@example.org> 1000 +0000\n")
	assert.Contains(t, stream, "committer Ada <ada@example.org> 2000 +0200\n")
	assert.Contains(t, stream, "data 14\nfirst version\n")
	assert.Contains(t, stream, "data 15\nsecond version\n")
	assert.Contains(t, stream, "data 10\nbrand new\n")

	// Parents are exported before their children and reference them
	// through from marks
	firstCommit := strings.Index(stream, "data 15\ninitial import\n")
	secondCommit := strings.Index(stream, "data 16\nupdate a, add b\n")
	require.GreaterOrEqual(t, firstCommit, 0)
	require.GreaterOrEqual(t, secondCommit, 0)
	assert.Less(t, firstCommit, secondCommit)
	assert.Contains(t, stream, "from :")

	// The child commit only touches a.txt and b.txt; the unchanged tree
	// is never deleted
	assert.Contains(t, stream, " a.txt\n")
	assert.Contains(t, stream, " b.txt\n")
	assert.NotContains(t, stream, "D a.txt")
}

func TestGitfastCooker_Deterministic(t *testing.T) {
	ctx := context.Background()
	ar := archive.NewMemoryArchive()
	_, child := seedHistory(ar)

	c, err := New("revision_gitfast", ar)
	require.NoError(t, err)

	first, err := c.Cook(ctx, child.ID, noProgress)
	require.NoError(t, err)
	second, err := c.Cook(ctx, child.ID, noProgress)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// readLooseObject zlib-decodes one loose object from an extracted bare
// repository
func readLooseObject(t *testing.T, entries map[string]tarEntry, root string, id models.ObjectID) string {
	t.Helper()

	hex := id.String()
	entry, ok := entries[root+"/objects/"+hex[:2]+"/"+hex[2:]]
	require.True(t, ok, "loose object %s missing", hex)

	zr, err := zlib.NewReader(bytes.NewReader(entry.body))
	require.NoError(t, err)
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	return string(out)
}

func TestGitBareCooker_Cook(t *testing.T) {
	ctx := context.Background()
	ar := archive.NewMemoryArchive()
	parent, child := seedHistory(ar)

	c, err := New("git_bare", ar)
	require.NoError(t, err)

	bundle, err := c.Cook(ctx, child.ID, noProgress)
	require.NoError(t, err)

	entries := extractTarGz(t, bundle)
	root := child.ID.String() + ".git"

	head, ok := entries[root+"/HEAD"]
	require.True(t, ok)
	assert.Equal(t, "ref: refs/heads/master\n", string(head.body))

	ref, ok := entries[root+"/refs/heads/master"]
	require.True(t, ok)
	assert.Equal(t, child.ID.String()+"\n", string(ref.body))

	cfg, ok := entries[root+"/config"]
	require.True(t, ok)
	assert.Contains(t, string(cfg.body), "bare = true")

	commit := readLooseObject(t, entries, root, child.ID)
	assert.True(t, strings.HasPrefix(commit, "commit "))
	assert.Contains(t, commit, "tree "+child.Directory.String()+"\n")
	assert.Contains(t, commit, "parent "+parent.ID.String()+"\n")
	assert.Contains(t, commit, "author Ada <ada@example.org> 2000 +0200\n")
	assert.Contains(t, commit, "\nupdate a, add b\n")

	blob := readLooseObject(t, entries, root, mkID(0x02))
	assert.Equal(t, "blob 15\x00second version\n", blob)

	tree := readLooseObject(t, entries, root, child.Directory)
	assert.True(t, strings.HasPrefix(tree, "tree "))
	assert.Contains(t, tree, "100644 a.txt\x00")
	assert.Contains(t, tree, "100644 b.txt\x00")
}
