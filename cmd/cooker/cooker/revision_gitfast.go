package cooker

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"time"

	"github.com/SoftwareHeritage/swh-vault/cmd/cooker/archive"
	"github.com/SoftwareHeritage/swh-vault/common/models"
)

const exportRef = "refs/heads/master"

// GitfastCooker builds a gzip-compressed git fast-import stream
// replaying the whole history of a revision
type GitfastCooker struct {
	ar archive.Archive
}

func (c *GitfastCooker) CheckExists(ctx context.Context, objectID models.ObjectID) error {
	missing, err := c.ar.RevisionMissing(ctx, objectID)
	if err != nil {
		return err
	}
	if missing {
		return fmt.Errorf("revision %s: %w", objectID, archive.ErrObjectMissing)
	}
	return nil
}

func (c *GitfastCooker) Cook(ctx context.Context, objectID models.ObjectID, progress ProgressFunc) ([]byte, error) {
	log, err := c.ar.RevisionLog(ctx, objectID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}

	exp := &fastExporter{
		ar:       c.ar,
		out:      gz,
		marks:    make(map[models.ObjectID]int),
		blobDone: make(map[models.ObjectID]bool),
		dirCache: make(map[models.ObjectID]map[string]archive.DirectoryEntry),
		progress: progress,
	}
	if err := exp.export(ctx, log); err != nil {
		return nil, err
	}

	if err := gz.Close(); err != nil {
		return nil, err
	}

	progress("Bundle assembled.")
	return buf.Bytes(), nil
}

// fastExporter emits git fast-import commands for a revision log
type fastExporter struct {
	ar  archive.Archive
	out io.Writer

	revByID  map[models.ObjectID]*archive.Revision
	marks    map[models.ObjectID]int
	blobDone map[models.ObjectID]bool
	dirCache map[models.ObjectID]map[string]archive.DirectoryEntry
	progress ProgressFunc
}

func (e *fastExporter) export(ctx context.Context, log []*archive.Revision) error {
	e.revByID = make(map[models.ObjectID]*archive.Revision, len(log))
	for _, rev := range log {
		e.revByID[rev.ID] = rev
	}

	sorted := toposort(log, e.revByID)

	lastReport := time.Time{}
	for i, rev := range sorted {
		if time.Since(lastReport) >= 2*time.Second {
			lastReport = time.Now()
			e.progress(fmt.Sprintf("Computing revision %d/%d", i+1, len(sorted)))
		}

		if err := e.commitCommand(ctx, rev); err != nil {
			return err
		}
	}

	return nil
}

// toposort orders revisions parents first using Kahn's algorithm. The
// log order seeds the queue so the output is stable.
func toposort(log []*archive.Revision, revByID map[models.ObjectID]*archive.Revision) []*archive.Revision {
	children := make(map[models.ObjectID][]models.ObjectID)
	inDegree := make(map[models.ObjectID]int)

	var queue []models.ObjectID
	for _, rev := range log {
		degree := 0
		for _, parent := range rev.Parents {
			// Parents outside the log (shallow history) count as satisfied
			if _, ok := revByID[parent]; ok {
				degree++
				children[parent] = append(children[parent], rev.ID)
			}
		}
		inDegree[rev.ID] = degree
		if degree == 0 {
			queue = append(queue, rev.ID)
		}
	}

	sorted := make([]*archive.Revision, 0, len(revByID))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, revByID[id])
		for _, child := range children[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	return sorted
}

// mark assigns, or returns, the fast-import mark of an object
func (e *fastExporter) mark(id models.ObjectID) int {
	m, ok := e.marks[id]
	if !ok {
		m = len(e.marks) + 1
		e.marks[id] = m
	}
	return m
}

func (e *fastExporter) printf(format string, args ...interface{}) error {
	_, err := fmt.Fprintf(e.out, format, args...)
	return err
}

// blobCommand emits the blob for a file entry unless already exported
func (e *fastExporter) blobCommand(ctx context.Context, entry archive.DirectoryEntry) error {
	if e.blobDone[entry.Target] {
		return nil
	}

	data, err := fileContent(ctx, e.ar, entry)
	if err != nil {
		return err
	}

	if err := e.printf("blob\nmark :%d\ndata %d\n", e.mark(entry.Target), len(data)); err != nil {
		return err
	}
	if _, err := e.out.Write(data); err != nil {
		return err
	}
	if err := e.printf("\n"); err != nil {
		return err
	}

	e.blobDone[entry.Target] = true
	return nil
}

func formatIdent(p archive.Person, ts archive.Timestamp) string {
	offset := ts.OffsetMinutes
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	return fmt.Sprintf("%s <%s> %d %s%02d%02d", p.Name, p.Email, ts.Seconds, sign, offset/60, offset%60)
}

func (e *fastExporter) commitCommand(ctx context.Context, rev *archive.Revision) error {
	var parent *archive.Revision
	if len(rev.Parents) > 0 {
		parent = e.revByID[rev.Parents[0]]
	}

	if parent == nil {
		// New roots must not chain onto the current branch tip
		if err := e.printf("reset %s\n", exportRef); err != nil {
			return err
		}
	}

	// File commands are collected first so the blobs they reference are
	// emitted ahead of the commit
	files, err := e.fileCommands(ctx, rev, parent)
	if err != nil {
		return err
	}

	if err := e.printf("commit %s\nmark :%d\n", exportRef, e.mark(rev.ID)); err != nil {
		return err
	}
	if err := e.printf("author %s\n", formatIdent(rev.Author, rev.AuthorDate)); err != nil {
		return err
	}
	if err := e.printf("committer %s\n", formatIdent(rev.Committer, rev.CommitterDate)); err != nil {
		return err
	}
	if err := e.printf("data %d\n%s\n", len(rev.Message), rev.Message); err != nil {
		return err
	}

	if parent != nil {
		if err := e.printf("from :%d\n", e.mark(parent.ID)); err != nil {
			return err
		}
		for _, merge := range rev.Parents[1:] {
			if _, ok := e.revByID[merge]; !ok {
				continue
			}
			if err := e.printf("merge :%d\n", e.mark(merge)); err != nil {
				return err
			}
		}
	}

	for _, cmd := range files {
		if err := e.printf("%s\n", cmd); err != nil {
			return err
		}
	}

	return e.printf("\n")
}

// dirEnts lists a directory as a name to entry map, memoized because the
// same tree is diffed against every child commit
func (e *fastExporter) dirEnts(ctx context.Context, dirID *models.ObjectID) (map[string]archive.DirectoryEntry, error) {
	if dirID == nil {
		return nil, nil
	}
	if cached, ok := e.dirCache[*dirID]; ok {
		return cached, nil
	}

	entries, err := e.ar.DirectoryLs(ctx, *dirID)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]archive.DirectoryEntry, len(entries))
	for _, entry := range entries {
		byName[entry.Name] = entry
	}
	e.dirCache[*dirID] = byName
	return byName, nil
}

type dirFrame struct {
	root string
	cur  *models.ObjectID
	prev *models.ObjectID
}

// sortedNames returns map keys in lexical order so the exported stream
// is stable across runs
func sortedNames(entries map[string]archive.DirectoryEntry) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fileCommands diffs the revision's tree against its first parent and
// returns the filemodify/filedelete commands to apply, emitting blob
// commands for new contents along the way
func (e *fastExporter) fileCommands(ctx context.Context, rev *archive.Revision, parent *archive.Revision) ([]string, error) {
	var commands []string

	var prevRoot *models.ObjectID
	if parent != nil {
		d := parent.Directory
		prevRoot = &d
	}
	curRoot := rev.Directory
	stack := []dirFrame{{root: "", cur: &curRoot, prev: prevRoot}}

	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		curDir, err := e.dirEnts(ctx, frame.cur)
		if err != nil {
			return nil, err
		}
		prevDir, err := e.dirEnts(ctx, frame.prev)
		if err != nil {
			return nil, err
		}

		// Entries gone from the new tree, or whose type flipped, are
		// deleted; whatever remains has the same type on both sides
		for _, name := range sortedNames(prevDir) {
			prev := prevDir[name]
			cur, ok := curDir[name]
			if !ok || prev.Type != cur.Type {
				commands = append(commands, fmt.Sprintf("D %s", path.Join(frame.root, name)))
			}
		}

		for _, name := range sortedNames(curDir) {
			cur := curDir[name]
			prev, inPrev := prevDir[name]
			switch cur.Type {
			case archive.EntryFile:
				if !inPrev || prev.Target != cur.Target || prev.Perms != cur.Perms {
					if err := e.blobCommand(ctx, cur); err != nil {
						return nil, err
					}
					commands = append(commands, fmt.Sprintf("M %06o :%d %s",
						cur.Perms, e.mark(cur.Target), path.Join(frame.root, name)))
				}
			case archive.EntryDir:
				var prevTarget *models.ObjectID
				if inPrev && prev.Type == archive.EntryDir {
					t := prev.Target
					prevTarget = &t
				}
				if prevTarget == nil || *prevTarget != cur.Target {
					t := cur.Target
					stack = append(stack, dirFrame{
						root: path.Join(frame.root, name),
						cur:  &t,
						prev: prevTarget,
					})
				}
			case archive.EntryRevision:
				// Submodules are exported as gitlinks to the target id
				if !inPrev || prev.Target != cur.Target {
					commands = append(commands, fmt.Sprintf("M %06o %s %s",
						archive.PermGitlink, cur.Target, path.Join(frame.root, name)))
				}
			}
		}
	}

	return commands, nil
}
