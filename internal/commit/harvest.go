// Package commit selects locally modified entries, arranges them under a
// common repository root and transmits them through an editor.
package commit

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"wcsync/internal/editor"
	"wcsync/internal/entry"
	"wcsync/internal/errors"
)

// Commitables holds harvested entries by root-relative path.
type Commitables map[string]entry.Entry

// Paths lists the harvested paths in order.
func (c Commitables) Paths() []string {
	paths := make([]string, 0, len(c))
	for p := range c {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Entries lists the harvested entries ordered by path.
func (c Commitables) Entries() []entry.Entry {
	out := make([]entry.Entry, 0, len(c))
	for _, p := range c.Paths() {
		out = append(out, c[p])
	}
	return out
}

type harvester struct {
	targets   []string
	recursive bool
	out       Commitables
}

// Harvest collects the entries below targets that have something to
// commit. Targets are root-relative; "" is the whole working copy. A
// non-recursive harvest looks at each target and its immediate children.
func Harvest(ctx context.Context, root entry.Directory, targets []string, recursive bool) (Commitables, error) {
	if len(targets) == 0 {
		targets = []string{""}
	}
	h := &harvester{recursive: recursive, out: make(Commitables)}
	for _, t := range targets {
		t = strings.Trim(t, "/")
		e := Locate(root, t)
		if e == nil {
			return nil, errors.Precondition(t, "not under version control")
		}
		if e.IsCopied() && !e.IsScheduledForAddition() {
			return nil, errors.Precondition(t, "marked as copied but not itself scheduled for addition")
		}
		h.targets = append(h.targets, t)
	}

	if recursive {
		if err := h.harvest(ctx, root, true); err != nil {
			return nil, err
		}
	} else {
		for _, t := range h.targets {
			if err := h.harvest(ctx, Locate(root, t), true); err != nil {
				return nil, err
			}
		}
	}

	if err := h.includeAddedParents(root); err != nil {
		return nil, err
	}
	return h.out, nil
}

// within reports whether path is a target or lies below one. Without
// recursion only the immediate children of a target count.
func (h *harvester) within(path string) bool {
	for _, t := range h.targets {
		if path == t {
			return true
		}
		if !isUnder(path, t) {
			continue
		}
		if h.recursive || parentPath(path) == t {
			return true
		}
	}
	return false
}

// leadsTo reports whether path is an ancestor of some target.
func (h *harvester) leadsTo(path string) bool {
	for _, t := range h.targets {
		if isUnder(t, path) {
			return true
		}
	}
	return false
}

func (h *harvester) harvest(ctx context.Context, e entry.Entry, descend bool) error {
	if err := errors.Check(ctx); err != nil {
		return err
	}
	path := e.Path()
	if !h.within(path) && !h.leadsTo(path) {
		return nil
	}
	if e.IsMissing() {
		return nil
	}

	if !e.IsDirectory() {
		modified, err := e.AsFile().IsContentsModified()
		if err != nil {
			return err
		}
		if h.within(path) && (e.IsScheduledForAddition() || e.IsScheduledForDeletion() || e.IsPropertiesModified() || modified) {
			h.out[path] = e
		}
		return nil
	}

	if h.within(path) && (e.IsScheduledForAddition() || e.IsScheduledForDeletion() || e.IsPropertiesModified()) {
		h.out[path] = e
	}
	// children go with a deleted directory
	if e.IsScheduledForDeletion() && !e.IsScheduledForAddition() {
		return nil
	}
	if !descend {
		return nil
	}

	copied := e.IsCopied()
	rev := entry.Revision(e)
	for _, child := range e.AsDirectory().ChildEntries() {
		childRev := entry.Revision(child)
		if copied && child.PropertyValue(entry.PropCopyFromURL) == "" {
			from := entry.JoinURL(e.PropertyValue(entry.PropCopyFromURL), child.Name())
			if err := child.SetPropertyValue(entry.PropCopyFromURL, editor.String(from)); err != nil {
				return err
			}
			if err := child.SetPropertyValue(entry.PropCopyFromRev, editor.String(strconv.FormatInt(childRev, 10))); err != nil {
				return err
			}
		}

		childDescend := h.recursive || h.leadsTo(child.Path())
		if err := h.harvest(ctx, child, childDescend); err != nil {
			return err
		}
		// a copied child that drifted from the copy source revision
		// must travel with the copy
		if copied && rev != childRev && h.within(child.Path()) {
			if _, ok := h.out[child.Path()]; !ok {
				h.out[child.Path()] = child
			}
		}
	}
	return nil
}

// includeAddedParents pulls in parents scheduled for addition, which the
// repository has to see before their children.
func (h *harvester) includeAddedParents(root entry.Directory) error {
	for _, e := range h.out.Entries() {
		if !e.IsScheduledForAddition() {
			continue
		}
		for p := e.Path(); p != ""; {
			p = parentPath(p)
			parent := Locate(root, p)
			if parent == nil || !parent.IsScheduledForAddition() || parent.IsScheduledForDeletion() {
				break
			}
			h.out[p] = parent
		}
	}
	return nil
}

// CheckPreconditions rejects a commit that cannot succeed: conflicted
// entries, entries of different repositories, two entries with one URL.
func CheckPreconditions(c Commitables) error {
	uuid, uuidPath := "", ""
	urls := make(map[string]string)
	for _, path := range c.Paths() {
		e := c[path]
		if e.IsConflict() {
			return errors.Precondition(path, "resolve the conflict before committing")
		}
		if id := e.PropertyValue(entry.PropUUID); id != "" {
			if uuid != "" && id != uuid {
				return errors.Precondition(path, "commit contains entries from different repositories, see also "+uuidPath)
			}
			uuid, uuidPath = id, path
		}
		url := entry.URL(e)
		if other, ok := urls[url]; ok {
			return errors.Precondition(path, "commit contains entries with the same url as "+other)
		}
		urls[url] = path
	}
	return nil
}

// Locate resolves a root-relative path by walking child entries.
func Locate(root entry.Directory, path string) entry.Entry {
	var e entry.Entry = root
	if path == "" {
		return e
	}
	for _, name := range strings.Split(path, "/") {
		if e == nil || !e.IsDirectory() {
			return nil
		}
		e = e.AsDirectory().Child(name)
	}
	return e
}

func parentPath(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i]
	}
	return ""
}

// isUnder reports whether p lies strictly below dir.
func isUnder(p, dir string) bool {
	if p == dir {
		return false
	}
	return dir == "" || strings.HasPrefix(p, dir+"/")
}
