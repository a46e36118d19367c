package wc

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"wcsync/internal/entry"
)

func (n *node) Child(name string) entry.Entry {
	if !n.IsDirectory() || !n.hasChild(name) {
		return nil
	}
	c := n.s.load(entry.Join(n.rec.Path, name))
	if c == nil {
		return nil
	}
	return c
}

func (n *node) hasChild(name string) bool {
	i := sort.SearchStrings(n.rec.Children, name)
	return i < len(n.rec.Children) && n.rec.Children[i] == name
}

func (n *node) ChildEntries() []entry.Entry {
	out := make([]entry.Entry, 0, len(n.rec.Children))
	for _, name := range n.rec.Children {
		if c := n.s.load(entry.Join(n.rec.Path, name)); c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (n *node) DeletedEntries() []string {
	return append([]string(nil), n.rec.Deleted...)
}

func (n *node) AddDirectory(name string) (entry.Directory, error) {
	c, err := n.addChild(name, kindDir)
	if err != nil {
		return nil, err
	}
	abs := n.s.abs(c.rec.Path)
	if _, err := os.Lstat(abs); os.IsNotExist(err) {
		if err := os.MkdirAll(abs, 0755); err != nil {
			return nil, fmt.Errorf("%s: creating directory: %w", c.rec.Path, err)
		}
		n.s.createdDirs = append(n.s.createdDirs, abs)
	}
	return c, nil
}

func (n *node) AddFile(name string) (entry.File, error) {
	c, err := n.addChild(name, kindFile)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (n *node) addChild(name, kind string) (*node, error) {
	if !n.IsDirectory() {
		return nil, fmt.Errorf("%s: not a directory", n.rec.Path)
	}
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid entry name %q", name)
	}
	if n.hasChild(name) {
		return nil, fmt.Errorf("%s: entry already exists", entry.Join(n.rec.Path, name))
	}

	path := entry.Join(n.rec.Path, name)
	c := &node{s: n.s, rec: record{
		Path:  path,
		Kind:  kind,
		Entry: map[string]string{},
	}, dirty: true, fresh: true}
	if url := entry.URL(n); url != "" {
		c.rec.Entry[entry.PropURL] = entry.JoinURL(url, name)
	}
	n.s.nodes[path] = c

	n.rec.Children = insertSorted(n.rec.Children, name)
	n.rec.Deleted = removeName(n.rec.Deleted, name)
	n.touch()
	return c, nil
}

// DeleteChild drops the child and its subtree. Records and unmodified
// working items go away at the next Save or Merge.
func (n *node) DeleteChild(name string, keepInfo bool) error {
	if !n.hasChild(name) {
		return fmt.Errorf("%s: no such entry", entry.Join(n.rec.Path, name))
	}
	path := entry.Join(n.rec.Path, name)
	if c := n.s.load(path); c != nil {
		n.s.collectHashes(c)
	}
	for p := range n.s.nodes {
		if under(p, path) {
			delete(n.s.nodes, p)
		}
	}
	n.s.removed[path] = true

	n.rec.Children = removeName(n.rec.Children, name)
	if keepInfo {
		n.rec.Deleted = insertSorted(n.rec.Deleted, name)
	}
	n.touch()
	return nil
}

// collectHashes remembers the base texts of the files below n so that the
// removal can tell modified leftovers from clean ones.
func (s *Store) collectHashes(n *node) {
	if !n.IsDirectory() {
		if n.rec.BaseHash != "" {
			s.removedHashes[n.rec.Path] = n.rec.BaseHash
		}
		return
	}
	for _, name := range n.rec.Children {
		if c := s.load(entry.Join(n.rec.Path, name)); c != nil {
			s.collectHashes(c)
		}
	}
}

func (n *node) Unschedule(name string) error {
	c := n.Child(name)
	if c == nil {
		return fmt.Errorf("%s: no such entry", entry.Join(n.rec.Path, name))
	}
	return c.SetPropertyValue(entry.PropSchedule, nil)
}

func (n *node) Unversioned() ([]string, error) {
	items, err := os.ReadDir(n.s.abs(n.rec.Path))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, item := range items {
		name := item.Name()
		if n.rec.Path == "" && name == n.s.opts.AdminDir {
			continue
		}
		if strings.HasSuffix(name, ".wcsync-tmp") || n.hasChild(name) {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

func (n *node) IsIgnored(name string) bool {
	patterns := append([]string(nil), n.s.opts.GlobalIgnores...)
	for _, line := range strings.Split(n.rec.Working[entry.PropIgnore], "\n") {
		if line = strings.TrimSpace(line); line != "" {
			patterns = append(patterns, line)
		}
	}
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

func (n *node) HasObstruction(name string) bool {
	if n.hasChild(name) {
		return false
	}
	info, err := os.Lstat(n.s.abs(entry.Join(n.rec.Path, name)))
	return err == nil && !info.IsDir()
}

func insertSorted(names []string, name string) []string {
	i := sort.SearchStrings(names, name)
	if i < len(names) && names[i] == name {
		return names
	}
	names = append(names, "")
	copy(names[i+1:], names[i:])
	names[i] = name
	return names
}

func removeName(names []string, name string) []string {
	i := sort.SearchStrings(names, name)
	if i == len(names) || names[i] != name {
		return names
	}
	return append(names[:i], names[i+1:]...)
}
