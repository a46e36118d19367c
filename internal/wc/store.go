// Package wc is the working copy entry store: working files on disk,
// administrative records in badger and base texts in the safe.
package wc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"wcsync/internal/entry"
	"wcsync/internal/safe"
	"wcsync/internal/storage"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	kindFile = "file"
	kindDir  = "dir"

	recordPrefix = "entry"
)

var ErrNotWorkingCopy = errors.New("not a working copy")

// record is the persisted form of one entry.
type record struct {
	Path     string            `json:"path"`
	Kind     string            `json:"kind"`
	Entry    map[string]string `json:"entry"`
	Base     map[string]string `json:"base,omitempty"`
	Working  map[string]string `json:"working,omitempty"`
	BaseHash string            `json:"base_hash,omitempty"`
	// Size and ModTime describe the working file when it last matched
	// the base text.
	Size     int64    `json:"size,omitempty"`
	ModTime  int64    `json:"mod_time,omitempty"`
	Children []string `json:"children,omitempty"`
	Deleted  []string `json:"deleted,omitempty"`
}

func (r *record) GetID() string {
	return "/" + r.Path
}

type Options struct {
	AdminDir      string
	GlobalIgnores []string
	CacheSize     int
	// Export writes working files only; nothing is persisted.
	Export bool
	Logger *zap.Logger
}

// Store is not safe for concurrent use; one edit runs at a time.
type Store struct {
	root    string
	opts    Options
	db      *badger.DB
	records *storage.BadgerStore
	safe    *safe.Safe
	logger  *zap.Logger

	nodes   map[string]*node
	removed map[string]bool
	// base text hashes of files under removed entries, by path
	removedHashes map[string]string
	createdDirs   []string

	timestampsChanged bool
}

// Open attaches to the working copy at root. db may be nil in export mode.
func Open(root string, db *badger.DB, opts Options) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	if opts.AdminDir == "" {
		opts.AdminDir = ".wcsync"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Store{
		root:    abs,
		opts:    opts,
		db:      db,
		logger:  opts.Logger,
		nodes:   make(map[string]*node),
		removed: make(map[string]bool),

		removedHashes: make(map[string]string),
	}
	if opts.Export {
		return s, nil
	}
	if db == nil {
		return nil, fmt.Errorf("database is required outside export mode")
	}

	s.records = storage.NewBadgerStore(db, recordPrefix)
	s.safe, err = safe.New(db, safe.Options{
		Root:      filepath.Join(abs, opts.AdminDir, "pristine"),
		CacheSize: opts.CacheSize,
		KeyPrefix: "pristine",
	})
	if err != nil {
		return nil, fmt.Errorf("opening pristine store: %w", err)
	}
	return s, nil
}

func (s *Store) RootPath() string {
	return s.root
}

func (s *Store) IsExport() bool {
	return s.opts.Export
}

// Init records root as a working copy of url at rev. An existing root
// record is left untouched.
func (s *Store) Init(url, reposRoot, uuid string, rev int64) (entry.Directory, error) {
	if root, err := s.Root(); err == nil {
		return root, nil
	}
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return nil, fmt.Errorf("creating root: %w", err)
	}

	n := &node{s: s, rec: record{
		Path: "",
		Kind: kindDir,
		Entry: map[string]string{
			entry.PropURL:            url,
			entry.PropRepositoryRoot: reposRoot,
			entry.PropUUID:           uuid,
		},
	}, dirty: true}
	if err := entry.SetRevision(n, rev); err != nil {
		return nil, err
	}
	s.nodes[""] = n
	if err := n.Save(false); err != nil {
		return nil, err
	}
	return n, nil
}

// Root returns the root directory entry.
func (s *Store) Root() (entry.Directory, error) {
	n := s.load("")
	if n == nil {
		return nil, ErrNotWorkingCopy
	}
	return n, nil
}

// Entry resolves a root-relative path.
func (s *Store) Entry(path string) (entry.Entry, error) {
	path = normalize(path)
	n := s.load(path)
	if n == nil {
		return nil, fmt.Errorf("%s: not under version control", path)
	}
	return n, nil
}

func (s *Store) TimestampsChanged() bool {
	return s.timestampsChanged
}

func (s *Store) ResetTimestamps() {
	s.timestampsChanged = false
}

func (s *Store) abs(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

func normalize(path string) string {
	path = filepath.ToSlash(filepath.Clean(path))
	if path == "." || path == "/" {
		return ""
	}
	return strings.Trim(path, "/")
}

func parentPath(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i]
	}
	return ""
}

func baseName(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}

// under reports whether p is path or inside it.
func under(p, path string) bool {
	return path == "" || p == path || strings.HasPrefix(p, path+"/")
}

func (s *Store) isRemoved(path string) bool {
	for p := range s.removed {
		if under(path, p) {
			return true
		}
	}
	return false
}

func (s *Store) load(path string) *node {
	if n, ok := s.nodes[path]; ok {
		return n
	}
	if s.opts.Export || s.isRemoved(path) {
		return nil
	}
	var rec record
	if err := s.records.Get("/"+path, &rec); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("loading entry", zap.String("path", path), zap.Error(err))
		}
		return nil
	}
	if rec.Entry == nil {
		rec.Entry = make(map[string]string)
	}
	n := &node{s: s, rec: rec}
	s.nodes[path] = n
	return n
}

// cachedUnder lists loaded nodes at or below path, deepest first.
func (s *Store) cachedUnder(path string, recursive bool) []*node {
	var out []*node
	for p, n := range s.nodes {
		if p == path || recursive && under(p, path) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rec.Path > out[j].rec.Path })
	return out
}

// save persists dirty nodes at or below path after flushing pending
// removals there.
func (s *Store) save(path string, recursive bool) error {
	if err := s.flushRemovals(path, recursive); err != nil {
		return err
	}

	var dirty []*node
	for _, n := range s.cachedUnder(path, recursive) {
		if n.dirty {
			dirty = append(dirty, n)
		}
	}
	if !s.opts.Export && len(dirty) > 0 {
		entities := make([]storage.Entity, 0, len(dirty))
		for _, n := range dirty {
			entities = append(entities, &n.rec)
		}
		if err := s.records.PutAll(entities, nil); err != nil {
			return fmt.Errorf("saving entries: %w", err)
		}
	}
	for _, n := range dirty {
		n.dirty = false
		n.fresh = false
	}
	return nil
}

// flushRemovals deletes the records and working items of entries removed
// at or below path. A removed path may already hold a new, unsaved entry.
func (s *Store) flushRemovals(path string, recursive bool) error {
	var gone []string
	for p := range s.removed {
		if recursive && under(p, path) || parentPath(p) == path && p != path {
			gone = append(gone, p)
		}
	}
	if len(gone) == 0 {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(gone)))

	if !s.opts.Export {
		var ids []string
		for _, p := range gone {
			keys, err := s.records.Keys("/" + p + "/")
			if err != nil {
				return err
			}
			ids = append(ids, keys...)
			ids = append(ids, "/"+p)
		}
		if err := s.records.PutAll(nil, ids); err != nil {
			return fmt.Errorf("removing entries: %w", err)
		}
	}

	for _, p := range gone {
		s.removeFromDisk(p)
		delete(s.removed, p)
		for fp, hash := range s.removedHashes {
			if !under(fp, p) {
				continue
			}
			if s.safe != nil {
				if err := s.safe.Release(hash); err != nil {
					s.logger.Warn("releasing base text", zap.String("path", fp), zap.Error(err))
				}
			}
			delete(s.removedHashes, fp)
		}
	}
	return nil
}

// removeFromDisk deletes a removed entry's working items, keeping
// locally modified files as unversioned leftovers. Items that were added
// again since the removal belong to the new entry and stay.
func (s *Store) removeFromDisk(path string) {
	abs := s.abs(path)
	info, err := os.Lstat(abs)
	if err != nil {
		return
	}
	_, readded := s.nodes[path]
	if !info.IsDir() {
		if readded {
			return
		}
		if keep, _ := s.removedFileModified(path, abs); keep {
			s.logger.Info("leaving modified file unversioned", zap.String("path", path))
			return
		}
		os.Remove(abs)
		return
	}

	filepath.Walk(abs, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(s.root, p)
		rel = filepath.ToSlash(rel)
		if _, ok := s.nodes[rel]; ok {
			return nil
		}
		if keep, _ := s.removedFileModified(rel, p); !keep {
			os.Remove(p)
		}
		return nil
	})
	if !readded {
		removeEmptyDirs(abs)
	}
}

// removedFileModified compares a file with the base text it had before
// removal. Files without a known base are kept.
func (s *Store) removedFileModified(path, abs string) (bool, error) {
	hash, ok := s.removedHashes[path]
	if !ok || s.safe == nil {
		return true, nil
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return true, err
	}
	return s.safe.Hash(data) != hash, nil
}

func removeEmptyDirs(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			removeEmptyDirs(filepath.Join(dir, e.Name()))
		}
	}
	os.Remove(dir)
}

// discard drops unsaved state at or below path.
func (s *Store) discard(path string) {
	for p := range s.nodes {
		if under(p, path) {
			delete(s.nodes, p)
		}
	}
	for p := range s.removed {
		if under(p, path) {
			delete(s.removed, p)
		}
	}
	for p := range s.removedHashes {
		if under(p, path) {
			delete(s.removedHashes, p)
		}
	}
	if path != "" {
		delete(s.nodes, parentPath(path))
		return
	}
	for i := len(s.createdDirs) - 1; i >= 0; i-- {
		os.Remove(s.createdDirs[i])
	}
	s.createdDirs = nil
}
