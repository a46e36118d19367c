package overlay

import (
	"context"
	"io/fs"
	"path"
	"sort"
	"strings"

	"wcsync/internal/entry"
	"wcsync/internal/errors"
	"wcsync/internal/externals"
	"wcsync/internal/logging"
	"wcsync/internal/progress"
	"wcsync/internal/status"

	"go.uber.org/zap"
)

type Options struct {
	Descend                 bool
	IncludeUnmodified       bool
	IncludeIgnored          bool
	DescendInUnversioned    bool
	DescendFurtherInIgnored bool
	// Externals declared above the walked path.
	Externals []externals.Definition
	// FS is the working copy on disk, rooted like the entries. It is only
	// needed to tell unversioned directories apart and to walk them.
	FS       fs.FS
	Progress progress.Viewer
	Logger   *zap.Logger
}

// Handler receives each status record as the walk produces it.
type Handler func(*status.Status) error

type walker struct {
	ctx     context.Context
	remote  *Editor
	opts    Options
	handle  Handler
	logger  *zap.Logger
	externs []externals.Definition
	done    int
}

// Walk reports the status of target (root-relative, "" for root) and,
// depending on opts, everything below it. remote may be nil for a purely
// local status.
func Walk(ctx context.Context, root entry.Directory, target string, remote *Editor, opts Options, handle Handler) error {
	w := &walker{
		ctx:     ctx,
		remote:  remote,
		opts:    opts,
		handle:  handle,
		logger:  logging.OrNop(opts.Logger),
		externs: append([]externals.Definition(nil), opts.Externals...),
	}
	if remote == nil {
		w.remote = NewEditor()
	}

	target = strings.Trim(target, "/")
	var parent entry.Directory
	e := entry.Entry(root)
	for _, name := range splitPath(target) {
		if e == nil || !e.IsDirectory() {
			break
		}
		parent = e.AsDirectory()
		e = parent.Child(name)
	}
	if e == nil {
		if parent != nil {
			return w.unversioned(parent, target)
		}
		return errors.NotFound(target + ": not under version control")
	}
	if !e.IsDirectory() {
		st := w.merge(managedStatus(parent, e))
		return w.emit(st)
	}
	return w.dir(parent, e.AsDirectory())
}

func splitPath(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// unversioned reports a target that has no entry.
func (w *walker) unversioned(parent entry.Directory, p string) error {
	st := w.unmanagedStatus(parent, p)
	if st.Contents == status.Unversioned && !w.exists(p) {
		if r := w.remote.take(p); r != nil {
			return w.emit(synthesize(p, r))
		}
		return errors.NotFound(p + ": not under version control")
	}
	if st.IsDirectory && w.opts.DescendInUnversioned && w.opts.Descend {
		return w.walkDisk(parent, p, st.Contents)
	}
	return w.emit(st)
}

func (w *walker) emit(st *status.Status) error {
	if st.Contents == status.Ignored && !w.opts.IncludeIgnored {
		return nil
	}
	if !w.opts.IncludeUnmodified && !st.IsInteresting() {
		return nil
	}
	return w.handle(st)
}

func (w *walker) step() error {
	if err := errors.Check(w.ctx); err != nil {
		return err
	}
	w.done++
	progress.Report(w.opts.Progress, w.done, 0)
	return nil
}

// merge folds the remote record for st's path into st.
func (w *walker) merge(st *status.Status) *status.Status {
	if r := w.remote.take(st.Path); r != nil {
		st.RepositoryRevision = r.Revision
		st.RepositoryContents = r.Contents
		st.RepositoryProperties = r.Properties
		st.AddedWithHistory = r.AddedWithHistory
	}
	return st
}

type child struct {
	name    string
	st      *status.Status
	dir     entry.Directory
	unvDir  bool
	unvKind status.Kind
}

func (w *walker) dir(parent entry.Directory, d entry.Directory) error {
	if err := w.step(); err != nil {
		return err
	}
	dirStatus := w.merge(managedStatus(parent, d))
	if value := d.PropertyValue(entry.PropExternals); value != "" {
		w.externs = append(w.externs, externals.Parse(d.Path(), value)...)
	}
	if err := w.emit(dirStatus); err != nil {
		return err
	}
	if dirStatus.Contents == status.Obstructed || dirStatus.Contents == status.Missing {
		w.logger.Debug("not descending", zap.String("path", d.Path()), zap.Stringer("status", dirStatus.Contents))
		return nil
	}

	var children []child
	local := make(map[string]bool)
	for _, c := range d.ChildEntries() {
		local[c.Name()] = true
		ch := child{name: c.Name()}
		if c.IsDirectory() && w.opts.Descend {
			ch.dir = c.AsDirectory()
		} else {
			ch.st = w.merge(managedStatus(d, c))
		}
		children = append(children, ch)
	}

	unversioned, err := d.Unversioned()
	if err != nil {
		return err
	}
	for _, name := range unversioned {
		local[name] = true
		p := entry.Join(d.Path(), name)
		st := w.unmanagedStatus(d, p)
		ch := child{name: name, st: st}
		if st.IsDirectory && w.opts.Descend && w.opts.DescendInUnversioned &&
			st.Contents != status.External &&
			(st.Contents != status.Ignored || w.opts.DescendFurtherInIgnored) {
			ch.unvDir, ch.unvKind = true, st.Contents
		}
		children = append(children, ch)
	}

	// remote paths with no local counterpart
	direct, deeper := w.remote.below(d.Path())
	for _, p := range direct {
		name := path.Base(p)
		if local[name] {
			continue
		}
		children = append(children, child{name: name, st: synthesize(p, w.remote.take(p))})
	}
	if w.opts.Descend {
		for _, p := range deeper {
			head := splitPath(strings.TrimPrefix(p, prefixOf(d.Path())))[0]
			if local[head] {
				continue
			}
			children = append(children, child{name: strings.TrimPrefix(p, prefixOf(d.Path())), st: synthesize(p, w.remote.take(p))})
		}
	}

	sort.SliceStable(children, func(i, j int) bool { return children[i].name < children[j].name })
	for _, ch := range children {
		if err := w.step(); err != nil {
			return err
		}
		var err error
		switch {
		case ch.dir != nil:
			err = w.dir(d, ch.dir)
		case ch.unvDir:
			err = w.walkDisk(d, entry.Join(d.Path(), ch.name), ch.unvKind)
		default:
			err = w.emit(ch.st)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func prefixOf(dir string) string {
	if dir == "" {
		return ""
	}
	return dir + "/"
}

// walkDisk reports an unversioned directory and what is inside it. owner
// is the nearest versioned directory and decides what is ignored.
func (w *walker) walkDisk(owner entry.Directory, p string, kind status.Kind) error {
	if err := w.emit(&status.Status{Path: p, IsDirectory: true, Contents: kind, Properties: status.None, Revision: -1, CommittedRev: -1, RepositoryRevision: -1}); err != nil {
		return err
	}
	if w.opts.FS == nil {
		return nil
	}
	items, err := fs.ReadDir(w.opts.FS, p)
	if err != nil {
		w.logger.Debug("reading unversioned directory", zap.String("path", p), zap.Error(err))
		return nil
	}
	for _, item := range items {
		if err := w.step(); err != nil {
			return err
		}
		cp := path.Join(p, item.Name())
		ck := kind
		if ck != status.Ignored && owner.IsIgnored(item.Name()) {
			ck = status.Ignored
		}
		if item.IsDir() && (ck != status.Ignored || w.opts.DescendFurtherInIgnored) {
			if err := w.walkDisk(owner, cp, ck); err != nil {
				return err
			}
			continue
		}
		st := &status.Status{Path: cp, IsDirectory: item.IsDir(), Contents: ck, Properties: status.None, Revision: -1, CommittedRev: -1, RepositoryRevision: -1}
		if err := w.emit(st); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) exists(p string) bool {
	if w.opts.FS == nil {
		return false
	}
	_, err := fs.Stat(w.opts.FS, p)
	return err == nil
}

func (w *walker) isDir(p string) bool {
	if w.opts.FS == nil {
		return false
	}
	info, err := fs.Stat(w.opts.FS, p)
	return err == nil && info.IsDir()
}

func (w *walker) unmanagedStatus(parent entry.Directory, p string) *status.Status {
	st := &status.Status{
		Path:               p,
		IsDirectory:        w.isDir(p),
		Contents:           status.Unversioned,
		Properties:         status.None,
		Revision:           -1,
		CommittedRev:       -1,
		RepositoryRevision: -1,
	}
	if parent != nil && parent.IsIgnored(path.Base(p)) {
		st.Contents = status.Ignored
		return st
	}
	for _, d := range w.externs {
		if d.Path == p || strings.HasPrefix(d.Path, p+"/") {
			st.Contents = status.External
			break
		}
	}
	return w.merge(st)
}

// synthesize makes a record for a path that only exists remotely.
func synthesize(p string, r *Remote) *status.Status {
	return &status.Status{
		Path:                 p,
		IsDirectory:          r.IsDirectory,
		Contents:             status.None,
		Properties:           status.None,
		Revision:             -1,
		CommittedRev:         -1,
		RepositoryRevision:   r.Revision,
		RepositoryContents:   r.Contents,
		RepositoryProperties: r.Properties,
		AddedWithHistory:     r.AddedWithHistory,
	}
}

// managedStatus computes the local state of a versioned entry.
func managedStatus(parent entry.Directory, e entry.Entry) *status.Status {
	st := &status.Status{
		Path:               e.Path(),
		URL:                entry.URL(e),
		IsDirectory:        e.IsDirectory(),
		Contents:           status.NotModified,
		Properties:         status.NotModified,
		Copied:             e.IsCopied(),
		Revision:           entry.Revision(e),
		CommittedRev:       entry.CommittedRevision(e),
		Author:             e.PropertyValue(entry.PropLastAuthor),
		CommittedDate:      entry.CommittedDate(e),
		LocalLock:          entry.Lock(e),
		ConflictNew:        e.PropertyValue(entry.PropConflictNew),
		ConflictOld:        e.PropertyValue(entry.PropConflictOld),
		ConflictWrk:        e.PropertyValue(entry.PropConflictWrk),
		PropRejectFile:     e.PropertyValue(entry.PropRejectFile),
		RepositoryRevision: -1,
	}
	if parent != nil {
		st.Switched = entry.IsSwitched(parent, e)
	}

	if e.IsPropertiesModified() {
		st.Properties = status.Modified
	}
	if st.PropRejectFile != "" {
		st.Properties = status.Conflicted
	}

	switch {
	case e.IsMissing():
		st.Contents = status.Missing
	case e.IsObstructed():
		st.Contents = status.Obstructed
	case e.IsScheduledForAddition() && e.IsScheduledForDeletion():
		st.Contents = status.Replaced
	case e.IsScheduledForAddition():
		st.Contents = status.Added
	case e.IsScheduledForDeletion():
		st.Contents = status.Deleted
	case e.IsDirectory():
	case st.ConflictNew != "" || st.ConflictOld != "" || st.ConflictWrk != "":
		st.Contents = status.Conflicted
	default:
		if modified, err := e.AsFile().IsContentsModified(); err == nil && modified {
			st.Contents = status.Modified
		} else if err != nil {
			st.Contents = status.Corrupted
		}
	}
	if st.Contents == status.Added || st.Contents == status.Deleted {
		st.Properties = status.NotModified
	}
	return st
}
