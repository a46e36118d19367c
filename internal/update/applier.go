// Package update applies a tree delta from the repository to a working
// copy. It serves checkout, update and export.
package update

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"wcsync/internal/delta"
	"wcsync/internal/editor"
	"wcsync/internal/entry"
	"wcsync/internal/errors"
	"wcsync/internal/externals"
	"wcsync/internal/logging"
	"wcsync/internal/mediator"
	"wcsync/internal/metrics"
	"wcsync/internal/notify"
	"wcsync/internal/status"

	"go.uber.org/zap"
)

type Options struct {
	// Target restricts the edit to one child of the root.
	Target string
	// Export writes working files without administrative metadata.
	Export   bool
	Mediator mediator.Mediator
	Listener notify.Listener
	Logger   *zap.Logger
}

// dirFrame is one open directory. A frame with a nil dir stands for a
// directory that is not versioned here; everything below it is skipped.
type dirFrame struct {
	dir   entry.Directory
	path  string
	added bool
	props map[string]*string
	file  *fileFrame
}

type stagedWindow struct {
	window delta.Window
	key    string
}

// fileFrame is the open file of a directory frame.
type fileFrame struct {
	file     entry.File
	path     string
	added    bool
	props    map[string]*string
	windows  []stagedWindow
	contents status.Kind
	checksum string
	applied  bool
}

// Applier is the editor that lands a delta in the entry store. Calls are
// expected in protocol order; wrap it in an editor.Checker to enforce it.
type Applier struct {
	ctx    context.Context
	root   entry.Directory
	opts   Options
	logger *zap.Logger

	targetRev int64
	stack     []*dirFrame
	touched   map[string]bool
	// mediator keys not yet applied or deleted
	outstanding map[string]bool
	externals   []externals.Definition

	timestampsChanged bool
	files             int
	windows           int
	bytes             int64
	elapsed           time.Duration
	done              bool
}

func New(ctx context.Context, root entry.Directory, opts Options) *Applier {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Mediator == nil {
		opts.Mediator = mediator.NewMemory()
	}
	opts.Listener = notify.OrNop(opts.Listener)
	return &Applier{
		ctx:         ctx,
		root:        root,
		opts:        opts,
		logger:      logging.OrNop(opts.Logger),
		targetRev:   -1,
		touched:     make(map[string]bool),
		outstanding: make(map[string]bool),
	}
}

// Revision is the revision announced by TargetRevision, -1 before.
func (a *Applier) Revision() int64 {
	return a.targetRev
}

// TimestampsChanged reports whether working files were rewritten, in
// which case callers wait for the timestamp barrier.
func (a *Applier) TimestampsChanged() bool {
	return a.timestampsChanged
}

// Externals lists the definitions found on changed externals properties.
func (a *Applier) Externals() []externals.Definition {
	return a.externals
}

func (a *Applier) top() (*dirFrame, error) {
	if len(a.stack) == 0 {
		return nil, errors.Protocol("no open directory")
	}
	return a.stack[len(a.stack)-1], nil
}

func (a *Applier) openFile() (*fileFrame, error) {
	f, err := a.top()
	if err != nil {
		return nil, err
	}
	if f.file == nil {
		return nil, errors.Protocol("no open file")
	}
	return f.file, nil
}

// inScope drops top-level paths other than the target.
func (a *Applier) inScope(path string) bool {
	if a.opts.Target == "" {
		return true
	}
	top := strings.SplitN(strings.Trim(path, "/"), "/", 2)[0]
	return top == a.opts.Target
}

func (a *Applier) markTouched(path string) {
	a.touched[strings.SplitN(strings.Trim(path, "/"), "/", 2)[0]] = true
}

func baseName(path string) string {
	path = strings.Trim(path, "/")
	return path[strings.LastIndex(path, "/")+1:]
}

func (a *Applier) TargetRevision(rev int64) error {
	a.targetRev = rev
	return nil
}

func (a *Applier) OpenRoot(rev int64) error {
	a.stack = append(a.stack, &dirFrame{dir: a.root, path: "", props: map[string]*string{}})
	return nil
}

func (a *Applier) DeleteEntry(path string, rev int64) error {
	f, err := a.top()
	if err != nil || f.dir == nil || !a.inScope(path) {
		return err
	}
	a.markTouched(path)
	name := baseName(path)
	child := f.dir.Child(name)
	if child == nil {
		return nil
	}
	a.opts.Listener.Updated(child.Path(), status.Deleted, status.None, a.targetRev)
	return f.dir.DeleteChild(name, true)
}

func (a *Applier) AbsentDir(path string) error {
	a.logger.Debug("absent directory", zap.String("path", path))
	return nil
}

func (a *Applier) AbsentFile(path string) error {
	a.logger.Debug("absent file", zap.String("path", path))
	return nil
}

func (a *Applier) AddDir(path, copyFromPath string, copyFromRev int64) error {
	if err := errors.Check(a.ctx); err != nil {
		return err
	}
	parent, err := a.top()
	if err != nil {
		return err
	}
	skipped := &dirFrame{path: path}
	if parent.dir == nil || !a.inScope(path) {
		a.stack = append(a.stack, skipped)
		return nil
	}
	a.markTouched(path)

	name := baseName(path)
	if parent.dir.HasObstruction(name) {
		a.opts.Listener.Updated(entry.Join(parent.dir.Path(), name), status.Obstructed, status.None, a.targetRev)
		a.stack = append(a.stack, skipped)
		return nil
	}
	dir, err := parent.dir.AddDirectory(name)
	if err != nil {
		return err
	}
	if err := inherit(parent.dir, dir); err != nil {
		return err
	}
	a.opts.Listener.Updated(dir.Path(), status.Added, status.None, a.targetRev)
	a.timestampsChanged = a.timestampsChanged || !a.opts.Export
	a.stack = append(a.stack, &dirFrame{dir: dir, path: path, added: true, props: map[string]*string{}})
	return nil
}

// inherit copies the repository identity of parent onto a new child.
func inherit(parent, child entry.Entry) error {
	for _, name := range []string{entry.PropRepositoryRoot, entry.PropUUID} {
		if v := parent.PropertyValue(name); v != "" {
			if err := child.SetPropertyValue(name, editor.String(v)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Applier) OpenDir(path string, rev int64) error {
	if err := errors.Check(a.ctx); err != nil {
		return err
	}
	parent, err := a.top()
	if err != nil {
		return err
	}
	frame := &dirFrame{path: path, props: map[string]*string{}}
	if parent.dir != nil && a.inScope(path) {
		a.markTouched(path)
		if child := parent.dir.Child(baseName(path)); child != nil && child.IsDirectory() {
			frame.dir = child.AsDirectory()
		} else {
			a.logger.Debug("directory not versioned here", zap.String("path", path))
		}
	}
	a.stack = append(a.stack, frame)
	return nil
}

func (a *Applier) ChangeDirProperty(name string, value *string) error {
	f, err := a.top()
	if err != nil || f.dir == nil {
		return err
	}
	f.props[name] = value
	if name == entry.PropExternals && value != nil {
		a.externals = append(a.externals, externals.Parse(f.dir.Path(), *value)...)
	}
	a.timestampsChanged = a.timestampsChanged || !a.opts.Export
	return nil
}

func (a *Applier) CloseDir() error {
	f, err := a.top()
	if err != nil {
		return err
	}
	if f.file != nil {
		return errors.Protocol("closeDir %s with file %s open", f.path, f.file.path)
	}
	a.stack = a.stack[:len(a.stack)-1]
	if f.dir == nil {
		return nil
	}
	// a target edit leaves the root's own revision and properties alone
	if a.opts.Export || a.opts.Target != "" && len(a.stack) == 0 {
		return nil
	}
	if a.targetRev >= 0 {
		f.props[entry.PropRevision] = editor.String(strconv.FormatInt(a.targetRev, 10))
	}
	props, err := f.dir.MergeProperties(f.props)
	if err != nil {
		return err
	}
	if props != status.None && !f.added {
		a.opts.Listener.Updated(f.dir.Path(), status.None, props, a.targetRev)
	}
	return nil
}

func (a *Applier) AddFile(path, copyFromPath string, copyFromRev int64) error {
	if err := errors.Check(a.ctx); err != nil {
		return err
	}
	parent, err := a.top()
	if err != nil {
		return err
	}
	frame := &fileFrame{path: path, added: true, contents: status.Added, props: map[string]*string{}}
	parent.file = frame
	if parent.dir == nil || !a.inScope(path) {
		return nil
	}
	a.markTouched(path)
	file, err := parent.dir.AddFile(baseName(path))
	if err != nil {
		return err
	}
	if err := inherit(parent.dir, file); err != nil {
		return err
	}
	frame.file = file
	a.timestampsChanged = a.timestampsChanged || !a.opts.Export
	return nil
}

func (a *Applier) OpenFile(path string, rev int64) error {
	if err := errors.Check(a.ctx); err != nil {
		return err
	}
	parent, err := a.top()
	if err != nil {
		return err
	}
	frame := &fileFrame{path: path, contents: status.None, props: map[string]*string{}}
	parent.file = frame
	if parent.dir == nil || !a.inScope(path) {
		return nil
	}
	a.markTouched(path)
	if child := parent.dir.Child(baseName(path)); child != nil && !child.IsDirectory() {
		frame.file = child.AsFile()
	} else {
		a.logger.Debug("file not versioned here", zap.String("path", path))
	}
	return nil
}

func (a *Applier) ApplyTextDelta(path, baseChecksum string) error {
	f, err := a.openFile()
	if err != nil || f.file == nil {
		return err
	}
	if baseChecksum != "" && !f.added {
		if actual := f.file.Checksum(); actual != "" && actual != baseChecksum {
			return errors.Integrity(f.file.Path(), baseChecksum, actual)
		}
	}
	return nil
}

func (a *Applier) TextDeltaChunk(path string, window delta.Window) (io.WriteCloser, error) {
	f, err := a.openFile()
	if err != nil {
		return nil, err
	}
	if f.file == nil {
		return editor.Discard(), nil
	}
	key, w, err := a.opts.Mediator.Create()
	if err != nil {
		return nil, err
	}
	a.outstanding[key] = true
	f.windows = append(f.windows, stagedWindow{window: window, key: key})
	return w, nil
}

// TextDeltaEnd applies the staged windows in order and seals the new
// text.
func (a *Applier) TextDeltaEnd(path string) error {
	f, err := a.openFile()
	if err != nil || f.file == nil {
		return err
	}
	start := time.Now()
	var size int64
	for _, w := range f.windows {
		data, err := a.opts.Mediator.Read(w.key)
		if err != nil {
			return err
		}
		if err := f.file.ApplyDelta(w.window, data); err != nil {
			return err
		}
		if err := a.release(w.key); err != nil {
			return err
		}
		size += int64(len(data))
	}
	checksum, kind, err := f.file.DeltaApplied()
	if err != nil {
		return err
	}
	f.checksum, f.applied = checksum, true
	if !f.added || kind == status.Conflicted {
		f.contents = kind
	}

	elapsed := time.Since(start)
	a.files++
	a.windows += len(f.windows)
	a.bytes += size
	a.elapsed += elapsed
	metrics.RecordDeltaApplied(len(f.windows), size, elapsed)
	f.windows = nil
	return nil
}

func (a *Applier) release(key string) error {
	delete(a.outstanding, key)
	return a.opts.Mediator.Delete(key)
}

func (a *Applier) ChangeFileProperty(path, name string, value *string) error {
	f, err := a.openFile()
	if err != nil || f.file == nil {
		return err
	}
	f.props[name] = value
	a.timestampsChanged = a.timestampsChanged || !a.opts.Export
	return nil
}

func (a *Applier) CloseFile(path, textChecksum string) error {
	parent, err := a.top()
	if err != nil {
		return err
	}
	f := parent.file
	if f == nil {
		return errors.Protocol("closeFile %s with no open file", path)
	}
	parent.file = nil
	if f.file == nil {
		return nil
	}

	if f.added && !f.applied {
		// an added file with no text delta is empty
		if f.checksum, f.contents, err = a.seal(f.file); err != nil {
			return err
		}
		f.applied = true
	}
	if textChecksum != "" {
		actual := f.checksum
		if !f.applied {
			actual = f.file.Checksum()
		}
		if actual != "" && actual != textChecksum {
			return errors.Integrity(f.file.Path(), textChecksum, actual)
		}
	}

	props := status.None
	if !a.opts.Export {
		if a.targetRev >= 0 {
			f.props[entry.PropRevision] = editor.String(strconv.FormatInt(a.targetRev, 10))
		}
		if f.applied {
			f.props[entry.PropChecksum] = editor.String(f.checksum)
		}
		if props, err = f.file.MergeProperties(f.props); err != nil {
			return err
		}
	}
	if f.contents != status.None || props != status.None {
		a.opts.Listener.Updated(f.file.Path(), f.contents, props, a.targetRev)
		metrics.RecordFileUpdated(f.contents.String())
	}
	return nil
}

func (a *Applier) seal(file entry.File) (string, status.Kind, error) {
	checksum, kind, err := file.DeltaApplied()
	if err != nil {
		return "", status.None, err
	}
	if kind != status.Conflicted {
		kind = status.Added
	}
	return checksum, kind, nil
}

// CloseEdit lands everything staged and returns the target revision.
func (a *Applier) CloseEdit() (*editor.CommitInfo, error) {
	if len(a.stack) != 0 {
		return nil, errors.Protocol("closeEdit with %d directories open", len(a.stack))
	}
	a.discardStaged()
	if err := a.merge(); err != nil {
		if derr := a.root.Dispose(); derr != nil {
			a.logger.Warn("discarding working copy changes", zap.Error(derr))
		}
		metrics.RecordEdit("update", false)
		return nil, err
	}
	if a.files > 0 {
		a.logger.Debug("delta applied",
			zap.Int("files", a.files),
			zap.Int("windows", a.windows),
			zap.Int64("bytes", a.bytes),
			zap.Duration("per_file", a.elapsed/time.Duration(a.files)))
	}
	a.done = true
	metrics.RecordEdit("update", true)
	return &editor.CommitInfo{Revision: a.targetRev}, nil
}

func (a *Applier) merge() error {
	if a.opts.Target == "" {
		return a.root.Merge(true)
	}
	target := a.root.Child(a.opts.Target)
	if target != nil {
		// reported missing and left alone by the repository: gone on
		// both sides
		if !a.touched[a.opts.Target] && target.IsMissing() {
			a.logger.Debug("removing vanished target", zap.String("target", a.opts.Target))
			if err := a.root.DeleteChild(a.opts.Target, true); err != nil {
				return err
			}
		} else if err := target.Merge(true); err != nil {
			return err
		}
	}
	return a.root.Save(false)
}

// AbortEdit drops staged text, staged windows and unsaved entries.
func (a *Applier) AbortEdit() error {
	if a.done {
		return nil
	}
	a.done = true
	a.stack = nil
	a.discardStaged()
	metrics.RecordEdit("update", false)
	return a.root.Dispose()
}

func (a *Applier) discardStaged() {
	for key := range a.outstanding {
		if err := a.release(key); err != nil {
			a.logger.Warn("deleting staged window", zap.String("key", key), zap.Error(err))
		}
	}
}
