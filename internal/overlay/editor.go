// Package overlay computes status: local entry state merged with the
// remote changes a repository reports through an editor.
package overlay

import (
	"io"
	"sort"
	"strings"
	"sync"

	"wcsync/internal/delta"
	"wcsync/internal/editor"
	"wcsync/internal/entry"
	"wcsync/internal/errors"
	"wcsync/internal/status"
)

// Remote is what the repository says about one path.
type Remote struct {
	Revision         int64       `json:"revision"`
	Contents         status.Kind `json:"contents"`
	Properties       status.Kind `json:"properties"`
	IsDirectory      bool        `json:"is_directory"`
	AddedWithHistory bool        `json:"added_with_history,omitempty"`
}

type frame struct {
	path string
	rev  int64
	file *fileFrame
}

type fileFrame struct {
	path string
	rev  int64
}

// Editor records remote statuses and never touches the working copy.
// Paths are relative to the edit root.
type Editor struct {
	mu        sync.Mutex
	targetRev int64
	stack     []*frame
	remote    map[string]*Remote
}

func NewEditor() *Editor {
	return &Editor{targetRev: -1, remote: make(map[string]*Remote)}
}

// Revision is the revision the status was computed against.
func (e *Editor) Revision() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.targetRev
}

// Remote returns the record for path, or nil.
func (e *Editor) Remote(path string) *Remote {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.remote[path]; ok {
		c := *r
		return &c
	}
	return nil
}

// Paths lists the recorded paths in order.
func (e *Editor) Paths() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	paths := make([]string, 0, len(e.remote))
	for p := range e.remote {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// take removes and returns the record for path.
func (e *Editor) take(path string) *Remote {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.remote[path]
	delete(e.remote, path)
	return r
}

// rev is the revision recorded for a change seen at rev.
func (e *Editor) rev(rev int64) int64 {
	if e.targetRev >= 0 {
		return e.targetRev
	}
	return rev
}

func (e *Editor) top() (*frame, error) {
	if len(e.stack) == 0 {
		return nil, errors.Protocol("no open directory")
	}
	return e.stack[len(e.stack)-1], nil
}

func (e *Editor) TargetRevision(rev int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targetRev = rev
	return nil
}

func (e *Editor) OpenRoot(rev int64) error {
	e.stack = append(e.stack, &frame{path: "", rev: rev})
	return nil
}

func (e *Editor) DeleteEntry(path string, rev int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remote[path] = &Remote{Revision: e.rev(rev), Contents: status.Deleted, Properties: status.NotModified}
	return nil
}

func (e *Editor) AbsentDir(path string) error {
	return nil
}

func (e *Editor) AbsentFile(path string) error {
	return nil
}

func (e *Editor) added(path, copyFromPath string, dir bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.remote[path]
	switch {
	case !ok:
		r = &Remote{Revision: e.targetRev, Contents: status.Added, Properties: status.NotModified}
		e.remote[path] = r
	case r.Contents == status.Deleted:
		r.Contents = status.Replaced
		r.Revision = e.targetRev
	}
	r.AddedWithHistory = copyFromPath != ""
	r.IsDirectory = dir
}

func (e *Editor) AddDir(path, copyFromPath string, copyFromRev int64) error {
	e.added(path, copyFromPath, true)
	e.stack = append(e.stack, &frame{path: path, rev: e.targetRev})
	return nil
}

func (e *Editor) OpenDir(path string, rev int64) error {
	e.stack = append(e.stack, &frame{path: path, rev: rev})
	return nil
}

// modified escalates path to a modification. Added, replaced and deleted
// records are left as they are.
func (e *Editor) modified(path string, rev int64, dir, props bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.remote[path]
	if !ok {
		r = &Remote{Revision: e.rev(rev), Contents: status.NotModified, Properties: status.NotModified}
		e.remote[path] = r
	}
	r.IsDirectory = dir
	if r.Contents != status.NotModified && r.Contents != status.Modified {
		return
	}
	if props {
		r.Properties = status.Modified
	} else {
		r.Contents = status.Modified
	}
}

func (e *Editor) ChangeDirProperty(name string, value *string) error {
	f, err := e.top()
	if err != nil {
		return err
	}
	if !entry.IsEntryProperty(name) {
		e.modified(f.path, f.rev, true, true)
	}
	return nil
}

func (e *Editor) CloseDir() error {
	if _, err := e.top(); err != nil {
		return err
	}
	e.stack = e.stack[:len(e.stack)-1]
	return nil
}

func (e *Editor) AddFile(path, copyFromPath string, copyFromRev int64) error {
	f, err := e.top()
	if err != nil {
		return err
	}
	e.added(path, copyFromPath, false)
	f.file = &fileFrame{path: path, rev: e.targetRev}
	return nil
}

func (e *Editor) OpenFile(path string, rev int64) error {
	f, err := e.top()
	if err != nil {
		return err
	}
	f.file = &fileFrame{path: path, rev: rev}
	return nil
}

func (e *Editor) openFile() (*fileFrame, error) {
	f, err := e.top()
	if err != nil {
		return nil, err
	}
	if f.file == nil {
		return nil, errors.Protocol("no open file")
	}
	return f.file, nil
}

func (e *Editor) ApplyTextDelta(path, baseChecksum string) error {
	f, err := e.openFile()
	if err != nil {
		return err
	}
	e.modified(f.path, f.rev, false, false)
	return nil
}

func (e *Editor) TextDeltaChunk(path string, window delta.Window) (io.WriteCloser, error) {
	return editor.Discard(), nil
}

func (e *Editor) TextDeltaEnd(path string) error {
	return nil
}

func (e *Editor) ChangeFileProperty(path, name string, value *string) error {
	f, err := e.openFile()
	if err != nil {
		return err
	}
	if !entry.IsEntryProperty(name) {
		e.modified(f.path, f.rev, false, true)
	}
	return nil
}

func (e *Editor) CloseFile(path, textChecksum string) error {
	f, err := e.top()
	if err != nil {
		return err
	}
	f.file = nil
	return nil
}

func (e *Editor) CloseEdit() (*editor.CommitInfo, error) {
	e.stack = nil
	return &editor.CommitInfo{Revision: e.Revision()}, nil
}

func (e *Editor) AbortEdit() error {
	e.stack = nil
	return nil
}

// below lists the recorded paths under dir whose records have not been
// taken, split into direct children and deeper paths.
func (e *Editor) below(dir string) (direct, deeper []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	for p := range e.remote {
		if p == dir || !strings.HasPrefix(p, prefix) {
			continue
		}
		if strings.Contains(p[len(prefix):], "/") {
			deeper = append(deeper, p)
		} else {
			direct = append(direct, p)
		}
	}
	sort.Strings(direct)
	sort.Strings(deeper)
	return direct, deeper
}
