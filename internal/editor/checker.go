package editor

import (
	"io"
	"path"

	"wcsync/internal/delta"
	"wcsync/internal/errors"
)

type state int

const (
	stateNew state = iota
	stateOpen
	stateClosed
	stateAborted
)

// Counts tallies structural calls seen by a Checker.
type Counts struct {
	DirsOpened  int
	DirsClosed  int
	FilesOpened int
	FilesClosed int
	Deletes     int
	Props       int
	Windows     int
}

// Checker enforces the editor state machine in front of another editor.
// Violations are returned as protocol errors and are not forwarded.
type Checker struct {
	next   Editor
	state  state
	rooted bool
	dirs   []string
	file   string
	open   bool
	inText bool
	counts Counts
}

// NewChecker wraps next, which may be nil.
func NewChecker(next Editor) *Checker {
	return &Checker{next: next}
}

func (c *Checker) Counts() Counts {
	return c.counts
}

// Depth is the number of open directory frames.
func (c *Checker) Depth() int {
	return len(c.dirs)
}

func (c *Checker) Closed() bool {
	return c.state == stateClosed
}

func (c *Checker) Aborted() bool {
	return c.state == stateAborted
}

func parentOf(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

func (c *Checker) requireDir(op, p string) error {
	if c.state != stateOpen || len(c.dirs) == 0 {
		return errors.Protocol("%s(%q): no open directory", op, p)
	}
	if c.open {
		return errors.Protocol("%s(%q): file %q is still open", op, p, c.file)
	}
	if p == "" {
		return errors.Protocol("%s: empty path", op)
	}
	if top := c.dirs[len(c.dirs)-1]; parentOf(p) != top {
		return errors.Protocol("%s(%q): not a child of open directory %q", op, p, top)
	}
	return nil
}

func (c *Checker) requireFile(op, p string) error {
	if c.state != stateOpen || !c.open {
		return errors.Protocol("%s(%q): no open file", op, p)
	}
	if p != c.file {
		return errors.Protocol("%s(%q): open file is %q", op, p, c.file)
	}
	return nil
}

func (c *Checker) TargetRevision(rev int64) error {
	if c.state != stateNew || c.rooted {
		return errors.Protocol("targetRevision after the edit started")
	}
	if c.next != nil {
		return c.next.TargetRevision(rev)
	}
	return nil
}

func (c *Checker) OpenRoot(rev int64) error {
	if c.state != stateNew {
		return errors.Protocol("openRoot called twice")
	}
	c.state = stateOpen
	c.rooted = true
	c.dirs = append(c.dirs, "")
	c.counts.DirsOpened++
	if c.next != nil {
		return c.next.OpenRoot(rev)
	}
	return nil
}

func (c *Checker) DeleteEntry(p string, rev int64) error {
	if err := c.requireDir("deleteEntry", p); err != nil {
		return err
	}
	c.counts.Deletes++
	if c.next != nil {
		return c.next.DeleteEntry(p, rev)
	}
	return nil
}

func (c *Checker) AbsentDir(p string) error {
	if err := c.requireDir("absentDir", p); err != nil {
		return err
	}
	if c.next != nil {
		return c.next.AbsentDir(p)
	}
	return nil
}

func (c *Checker) AbsentFile(p string) error {
	if err := c.requireDir("absentFile", p); err != nil {
		return err
	}
	if c.next != nil {
		return c.next.AbsentFile(p)
	}
	return nil
}

func (c *Checker) AddDir(p, copyFromPath string, copyFromRev int64) error {
	if err := c.requireDir("addDir", p); err != nil {
		return err
	}
	c.dirs = append(c.dirs, p)
	c.counts.DirsOpened++
	if c.next != nil {
		return c.next.AddDir(p, copyFromPath, copyFromRev)
	}
	return nil
}

func (c *Checker) OpenDir(p string, rev int64) error {
	if err := c.requireDir("openDir", p); err != nil {
		return err
	}
	c.dirs = append(c.dirs, p)
	c.counts.DirsOpened++
	if c.next != nil {
		return c.next.OpenDir(p, rev)
	}
	return nil
}

func (c *Checker) ChangeDirProperty(name string, value *string) error {
	if c.state != stateOpen || len(c.dirs) == 0 || c.open {
		return errors.Protocol("changeDirProperty(%q) outside directory scope", name)
	}
	c.counts.Props++
	if c.next != nil {
		return c.next.ChangeDirProperty(name, value)
	}
	return nil
}

func (c *Checker) CloseDir() error {
	if c.state != stateOpen || len(c.dirs) == 0 {
		return errors.Protocol("closeDir with no open directory")
	}
	if c.open {
		return errors.Protocol("closeDir while file %q is open", c.file)
	}
	c.dirs = c.dirs[:len(c.dirs)-1]
	c.counts.DirsClosed++
	if c.next != nil {
		return c.next.CloseDir()
	}
	return nil
}

func (c *Checker) AddFile(p, copyFromPath string, copyFromRev int64) error {
	if err := c.requireDir("addFile", p); err != nil {
		return err
	}
	c.file, c.open = p, true
	c.counts.FilesOpened++
	if c.next != nil {
		return c.next.AddFile(p, copyFromPath, copyFromRev)
	}
	return nil
}

func (c *Checker) OpenFile(p string, rev int64) error {
	if err := c.requireDir("openFile", p); err != nil {
		return err
	}
	c.file, c.open = p, true
	c.counts.FilesOpened++
	if c.next != nil {
		return c.next.OpenFile(p, rev)
	}
	return nil
}

func (c *Checker) ApplyTextDelta(p, baseChecksum string) error {
	if err := c.requireFile("applyTextDelta", p); err != nil {
		return err
	}
	if c.inText {
		return errors.Protocol("applyTextDelta(%q) while a delta is in progress", p)
	}
	c.inText = true
	if c.next != nil {
		return c.next.ApplyTextDelta(p, baseChecksum)
	}
	return nil
}

func (c *Checker) TextDeltaChunk(p string, window delta.Window) (io.WriteCloser, error) {
	if err := c.requireFile("textDeltaChunk", p); err != nil {
		return nil, err
	}
	if !c.inText {
		return nil, errors.Protocol("textDeltaChunk(%q) outside applyTextDelta", p)
	}
	c.counts.Windows++
	if c.next != nil {
		return c.next.TextDeltaChunk(p, window)
	}
	return Discard(), nil
}

func (c *Checker) TextDeltaEnd(p string) error {
	if err := c.requireFile("textDeltaEnd", p); err != nil {
		return err
	}
	if !c.inText {
		return errors.Protocol("textDeltaEnd(%q) without applyTextDelta", p)
	}
	c.inText = false
	if c.next != nil {
		return c.next.TextDeltaEnd(p)
	}
	return nil
}

func (c *Checker) ChangeFileProperty(p, name string, value *string) error {
	if err := c.requireFile("changeFileProperty", p); err != nil {
		return err
	}
	c.counts.Props++
	if c.next != nil {
		return c.next.ChangeFileProperty(p, name, value)
	}
	return nil
}

func (c *Checker) CloseFile(p, textChecksum string) error {
	if err := c.requireFile("closeFile", p); err != nil {
		return err
	}
	if c.inText {
		return errors.Protocol("closeFile(%q) before textDeltaEnd", p)
	}
	c.file, c.open = "", false
	c.counts.FilesClosed++
	if c.next != nil {
		return c.next.CloseFile(p, textChecksum)
	}
	return nil
}

func (c *Checker) CloseEdit() (*CommitInfo, error) {
	if c.state != stateOpen || !c.rooted {
		return nil, errors.Protocol("closeEdit outside an open edit")
	}
	if len(c.dirs) != 0 || c.open {
		return nil, errors.Protocol("closeEdit with %d directories still open", len(c.dirs))
	}
	var info *CommitInfo
	if c.next != nil {
		var err error
		if info, err = c.next.CloseEdit(); err != nil {
			return nil, err
		}
	}
	c.state = stateClosed
	return info, nil
}

func (c *Checker) AbortEdit() error {
	switch c.state {
	case stateAborted:
		return nil
	case stateClosed:
		return errors.Protocol("abortEdit after closeEdit")
	}
	c.state = stateAborted
	c.dirs, c.open, c.inText = nil, false, false
	if c.next != nil {
		return c.next.AbortEdit()
	}
	return nil
}
