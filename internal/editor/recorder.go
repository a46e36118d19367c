package editor

import (
	"bytes"
	"fmt"
	"io"

	"wcsync/internal/delta"
)

type Op string

const (
	OpTargetRevision     Op = "target-revision"
	OpOpenRoot           Op = "open-root"
	OpDeleteEntry        Op = "delete-entry"
	OpAbsentDir          Op = "absent-dir"
	OpAbsentFile         Op = "absent-file"
	OpAddDir             Op = "add-dir"
	OpOpenDir            Op = "open-dir"
	OpChangeDirProperty  Op = "change-dir-prop"
	OpCloseDir           Op = "close-dir"
	OpAddFile            Op = "add-file"
	OpOpenFile           Op = "open-file"
	OpApplyTextDelta     Op = "apply-text-delta"
	OpTextDeltaChunk     Op = "text-delta-chunk"
	OpTextDeltaEnd       Op = "text-delta-end"
	OpChangeFileProperty Op = "change-file-prop"
	OpCloseFile          Op = "close-file"
	OpCloseEdit          Op = "close-edit"
	OpAbortEdit          Op = "abort-edit"
)

// Call is one recorded editor call. Calls serialize to JSON so a tree
// delta can be carried by any transport.
type Call struct {
	Op           Op            `json:"op"`
	Path         string        `json:"path,omitempty"`
	Rev          int64         `json:"rev"`
	CopyFromPath string        `json:"copy_from_path,omitempty"`
	CopyFromRev  int64         `json:"copy_from_rev,omitempty"`
	Name         string        `json:"name,omitempty"`
	Value        *string       `json:"value,omitempty"`
	Checksum     string        `json:"checksum,omitempty"`
	Window       *delta.Window `json:"window,omitempty"`
	Data         []byte        `json:"data,omitempty"`
}

func (c Call) String() string {
	switch c.Op {
	case OpChangeDirProperty:
		return fmt.Sprintf("%s %s", c.Op, c.Name)
	case OpChangeFileProperty:
		return fmt.Sprintf("%s %s %s", c.Op, c.Path, c.Name)
	case OpCloseDir, OpCloseEdit, OpAbortEdit, OpOpenRoot, OpTargetRevision:
		return string(c.Op)
	}
	return fmt.Sprintf("%s %s", c.Op, c.Path)
}

// Recorder records every call and forwards it to next when set.
type Recorder struct {
	next  Editor
	calls []Call
}

func NewRecorder(next Editor) *Recorder {
	return &Recorder{next: next}
}

func (r *Recorder) Calls() []Call {
	return r.calls
}

// Ops lists the recorded calls in their short string form.
func (r *Recorder) Ops() []string {
	ops := make([]string, len(r.calls))
	for i, c := range r.calls {
		ops[i] = c.String()
	}
	return ops
}

func (r *Recorder) record(c Call) {
	r.calls = append(r.calls, c)
}

func (r *Recorder) TargetRevision(rev int64) error {
	r.record(Call{Op: OpTargetRevision, Rev: rev})
	if r.next != nil {
		return r.next.TargetRevision(rev)
	}
	return nil
}

func (r *Recorder) OpenRoot(rev int64) error {
	r.record(Call{Op: OpOpenRoot, Rev: rev})
	if r.next != nil {
		return r.next.OpenRoot(rev)
	}
	return nil
}

func (r *Recorder) DeleteEntry(path string, rev int64) error {
	r.record(Call{Op: OpDeleteEntry, Path: path, Rev: rev})
	if r.next != nil {
		return r.next.DeleteEntry(path, rev)
	}
	return nil
}

func (r *Recorder) AbsentDir(path string) error {
	r.record(Call{Op: OpAbsentDir, Path: path})
	if r.next != nil {
		return r.next.AbsentDir(path)
	}
	return nil
}

func (r *Recorder) AbsentFile(path string) error {
	r.record(Call{Op: OpAbsentFile, Path: path})
	if r.next != nil {
		return r.next.AbsentFile(path)
	}
	return nil
}

func (r *Recorder) AddDir(path, copyFromPath string, copyFromRev int64) error {
	r.record(Call{Op: OpAddDir, Path: path, Rev: -1, CopyFromPath: copyFromPath, CopyFromRev: copyFromRev})
	if r.next != nil {
		return r.next.AddDir(path, copyFromPath, copyFromRev)
	}
	return nil
}

func (r *Recorder) OpenDir(path string, rev int64) error {
	r.record(Call{Op: OpOpenDir, Path: path, Rev: rev})
	if r.next != nil {
		return r.next.OpenDir(path, rev)
	}
	return nil
}

func (r *Recorder) ChangeDirProperty(name string, value *string) error {
	r.record(Call{Op: OpChangeDirProperty, Name: name, Value: value})
	if r.next != nil {
		return r.next.ChangeDirProperty(name, value)
	}
	return nil
}

func (r *Recorder) CloseDir() error {
	r.record(Call{Op: OpCloseDir})
	if r.next != nil {
		return r.next.CloseDir()
	}
	return nil
}

func (r *Recorder) AddFile(path, copyFromPath string, copyFromRev int64) error {
	r.record(Call{Op: OpAddFile, Path: path, Rev: -1, CopyFromPath: copyFromPath, CopyFromRev: copyFromRev})
	if r.next != nil {
		return r.next.AddFile(path, copyFromPath, copyFromRev)
	}
	return nil
}

func (r *Recorder) OpenFile(path string, rev int64) error {
	r.record(Call{Op: OpOpenFile, Path: path, Rev: rev})
	if r.next != nil {
		return r.next.OpenFile(path, rev)
	}
	return nil
}

func (r *Recorder) ApplyTextDelta(path, baseChecksum string) error {
	r.record(Call{Op: OpApplyTextDelta, Path: path, Checksum: baseChecksum})
	if r.next != nil {
		return r.next.ApplyTextDelta(path, baseChecksum)
	}
	return nil
}

type windowRecorder struct {
	r      *Recorder
	path   string
	window delta.Window
	buf    bytes.Buffer
	next   io.WriteCloser
}

func (w *windowRecorder) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.next != nil {
		return w.next.Write(p)
	}
	return len(p), nil
}

func (w *windowRecorder) Close() error {
	window := w.window
	w.r.record(Call{Op: OpTextDeltaChunk, Path: w.path, Window: &window, Data: w.buf.Bytes()})
	if w.next != nil {
		return w.next.Close()
	}
	return nil
}

// TextDeltaChunk records the window once its writer is closed.
func (r *Recorder) TextDeltaChunk(path string, window delta.Window) (io.WriteCloser, error) {
	w := &windowRecorder{r: r, path: path, window: window}
	if r.next != nil {
		next, err := r.next.TextDeltaChunk(path, window)
		if err != nil {
			return nil, err
		}
		w.next = next
	}
	return w, nil
}

func (r *Recorder) TextDeltaEnd(path string) error {
	r.record(Call{Op: OpTextDeltaEnd, Path: path})
	if r.next != nil {
		return r.next.TextDeltaEnd(path)
	}
	return nil
}

func (r *Recorder) ChangeFileProperty(path, name string, value *string) error {
	r.record(Call{Op: OpChangeFileProperty, Path: path, Name: name, Value: value})
	if r.next != nil {
		return r.next.ChangeFileProperty(path, name, value)
	}
	return nil
}

func (r *Recorder) CloseFile(path, textChecksum string) error {
	r.record(Call{Op: OpCloseFile, Path: path, Checksum: textChecksum})
	if r.next != nil {
		return r.next.CloseFile(path, textChecksum)
	}
	return nil
}

func (r *Recorder) CloseEdit() (*CommitInfo, error) {
	r.record(Call{Op: OpCloseEdit})
	if r.next != nil {
		return r.next.CloseEdit()
	}
	return nil, nil
}

func (r *Recorder) AbortEdit() error {
	r.record(Call{Op: OpAbortEdit})
	if r.next != nil {
		return r.next.AbortEdit()
	}
	return nil
}

// Replay drives ed with calls. A failing call aborts the edit and its
// error is returned.
func Replay(calls []Call, ed Editor) (*CommitInfo, error) {
	var info *CommitInfo
	for i, c := range calls {
		var err error
		switch c.Op {
		case OpTargetRevision:
			err = ed.TargetRevision(c.Rev)
		case OpOpenRoot:
			err = ed.OpenRoot(c.Rev)
		case OpDeleteEntry:
			err = ed.DeleteEntry(c.Path, c.Rev)
		case OpAbsentDir:
			err = ed.AbsentDir(c.Path)
		case OpAbsentFile:
			err = ed.AbsentFile(c.Path)
		case OpAddDir:
			err = ed.AddDir(c.Path, c.CopyFromPath, c.CopyFromRev)
		case OpOpenDir:
			err = ed.OpenDir(c.Path, c.Rev)
		case OpChangeDirProperty:
			err = ed.ChangeDirProperty(c.Name, c.Value)
		case OpCloseDir:
			err = ed.CloseDir()
		case OpAddFile:
			err = ed.AddFile(c.Path, c.CopyFromPath, c.CopyFromRev)
		case OpOpenFile:
			err = ed.OpenFile(c.Path, c.Rev)
		case OpApplyTextDelta:
			err = ed.ApplyTextDelta(c.Path, c.Checksum)
		case OpTextDeltaChunk:
			if c.Window == nil {
				err = fmt.Errorf("call %d: window missing", i)
				break
			}
			var w io.WriteCloser
			if w, err = ed.TextDeltaChunk(c.Path, *c.Window); err == nil {
				if _, err = w.Write(c.Data); err != nil {
					w.Close()
				} else {
					err = w.Close()
				}
			}
		case OpTextDeltaEnd:
			err = ed.TextDeltaEnd(c.Path)
		case OpChangeFileProperty:
			err = ed.ChangeFileProperty(c.Path, c.Name, c.Value)
		case OpCloseFile:
			err = ed.CloseFile(c.Path, c.Checksum)
		case OpCloseEdit:
			info, err = ed.CloseEdit()
		case OpAbortEdit:
			return nil, ed.AbortEdit()
		default:
			err = fmt.Errorf("call %d: unknown op %q", i, c.Op)
		}
		if err != nil {
			ed.AbortEdit()
			return nil, err
		}
	}
	return info, nil
}
