// Package editor defines the push-style tree-delta protocol. A producer
// drives an Editor depth-first; paths are relative to the edit root.
package editor

import (
	"io"
	"time"

	"wcsync/internal/delta"
)

// Editor consumes a tree delta. A nil property value deletes the property.
type Editor interface {
	TargetRevision(rev int64) error
	OpenRoot(rev int64) error

	DeleteEntry(path string, rev int64) error
	AbsentDir(path string) error
	AbsentFile(path string) error

	AddDir(path, copyFromPath string, copyFromRev int64) error
	OpenDir(path string, rev int64) error
	ChangeDirProperty(name string, value *string) error
	CloseDir() error

	AddFile(path, copyFromPath string, copyFromRev int64) error
	OpenFile(path string, rev int64) error
	ApplyTextDelta(path, baseChecksum string) error
	// TextDeltaChunk returns a writer for the window's new data. The
	// window is complete once the writer is closed.
	TextDeltaChunk(path string, window delta.Window) (io.WriteCloser, error)
	TextDeltaEnd(path string) error
	ChangeFileProperty(path, name string, value *string) error
	CloseFile(path, textChecksum string) error

	// CloseEdit returns commit metadata for producer-side edits and nil
	// for consumers that have nothing to report.
	CloseEdit() (*CommitInfo, error)
	AbortEdit() error
}

type CommitInfo struct {
	Revision int64     `json:"revision"`
	Author   string    `json:"author"`
	Date     time.Time `json:"date"`
}

// String returns a pointer to v, for property values.
func String(v string) *string {
	return &v
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Discard is handed out by editors that ignore delta data.
func Discard() io.WriteCloser {
	return nopWriteCloser{io.Discard}
}

// SendText transmits target as a delta against base and returns the
// checksum of target.
func SendText(ed Editor, path string, base, target []byte, baseChecksum string) (string, error) {
	if err := ed.ApplyTextDelta(path, baseChecksum); err != nil {
		return "", err
	}
	for _, c := range delta.Generate(base, target) {
		w, err := ed.TextDeltaChunk(path, c.Window)
		if err != nil {
			return "", err
		}
		if _, err := w.Write(c.Data); err != nil {
			w.Close()
			return "", err
		}
		if err := w.Close(); err != nil {
			return "", err
		}
	}
	if err := ed.TextDeltaEnd(path); err != nil {
		return "", err
	}
	return delta.Checksum(target), nil
}
