package workspace

import (
	"context"

	"wcsync/internal/diff"
	"wcsync/internal/entry"
	"wcsync/internal/status"
)

// FileDiff is the difference between a file's base text and its working
// text.
type FileDiff struct {
	Path     string
	Revision int64
	Status   status.Kind
	*diff.Result
}

// Diff compares the base and working text of every changed file at or
// below p. Directories and property changes are skipped.
func (w *Workspace) Diff(ctx context.Context, p string, recursive bool, contextLines int, fn func(*FileDiff) error) error {
	engine := diff.NewEngine(contextLines)
	_, err := w.Status(ctx, p, StatusOptions{Recursive: recursive}, func(st *status.Status) error {
		if st.IsDirectory {
			return nil
		}
		switch st.Contents {
		case status.Modified, status.Added, status.Replaced, status.Deleted, status.Conflicted:
		default:
			return nil
		}
		e, err := w.store.Entry(st.Path)
		if err != nil || e.IsDirectory() {
			return nil
		}
		f := e.AsFile()

		var base, working []byte
		if st.Contents != status.Added || e.IsCopied() {
			if base, err = f.BaseText(); err != nil {
				return err
			}
		}
		if st.Contents != status.Deleted {
			if working, err = f.WorkingText(); err != nil {
				return err
			}
		}
		return fn(&FileDiff{
			Path:     st.Path,
			Revision: entry.Revision(e),
			Status:   st.Contents,
			Result:   engine.Diff(base, working),
		})
	})
	return err
}
