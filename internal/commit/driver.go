package commit

import (
	"context"
	"time"

	"wcsync/internal/editor"
	"wcsync/internal/entry"
	"wcsync/internal/errors"
	"wcsync/internal/logging"
	"wcsync/internal/metrics"
	"wcsync/internal/notify"
	"wcsync/internal/progress"
	"wcsync/internal/status"

	"go.uber.org/zap"
)

// Driver transmits a commit tree through an editor opened at the tree's
// root URL.
type Driver struct {
	Editor editor.Editor
	// ReposRoot is the repository root URL; copy sources are sent
	// relative to it.
	ReposRoot string
	Listener  notify.Listener
	Progress  progress.Viewer
	Logger    *zap.Logger

	processed int
	total     int
}

// Commit drives the whole tree and closes the edit. Any failure aborts
// the edit before it is returned.
func (d *Driver) Commit(ctx context.Context, tree Tree) (*editor.CommitInfo, error) {
	start := time.Now()
	d.Logger = logging.OrNop(d.Logger)
	d.Listener = notify.OrNop(d.Listener)

	if err := d.DoCommit(ctx, tree); err != nil {
		d.abort(err)
		return nil, err
	}
	info, err := d.Editor.CloseEdit()
	if err != nil {
		d.abort(err)
		return nil, err
	}
	if info == nil {
		return nil, errors.Protocol("commit editor returned no commit info")
	}
	metrics.RecordEdit("commit", true)
	metrics.RecordCommit(time.Since(start))
	d.Logger.Info("committed",
		zap.Int64("revision", info.Revision),
		zap.String("author", info.Author),
		zap.Int("paths", len(tree)))
	return info, nil
}

func (d *Driver) abort(cause error) {
	metrics.RecordEdit("commit", false)
	if err := d.Editor.AbortEdit(); err != nil {
		d.Logger.Warn("aborting commit", zap.NamedError("cause", cause), zap.Error(err))
	}
}

// DoCommit sends every entry of tree, starting from the root directory.
// It leaves the edit open.
func (d *Driver) DoCommit(ctx context.Context, tree Tree) error {
	d.Logger = logging.OrNop(d.Logger)
	d.Listener = notify.OrNop(d.Listener)
	d.processed, d.total = 0, len(tree)
	return d.commitDir(ctx, tree, "", false)
}

func (d *Driver) commitDir(ctx context.Context, tree Tree, path string, replaced bool) error {
	if err := errors.Check(ctx); err != nil {
		return err
	}
	e := tree[path]
	if e != nil {
		if err := e.SetPropertyValue(entry.PropCommittedRev, nil); err != nil {
			return err
		}
	}

	switch {
	case path == "":
		if err := d.Editor.OpenRoot(-1); err != nil {
			return err
		}
		if e != nil {
			if err := d.sendProps(e, path, status.Modified); err != nil {
				return err
			}
		}
	case e != nil && (e.IsScheduledForAddition() || e.IsCopied()):
		from, rev := d.copySource(e)
		if err := d.Editor.AddDir(path, from, rev); err != nil {
			return err
		}
		if _, err := e.SendChangedProperties(d.Editor, path); err != nil {
			return err
		}
		if !replaced {
			d.Listener.Committed(e.Path(), status.Added)
		}
	case e != nil && e.IsPropertiesModified():
		if err := d.Editor.OpenDir(path, entry.Revision(e)); err != nil {
			return err
		}
		if err := d.sendProps(e, path, status.Modified); err != nil {
			return err
		}
	default:
		rev := int64(-1)
		if e != nil {
			rev = entry.Revision(e)
		}
		if err := d.Editor.OpenDir(path, rev); err != nil {
			return err
		}
	}

	virtual, direct := tree.children(path)
	for _, p := range virtual {
		if err := d.commitDir(ctx, tree, p, false); err != nil {
			return err
		}
	}
	for _, p := range direct {
		if err := errors.Check(ctx); err != nil {
			return err
		}
		d.processed++
		progress.Report(d.Progress, d.processed, d.total)
		if err := d.commitChild(ctx, tree, p, tree[p]); err != nil {
			return err
		}
	}
	return d.Editor.CloseDir()
}

func (d *Driver) commitChild(ctx context.Context, tree Tree, path string, child entry.Entry) error {
	rev := entry.Revision(child)
	switch {
	case child.IsScheduledForAddition() && child.IsScheduledForDeletion():
		d.Logger.Debug("replacing", zap.String("path", path))
		if err := child.SetPropertyValue(entry.PropCommittedRev, nil); err != nil {
			return err
		}
		if err := d.Editor.DeleteEntry(path, rev); err != nil {
			return err
		}
		if err := markReplaced(child); err != nil {
			return err
		}
		if child.IsDirectory() {
			if err := d.commitDir(ctx, tree, path, true); err != nil {
				return err
			}
		} else {
			if err := d.Editor.AddFile(path, "", -1); err != nil {
				return err
			}
			if err := d.sendFile(child, path); err != nil {
				return err
			}
		}
		d.Listener.Committed(child.Path(), status.Replaced)
		return nil

	case child.IsScheduledForDeletion():
		if err := child.SetPropertyValue(entry.PropCommittedRev, nil); err != nil {
			return err
		}
		// the replaced parent's delete already covers it
		if child.PropertyValue(entry.PropReplaced) != "" {
			return nil
		}
		if err := d.Editor.DeleteEntry(path, rev); err != nil {
			return err
		}
		d.Listener.Committed(child.Path(), status.Deleted)
		return nil

	case child.IsDirectory():
		return d.commitDir(ctx, tree, path, false)
	}

	if child.IsCopied() && !child.IsScheduledForAddition() && entry.CopyFromRevision(child) >= 0 {
		from, fromRev := d.copySource(child)
		if err := d.Editor.AddFile(path, from, fromRev); err != nil {
			return err
		}
		if err := d.Editor.CloseFile(path, ""); err != nil {
			return err
		}
		d.Listener.Committed(child.Path(), status.Added)
	}

	if child.IsScheduledForAddition() {
		if err := child.SetPropertyValue(entry.PropCommittedRev, nil); err != nil {
			return err
		}
		from, fromRev := d.copySource(child)
		if err := d.Editor.AddFile(path, from, fromRev); err != nil {
			return err
		}
		if err := d.sendFile(child, path); err != nil {
			return err
		}
		d.Listener.Committed(child.Path(), status.Added)
		return nil
	}

	modified, err := child.AsFile().IsContentsModified()
	if err != nil {
		return err
	}
	if !modified && !child.IsPropertiesModified() {
		return nil
	}
	if err := child.SetPropertyValue(entry.PropCommittedRev, nil); err != nil {
		return err
	}
	if err := d.Editor.OpenFile(path, rev); err != nil {
		return err
	}
	if _, err := child.SendChangedProperties(d.Editor, path); err != nil {
		return err
	}
	checksum := ""
	if modified {
		if checksum, err = child.AsFile().GenerateDelta(d.Editor, path); err != nil {
			return err
		}
	}
	if err := d.Editor.CloseFile(path, checksum); err != nil {
		return err
	}
	d.Listener.Committed(child.Path(), status.Modified)
	return nil
}

// sendFile transmits properties and the full text of an added file and
// closes it.
func (d *Driver) sendFile(e entry.Entry, path string) error {
	if _, err := e.SendChangedProperties(d.Editor, path); err != nil {
		return err
	}
	checksum, err := e.AsFile().GenerateDelta(d.Editor, path)
	if err != nil {
		return err
	}
	return d.Editor.CloseFile(path, checksum)
}

func (d *Driver) sendProps(e entry.Entry, path string, kind status.Kind) error {
	sent, err := e.SendChangedProperties(d.Editor, path)
	if err != nil {
		return err
	}
	if sent {
		d.Listener.Committed(e.Path(), kind)
	}
	return nil
}

// copySource returns the copy-from path relative to the repository root,
// or "" and -1 when e has no copy source.
func (d *Driver) copySource(e entry.Entry) (string, int64) {
	url := e.PropertyValue(entry.PropCopyFromURL)
	if url == "" {
		return "", -1
	}
	return reposPath(url, d.ReposRoot), entry.CopyFromRevision(e)
}

// markReplaced turns a replacement into a plain addition. Descendants
// scheduled for deletion are marked so they are not deleted again.
func markReplaced(e entry.Entry) error {
	switch entry.Schedule(e) {
	case entry.ScheduleReplace:
		if err := e.SetPropertyValue(entry.PropSchedule, editor.String(entry.ScheduleAdd)); err != nil {
			return err
		}
		if !e.IsDirectory() {
			return nil
		}
		for _, child := range e.AsDirectory().ChildEntries() {
			if err := markReplaced(child); err != nil {
				return err
			}
		}
	case entry.ScheduleDelete:
		return e.SetPropertyValue(entry.PropReplaced, editor.String("true"))
	}
	return nil
}
