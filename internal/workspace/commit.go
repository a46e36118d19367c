package workspace

import (
	"context"

	"wcsync/internal/commit"
	"wcsync/internal/editor"
	"wcsync/internal/entry"
	"wcsync/internal/errors"
	"wcsync/internal/status"
	"wcsync/internal/transport"

	"go.uber.org/zap"
)

// Commit sends the local changes at or below targets (root-relative, none
// for the whole working copy) and returns the new revision, or -1 when
// there was nothing to commit.
func (w *Workspace) Commit(ctx context.Context, targets []string, message string, recursive bool) (int64, error) {
	root, err := w.store.Root()
	if err != nil {
		return -1, errors.NotFound(w.root + ": not a working copy")
	}
	paths := make([]string, 0, len(targets))
	for _, t := range targets {
		paths = append(paths, clean(t))
	}
	if len(paths) == 0 {
		paths = []string{""}
	}

	c := &commit.Committer{
		Root:      root,
		ReposRoot: root.PropertyValue(entry.PropRepositoryRoot),
		KeepLocks: w.cfg.Commit.KeepLocks,
		Listener:  w.opts.Listener,
		Progress:  w.opts.Progress,
		Logger:    w.logger,
	}
	if w.cfg.Commit.Verify {
		c.Verify = w.tr
	}
	rev, err := c.Commit(ctx, paths, recursive, func(ctx context.Context, url string, locks map[string]string) (editor.Editor, error) {
		return w.tr.CommitEditor(ctx, transport.CommitRequest{
			URL:       url,
			Author:    w.cfg.Repository.User,
			Message:   message,
			Locks:     locks,
			KeepLocks: w.cfg.Commit.KeepLocks,
		})
	})
	if err != nil {
		return rev, err
	}
	if rev >= 0 {
		w.logger.Info("committed", zap.Int64("revision", rev), zap.Strings("targets", paths))
	}
	return rev, w.settle(ctx, false)
}

// Lock takes the repository lock on each file and records the token.
func (w *Workspace) Lock(ctx context.Context, paths []string, comment string, steal bool) error {
	for _, p := range paths {
		e, err := w.entry(p)
		if err != nil {
			return err
		}
		if e.IsDirectory() {
			return errors.ValidationError("only files can be locked", e.Path())
		}
		if e.IsScheduledForAddition() {
			return errors.Precondition(e.Path(), "not in the repository yet")
		}
		lock, err := w.tr.Lock(ctx, transport.LockRequest{
			URL:     entry.URL(e),
			Owner:   w.cfg.Repository.User,
			Comment: comment,
			Steal:   steal,
		})
		if err != nil {
			return err
		}
		if err := setLock(e, lock); err != nil {
			return err
		}
		if err := e.Save(false); err != nil {
			return err
		}
		w.logger.Info("locked", zap.String("path", e.Path()), zap.String("token", lock.Token))
	}
	return nil
}

// Unlock releases the locks this working copy holds on paths.
func (w *Workspace) Unlock(ctx context.Context, paths []string) error {
	for _, p := range paths {
		e, err := w.entry(p)
		if err != nil {
			return err
		}
		token := entry.LockToken(e)
		if token == "" {
			return errors.Precondition(e.Path(), "not locked in this working copy")
		}
		if err := w.tr.Unlock(ctx, entry.URL(e), token); err != nil {
			return err
		}
		if err := setLock(e, nil); err != nil {
			return err
		}
		if err := e.Save(false); err != nil {
			return err
		}
		w.logger.Info("unlocked", zap.String("path", e.Path()))
	}
	return nil
}

func setLock(e entry.Entry, lock *status.Lock) error {
	values := map[string]*string{
		entry.PropLockToken:   nil,
		entry.PropLockOwner:   nil,
		entry.PropLockComment: nil,
		entry.PropLockCreated: nil,
	}
	if lock != nil {
		values[entry.PropLockToken] = editor.String(lock.Token)
		values[entry.PropLockOwner] = editor.String(lock.Owner)
		values[entry.PropLockCreated] = editor.String(entry.FormatDate(lock.CreationDate))
		if lock.Comment != "" {
			values[entry.PropLockComment] = editor.String(lock.Comment)
		}
	}
	for name, v := range values {
		if err := e.SetPropertyValue(name, v); err != nil {
			return err
		}
	}
	return nil
}

// Relocate points the working copy at a moved repository. Only recorded
// URLs change; the repository is not contacted.
func (w *Workspace) Relocate(from, to string) error {
	if err := w.store.Relocate(from, to); err != nil {
		return err
	}
	w.logger.Info("relocated", zap.String("from", from), zap.String("to", to))
	return nil
}

// Add schedules the unversioned item at p, and what is below it, for
// addition.
func (w *Workspace) Add(p string) error {
	return w.store.Add(clean(p))
}

// Remove schedules the entry at p for deletion.
func (w *Workspace) Remove(p string) error {
	return w.store.Remove(clean(p))
}

// Copy schedules dst as a copy of the versioned entry src.
func (w *Workspace) Copy(src, dst string) error {
	return w.store.Copy(clean(src), clean(dst))
}

func (w *Workspace) SetProperty(p, name string, value *string) error {
	return w.store.SetProperty(clean(p), name, value)
}
