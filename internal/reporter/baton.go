package reporter

import (
	"context"

	"wcsync/internal/entry"
	"wcsync/internal/errors"

	"go.uber.org/zap"
)

// EntryBaton reports the state recorded in an entry store, depth first.
type EntryBaton struct {
	Root entry.Directory
	// Target restricts the walk to one child of Root.
	Target    string
	Recursive bool
	// Restore rewrites missing files from their base text instead of
	// reporting them deleted.
	Restore bool
	Logger  *zap.Logger

	missing   []string
	restored  []string
	externals map[string]string
}

func (b *EntryBaton) Missing() []string {
	return b.missing
}

func (b *EntryBaton) Restored() []string {
	return b.restored
}

// Externals maps each walked directory to its externals definition.
func (b *EntryBaton) Externals() map[string]string {
	return b.externals
}

func (b *EntryBaton) Report(ctx context.Context, r Reporter) error {
	if b.Logger == nil {
		b.Logger = zap.NewNop()
	}
	b.missing, b.restored = nil, nil
	b.externals = make(map[string]string)

	if err := b.report(ctx, r); err != nil {
		b.Logger.Debug("report failed", zap.Error(err))
		if abortErr := r.AbortReport(); abortErr != nil {
			b.Logger.Warn("aborting report", zap.Error(abortErr))
		}
		return err
	}
	return r.FinishReport()
}

func (b *EntryBaton) report(ctx context.Context, r Reporter) error {
	rev := entry.Revision(b.Root)
	if rev < 0 {
		return errors.Protocol("working copy root has no revision")
	}
	if err := r.SetPath("", "", rev, false); err != nil {
		return err
	}
	b.collectExternals(b.Root)

	if b.Target == "" {
		return b.reportEntries(ctx, r, b.Root, "", rev)
	}

	for _, name := range b.Root.DeletedEntries() {
		if name == b.Target {
			return r.DeletePath(b.Target)
		}
	}
	child := b.Root.Child(b.Target)
	if child == nil {
		return r.DeletePath(b.Target)
	}
	return b.reportEntry(ctx, r, b.Root, child, b.Target, rev)
}

func (b *EntryBaton) reportEntries(ctx context.Context, r Reporter, dir entry.Directory, dirPath string, dirRev int64) error {
	if err := errors.Check(ctx); err != nil {
		return err
	}
	for _, name := range dir.DeletedEntries() {
		if err := r.DeletePath(entry.Join(dirPath, name)); err != nil {
			return err
		}
	}
	for _, child := range dir.ChildEntries() {
		if err := b.reportEntry(ctx, r, dir, child, entry.Join(dirPath, child.Name()), dirRev); err != nil {
			return err
		}
	}
	return nil
}

func (b *EntryBaton) reportEntry(ctx context.Context, r Reporter, dir entry.Directory, child entry.Entry, path string, parentRev int64) error {
	// Added entries have no repository counterpart yet.
	if entry.Schedule(child) == entry.ScheduleAdd {
		return nil
	}
	rev := entry.Revision(child)
	lock := entry.LockToken(child)

	switch {
	case entry.IsSwitched(dir, child):
		if err := r.LinkPath(entry.URL(child), path, lock, rev, false); err != nil {
			return err
		}
	case child.IsMissing() && !child.IsScheduledForDeletion():
		if child.IsDirectory() || !b.Restore {
			b.missing = append(b.missing, path)
			return r.DeletePath(path)
		}
		if err := child.AsFile().Restore(); err != nil {
			return err
		}
		b.restored = append(b.restored, path)
		b.Logger.Debug("restored missing file", zap.String("path", path))
		if rev != parentRev || lock != "" {
			if err := r.SetPath(path, lock, rev, false); err != nil {
				return err
			}
		}
	case rev != parentRev || lock != "":
		if err := r.SetPath(path, lock, rev, false); err != nil {
			return err
		}
	}

	if !child.IsDirectory() || !b.Recursive {
		return nil
	}
	sub := child.AsDirectory()
	b.collectExternals(sub)
	return b.reportEntries(ctx, r, sub, path, rev)
}

func (b *EntryBaton) collectExternals(dir entry.Directory) {
	if v := dir.PropertyValue(entry.PropExternals); v != "" {
		b.externals[dir.Path()] = v
	}
}
