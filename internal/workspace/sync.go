package workspace

import (
	"context"
	"strings"

	"wcsync/internal/editor"
	"wcsync/internal/entry"
	"wcsync/internal/errors"
	"wcsync/internal/externals"
	"wcsync/internal/reporter"
	"wcsync/internal/status"
	"wcsync/internal/transport"
	"wcsync/internal/update"
	"wcsync/internal/wc"

	"go.uber.org/zap"
)

// Checkout brings url at rev (-1 for the latest) into the working copy,
// which must be empty or already a checkout of url. It returns the
// revision checked out.
func (w *Workspace) Checkout(ctx context.Context, url string, rev int64, recursive bool) (int64, error) {
	url = strings.TrimSuffix(url, "/")
	info, err := w.tr.Info(ctx)
	if err != nil {
		return -1, err
	}
	if url != info.RootURL && !strings.HasPrefix(url, info.RootURL+"/") {
		return -1, errors.ValidationError("url is outside the repository", url)
	}
	root, err := w.store.Init(url, info.RootURL, info.UUID, 0)
	if err != nil {
		return -1, err
	}
	if existing := entry.URL(root); existing != url {
		return -1, errors.Precondition(w.root, "already a working copy of "+existing)
	}

	med, err := w.newMediator()
	if err != nil {
		return -1, err
	}
	applier := update.New(ctx, root, update.Options{
		Mediator: med,
		Listener: w.opts.Listener,
		Logger:   w.logger,
	})
	req := transport.UpdateRequest{URL: url, Revision: rev, Recursive: recursive}
	if err := w.tr.Checkout(ctx, req, editor.NewChecker(applier)); err != nil {
		applier.AbortEdit()
		return -1, err
	}
	rev = applier.Revision()
	w.logger.Info("checked out", zap.String("url", url), zap.Int64("revision", rev))

	if err := w.settle(ctx, applier.TimestampsChanged()); err != nil {
		return rev, err
	}
	if recursive {
		if err := w.syncExternals(ctx, applier.Externals()); err != nil {
			return rev, err
		}
	}
	return rev, nil
}

// Update brings the entry at p and, when recursive, everything below it
// to rev (-1 for the latest). It returns the revision reached.
func (w *Workspace) Update(ctx context.Context, p string, rev int64, recursive bool) (int64, error) {
	anchor, target, err := w.anchor(p)
	if err != nil {
		return -1, err
	}
	before := w.definitions(anchor.Path(), recursive)

	med, err := w.newMediator()
	if err != nil {
		return -1, err
	}
	baton := &missingBaton{
		EntryBaton: &reporter.EntryBaton{
			Root:      anchor,
			Target:    target,
			Recursive: recursive,
			Restore:   true,
			Logger:    w.logger,
		},
		anchor: anchor,
	}
	applier := update.New(ctx, anchor, update.Options{
		Target:   target,
		Mediator: med,
		Listener: w.opts.Listener,
		Logger:   w.logger,
	})
	req := transport.UpdateRequest{
		URL:       entry.URL(anchor),
		Target:    target,
		Revision:  rev,
		Recursive: recursive,
	}
	if err := w.tr.Update(ctx, req, baton, editor.NewChecker(applier)); err != nil {
		applier.AbortEdit()
		return -1, err
	}
	rev = applier.Revision()
	w.notifyVanished(anchor, baton, rev)
	w.logger.Info("updated",
		zap.String("path", entry.Join(anchor.Path(), target)),
		zap.Int64("revision", rev))

	if err := w.settle(ctx, applier.TimestampsChanged()); err != nil {
		return rev, err
	}
	// a single file holds no externals
	if !recursive || target != "" {
		return rev, nil
	}
	after := w.definitions(anchor.Path(), true)
	w.dropped(before, after)
	return rev, w.syncExternals(ctx, after)
}

// missingBaton reports like EntryBaton and then forgets the entries it
// reported missing, so that the edit can add them again. Nothing is
// saved until the edit closes; an aborted edit brings them back.
type missingBaton struct {
	*reporter.EntryBaton
	anchor entry.Directory
}

func (b *missingBaton) Report(ctx context.Context, r reporter.Reporter) error {
	if err := b.EntryBaton.Report(ctx, r); err != nil {
		return err
	}
	for _, p := range b.Missing() {
		name := p[strings.LastIndex(p, "/")+1:]
		parent := lookup(b.anchor, parentOf(p))
		if parent == nil || !parent.IsDirectory() || parent.AsDirectory().Child(name) == nil {
			continue
		}
		if err := parent.AsDirectory().DeleteChild(name, false); err != nil {
			return err
		}
	}
	return nil
}

// notifyVanished reports the entries that were missing before the edit
// and did not come back, along with the files restored from their base
// text.
func (w *Workspace) notifyVanished(anchor entry.Directory, baton *missingBaton, rev int64) {
	for _, p := range baton.Restored() {
		w.opts.Listener.Updated(entry.Join(anchor.Path(), p), status.Restored, status.None, rev)
	}
	for _, p := range baton.Missing() {
		if lookup(anchor, p) != nil {
			continue
		}
		w.opts.Listener.Updated(entry.Join(anchor.Path(), p), status.Deleted, status.None, rev)
	}
}

// Export writes url at rev into dst without any administrative data.
func Export(ctx context.Context, tr transport.Transport, url, dst string, rev int64, recursive bool, opts Options) (int64, error) {
	opts.fill()
	logger := opts.Logger.With(zap.String("export", dst))
	url = strings.TrimSuffix(url, "/")

	info, err := tr.Info(ctx)
	if err != nil {
		return -1, err
	}
	store, err := wc.Open(dst, nil, wc.Options{Export: true, Logger: logger})
	if err != nil {
		return -1, err
	}
	root, err := store.Init(url, info.RootURL, info.UUID, 0)
	if err != nil {
		return -1, err
	}
	applier := update.New(ctx, root, update.Options{
		Export:   true,
		Listener: opts.Listener,
		Logger:   logger,
	})
	req := transport.UpdateRequest{URL: url, Revision: rev, Recursive: recursive}
	if err := tr.Checkout(ctx, req, editor.NewChecker(applier)); err != nil {
		applier.AbortEdit()
		return -1, err
	}
	rev = applier.Revision()
	logger.Info("exported", zap.String("url", url), zap.Int64("revision", rev))
	if !recursive {
		return rev, nil
	}

	policy, err := externals.ParsePolicy(opts.Config.Externals.Policy)
	if err != nil {
		return rev, errors.ValidationError(err.Error(), nil)
	}
	err = externals.Handle(ctx, logger, policy, applier.Externals(), func(ctx context.Context, def externals.Definition) error {
		dir, err := externalDir(dst, def)
		if err != nil {
			return err
		}
		ext, err := connect(ctx, opts, tr, info.RootURL, def.URL)
		if err != nil {
			return err
		}
		sub := opts
		sub.Listener = prefixed{prefix: def.Path, next: opts.Listener}
		_, err = Export(ctx, ext, def.URL, dir, def.Revision, true, sub)
		return err
	})
	return rev, err
}
