package workspace

import (
	"context"
	"path/filepath"
	"strings"

	"wcsync/internal/entry"
	"wcsync/internal/errors"
	"wcsync/internal/externals"
	"wcsync/internal/transport"

	"go.uber.org/zap"
)

// definitions collects the externals declared on the directory at dir
// and, when recursive, on every versioned directory below it.
func (w *Workspace) definitions(dir string, recursive bool) []externals.Definition {
	e, err := w.store.Entry(dir)
	if err != nil || !e.IsDirectory() {
		return nil
	}
	var defs []externals.Definition
	var walk func(d entry.Directory)
	walk = func(d entry.Directory) {
		if v := d.PropertyValue(entry.PropExternals); v != "" {
			defs = append(defs, externals.Parse(d.Path(), v)...)
		}
		if !recursive {
			return
		}
		for _, c := range d.ChildEntries() {
			if c.IsDirectory() {
				walk(c.AsDirectory())
			}
		}
	}
	walk(e.AsDirectory())
	return defs
}

// dropped logs the externals that are no longer defined. Their working
// copies stay where they are.
func (w *Workspace) dropped(before, after []externals.Definition) {
	kept := make(map[string]bool, len(after))
	for _, d := range after {
		kept[d.Path] = true
	}
	for _, d := range before {
		if !kept[d.Path] {
			w.logger.Info("external no longer defined, left in place",
				zap.String("path", d.Path),
				zap.String("url", d.URL))
		}
	}
}

func (w *Workspace) syncExternals(ctx context.Context, defs []externals.Definition) error {
	if len(defs) == 0 {
		return nil
	}
	return externals.Handle(ctx, w.logger, w.policy, defs, w.syncExternal)
}

// syncExternal checks out def into its directory, or updates the working
// copy already there.
func (w *Workspace) syncExternal(ctx context.Context, def externals.Definition) error {
	ext, err := w.openExternal(ctx, def)
	if err != nil {
		return err
	}
	defer ext.Close()

	url, _, _, err := ext.Info()
	if err != nil {
		w.logger.Debug("checking out external", zap.String("path", def.Path), zap.String("url", def.URL))
		_, err = ext.Checkout(ctx, def.URL, def.Revision, true)
		return err
	}
	if url != strings.TrimSuffix(def.URL, "/") {
		return errors.Precondition(def.Path, "external is a working copy of "+url)
	}
	_, err = ext.Update(ctx, "", def.Revision, true)
	return err
}

func (w *Workspace) openExternal(ctx context.Context, def externals.Definition) (*Workspace, error) {
	dir, err := externalDir(w.root, def)
	if err != nil {
		return nil, err
	}
	_, reposRoot, _, err := w.Info()
	if err != nil {
		return nil, err
	}
	tr, err := connect(ctx, w.opts, w.tr, reposRoot, def.URL)
	if err != nil {
		return nil, err
	}
	sub := w.opts
	sub.Listener = prefixed{prefix: def.Path, next: w.opts.Listener}
	return Open(dir, tr, sub)
}

// connect reuses tr for URLs inside reposRoot and asks opts.Connect for
// anything else.
func connect(ctx context.Context, opts Options, tr transport.Transport, reposRoot, url string) (transport.Transport, error) {
	if url == reposRoot || strings.HasPrefix(url, reposRoot+"/") {
		return tr, nil
	}
	if opts.Connect == nil {
		return nil, errors.Precondition(url, "no connection to the repository")
	}
	return opts.Connect(ctx, url)
}

func joinDisk(root, p string) string {
	return filepath.Join(root, filepath.FromSlash(p))
}

// externalDir places def below root. Definitions naming root itself or
// anything outside it are refused.
func externalDir(root string, def externals.Definition) (string, error) {
	dir := joinDisk(root, def.Path)
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", errors.Precondition(def.Path, "external is outside the working copy")
	}
	return dir, nil
}
