package workspace

import (
	"context"
	"io"
	"os"
	"strings"

	"wcsync/internal/delta"
	"wcsync/internal/editor"
	"wcsync/internal/entry"
	"wcsync/internal/errors"
	"wcsync/internal/externals"
	"wcsync/internal/overlay"
	"wcsync/internal/reporter"
	"wcsync/internal/status"
	"wcsync/internal/transport"

	"go.uber.org/zap"
)

type StatusOptions struct {
	// Remote asks the repository what changed since the working
	// revisions.
	Remote            bool
	Recursive         bool
	IncludeUnmodified bool
	IncludeIgnored    bool
	// Externals descends into the working copies of externals.
	Externals bool
}

// Status reports the state of p and, depending on opts, what lies below
// it. Paths handed to handle are relative to the working copy root. The
// returned revision is the repository's, -1 for a local status.
func (w *Workspace) Status(ctx context.Context, p string, opts StatusOptions, handle overlay.Handler) (int64, error) {
	p = clean(p)
	root, err := w.store.Root()
	if err != nil {
		return -1, errors.NotFound(w.root + ": not a working copy")
	}

	var remote *overlay.Editor
	rev := int64(-1)
	if opts.Remote {
		anchor, target, err := w.anchor(p)
		if err != nil {
			return -1, err
		}
		remote = overlay.NewEditor()
		baton := &reporter.EntryBaton{
			Root:      anchor,
			Target:    target,
			Recursive: opts.Recursive,
			Logger:    w.logger,
		}
		req := transport.UpdateRequest{
			URL:       entry.URL(anchor),
			Target:    target,
			Revision:  -1,
			Recursive: opts.Recursive,
		}
		ed := editor.NewChecker(&rebased{Editor: remote, prefix: anchor.Path()})
		if err := w.tr.Status(ctx, req, baton, ed); err != nil {
			return -1, err
		}
		rev = remote.Revision()
	}

	defs := w.ancestorDefinitions(p)
	walkOpts := overlay.Options{
		Descend:           opts.Recursive,
		IncludeUnmodified: opts.IncludeUnmodified,
		IncludeIgnored:    opts.IncludeIgnored,
		Externals:         defs,
		FS:                os.DirFS(w.root),
		Progress:          w.opts.Progress,
		Logger:            w.logger,
	}
	if err := overlay.Walk(ctx, root, p, remote, walkOpts, handle); err != nil {
		return rev, err
	}
	if !opts.Externals || !opts.Recursive {
		return rev, nil
	}

	var nested []externals.Definition
	for _, d := range append(defs, w.definitions(p, true)...) {
		if p == "" || d.Path == p || strings.HasPrefix(d.Path, p+"/") {
			nested = append(nested, d)
		}
	}
	return rev, externals.Handle(ctx, w.logger, w.policy, nested, func(ctx context.Context, def externals.Definition) error {
		dir, err := externalDir(w.root, def)
		if err != nil {
			return err
		}
		if !IsWorkingCopy(dir, w.cfg) {
			w.logger.Debug("external not checked out", zap.String("path", def.Path))
			return nil
		}
		ext, err := w.openExternal(ctx, def)
		if err != nil {
			return err
		}
		defer ext.Close()
		_, err = ext.Status(ctx, "", opts, func(st *status.Status) error {
			st.Path = entry.Join(def.Path, st.Path)
			return handle(st)
		})
		return err
	})
}

// ancestorDefinitions collects the externals declared above p.
func (w *Workspace) ancestorDefinitions(p string) []externals.Definition {
	var defs []externals.Definition
	for dir := p; dir != ""; {
		dir = parentOf(dir)
		defs = append(defs, w.definitions(dir, false)...)
	}
	return defs
}

// rebased forwards an edit rooted at a subdirectory under root-relative
// paths. The subdirectory itself is opened below the real root.
type rebased struct {
	editor.Editor
	prefix string
	depth  int
}

func (r *rebased) OpenRoot(rev int64) error {
	if err := r.Editor.OpenRoot(rev); err != nil {
		return err
	}
	r.depth = 1
	if r.prefix == "" {
		return nil
	}
	return r.Editor.OpenDir(r.prefix, rev)
}

func (r *rebased) CloseDir() error {
	if err := r.Editor.CloseDir(); err != nil {
		return err
	}
	r.depth--
	if r.depth == 0 && r.prefix != "" {
		return r.Editor.CloseDir()
	}
	return nil
}

func (r *rebased) path(p string) string {
	return entry.Join(r.prefix, p)
}

func (r *rebased) DeleteEntry(path string, rev int64) error {
	return r.Editor.DeleteEntry(r.path(path), rev)
}

func (r *rebased) AbsentDir(path string) error {
	return r.Editor.AbsentDir(r.path(path))
}

func (r *rebased) AbsentFile(path string) error {
	return r.Editor.AbsentFile(r.path(path))
}

func (r *rebased) AddDir(path, copyFromPath string, copyFromRev int64) error {
	r.depth++
	return r.Editor.AddDir(r.path(path), copyFromPath, copyFromRev)
}

func (r *rebased) OpenDir(path string, rev int64) error {
	r.depth++
	return r.Editor.OpenDir(r.path(path), rev)
}

func (r *rebased) AddFile(path, copyFromPath string, copyFromRev int64) error {
	return r.Editor.AddFile(r.path(path), copyFromPath, copyFromRev)
}

func (r *rebased) OpenFile(path string, rev int64) error {
	return r.Editor.OpenFile(r.path(path), rev)
}

func (r *rebased) ApplyTextDelta(path, baseChecksum string) error {
	return r.Editor.ApplyTextDelta(r.path(path), baseChecksum)
}

func (r *rebased) TextDeltaChunk(path string, window delta.Window) (io.WriteCloser, error) {
	return r.Editor.TextDeltaChunk(r.path(path), window)
}

func (r *rebased) TextDeltaEnd(path string) error {
	return r.Editor.TextDeltaEnd(r.path(path))
}

func (r *rebased) ChangeFileProperty(path, name string, value *string) error {
	return r.Editor.ChangeFileProperty(r.path(path), name, value)
}

func (r *rebased) CloseFile(path, textChecksum string) error {
	return r.Editor.CloseFile(r.path(path), textChecksum)
}
