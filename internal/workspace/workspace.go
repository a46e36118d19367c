// Package workspace runs whole operations on a working copy: checkout,
// update, status and commit against a repository transport, along with
// the externals they pull in.
package workspace

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"wcsync/internal/config"
	"wcsync/internal/entry"
	"wcsync/internal/errors"
	"wcsync/internal/externals"
	"wcsync/internal/logging"
	"wcsync/internal/mediator"
	"wcsync/internal/notify"
	"wcsync/internal/progress"
	"wcsync/internal/safe"
	"wcsync/internal/status"
	"wcsync/internal/storage"
	"wcsync/internal/timestamp"
	"wcsync/internal/transport"
	"wcsync/internal/wc"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Connector opens a transport for a repository URL. Externals may live in
// other repositories than the working copy that declares them.
type Connector func(ctx context.Context, url string) (transport.Transport, error)

type Options struct {
	Config *config.Config
	// Connect is used for externals outside the working copy's
	// repository. Without it those externals fail.
	Connect  Connector
	Listener notify.Listener
	Progress progress.Viewer
	Logger   *logging.Logger
}

type Workspace struct {
	root    string
	opts    Options
	cfg     *config.Config
	tr      transport.Transport
	db      *badger.DB
	store   *wc.Store
	policy  externals.Policy
	barrier *timestamp.Barrier
	logger  *zap.Logger
}

func (o *Options) fill() {
	if o.Config == nil {
		o.Config = config.Default()
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	o.Listener = notify.OrNop(o.Listener)
}

// Open attaches to the working copy at root, creating its administrative
// area when there is none yet.
func Open(root string, tr transport.Transport, opts Options) (*Workspace, error) {
	opts.fill()
	cfg := opts.Config
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.ValidationError("invalid working copy path", err.Error())
	}
	policy, err := externals.ParsePolicy(cfg.Externals.Policy)
	if err != nil {
		return nil, errors.ValidationError(err.Error(), nil)
	}
	granularity, err := cfg.Granularity()
	if err != nil {
		return nil, errors.ValidationError(err.Error(), nil)
	}

	db, err := storage.Open(filepath.Join(abs, cfg.WorkingCopy.AdminDir, "db"))
	if err != nil {
		return nil, errors.Internal("opening working copy database", err)
	}
	logger := opts.Logger.With(zap.String("wc", abs))
	store, err := wc.Open(abs, db, wc.Options{
		AdminDir:      cfg.WorkingCopy.AdminDir,
		GlobalIgnores: cfg.WorkingCopy.GlobalIgnores,
		CacheSize:     cfg.WorkingCopy.CacheSize,
		Logger:        logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Workspace{
		root:    abs,
		opts:    opts,
		cfg:     cfg,
		tr:      tr,
		db:      db,
		store:   store,
		policy:  policy,
		barrier: timestamp.New(granularity),
		logger:  logger,
	}, nil
}

// IsWorkingCopy reports whether dir holds an administrative area.
func IsWorkingCopy(dir string, cfg *config.Config) bool {
	if cfg == nil {
		cfg = config.Default()
	}
	info, err := os.Stat(filepath.Join(dir, cfg.WorkingCopy.AdminDir, "db"))
	return err == nil && info.IsDir()
}

func (w *Workspace) Close() error {
	return w.db.Close()
}

func (w *Workspace) Root() string {
	return w.root
}

// Info returns the URL, repository root and revision of the working copy
// root.
func (w *Workspace) Info() (url, reposRoot string, rev int64, err error) {
	root, err := w.store.Root()
	if err != nil {
		return "", "", -1, errors.NotFound(w.root + ": not a working copy")
	}
	return entry.URL(root), root.PropertyValue(entry.PropRepositoryRoot), entry.Revision(root), nil
}

// newMediator picks where incoming windows are staged during an edit.
func (w *Workspace) newMediator() (mediator.Mediator, error) {
	if w.cfg.Mediator.Kind != "badger" {
		return mediator.NewMemory(), nil
	}
	cm, err := safe.NewCompressor(safe.DefaultCompressionOptions())
	if err != nil {
		return nil, err
	}
	return mediator.NewBadger(w.db, cm), nil
}

// settle waits out the timestamp granularity when the operation rewrote
// working files, so edits made right after it are still noticed.
func (w *Workspace) settle(ctx context.Context, changed bool) error {
	changed = changed || w.store.TimestampsChanged()
	w.store.ResetTimestamps()
	if !changed {
		return nil
	}
	return w.barrier.Wait(ctx, time.Now())
}

// entry resolves a root-relative path to its versioned entry.
func (w *Workspace) entry(p string) (entry.Entry, error) {
	p = clean(p)
	e, err := w.store.Entry(p)
	if err != nil {
		if _, rootErr := w.store.Root(); rootErr != nil {
			return nil, errors.NotFound(w.root + ": not a working copy")
		}
		return nil, errors.NotFound(p + ": not under version control")
	}
	return e, nil
}

// anchor splits p into the directory an edit is rooted at and the child
// of it the edit is limited to, "" for the whole directory.
func (w *Workspace) anchor(p string) (entry.Directory, string, error) {
	e, err := w.entry(p)
	if err != nil {
		return nil, "", err
	}
	if e.IsDirectory() {
		return e.AsDirectory(), "", nil
	}
	parent, err := w.entry(parentOf(e.Path()))
	if err != nil {
		return nil, "", err
	}
	return parent.AsDirectory(), e.Name(), nil
}

// clean turns a user supplied path into a root-relative entry path.
func clean(p string) string {
	p = path.Clean("/" + filepath.ToSlash(p))
	return strings.TrimPrefix(p, "/")
}

func parentOf(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[:i]
	}
	return ""
}

// lookup follows a relative path down from dir.
func lookup(dir entry.Directory, rel string) entry.Entry {
	var e entry.Entry = dir
	for _, name := range strings.Split(rel, "/") {
		if name == "" {
			continue
		}
		if e == nil || !e.IsDirectory() {
			return nil
		}
		e = e.AsDirectory().Child(name)
	}
	return e
}

// prefixed reports notifications of a nested working copy under the
// path it has in the outer one.
type prefixed struct {
	prefix string
	next   notify.Listener
}

func (p prefixed) Committed(path string, kind status.Kind) {
	p.next.Committed(entry.Join(p.prefix, path), kind)
}

func (p prefixed) Updated(path string, contents, props status.Kind, rev int64) {
	p.next.Updated(entry.Join(p.prefix, path), contents, props, rev)
}

func (p prefixed) Modified(path string, kind status.Kind) {
	p.next.Modified(entry.Join(p.prefix, path), kind)
}
