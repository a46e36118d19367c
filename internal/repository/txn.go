package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"wcsync/internal/delta"
	"wcsync/internal/editor"
	"wcsync/internal/entry"
	"wcsync/internal/errors"
	"wcsync/internal/transport"

	"go.uber.org/zap"
)

type mutation func(b *builder) error

type txnFile struct {
	path     string
	added    bool
	base     []byte
	text     []byte
	textSent bool
	chunks   []delta.Chunk
	props    map[string]*string
}

type txnDir struct {
	path string
	rev  int64
}

// txn is a commit in progress. Changes are checked against the head
// revision seen when the edit began and replayed onto the current head
// when it closes.
type txn struct {
	repo    *Repository
	req     transport.CommitRequest
	anchor  string
	release func()
	logger  *zap.Logger
	ctx     context.Context
	started time.Time

	snapshot *Revision
	working  *builder
	log      []mutation

	// touched maps repository paths this commit depends on to the node
	// ID they had, "" for paths that must not exist.
	touched map[string]string
	// changed lists paths whose locks must be held by the committer.
	// Deletions cover everything below them.
	changed map[string]bool
	added   map[string]bool

	dirs  []txnDir
	files map[string]*txnFile
	done  bool
}

func (c *Conn) CommitEditor(ctx context.Context, req transport.CommitRequest) (editor.Editor, error) {
	release, err := c.begin(ctx, "commit")
	if err != nil {
		return nil, err
	}
	anchor, err := c.repo.Path(req.URL)
	if err != nil {
		release()
		return nil, err
	}
	head, _ := c.repo.Revision(-1)
	t := &txn{
		repo:     c.repo,
		req:      req,
		anchor:   anchor,
		release:  release,
		logger:   c.logger.With(zap.String("anchor", "/"+anchor)),
		ctx:      ctx,
		started:  time.Now(),
		snapshot: head,
		working:  newBuilder(head.Root, head.Number+1),
		touched:  make(map[string]string),
		added:    make(map[string]bool),
		changed:  make(map[string]bool),
		files:    make(map[string]*txnFile),
	}
	if n := lookup(head.Root, anchor); n == nil || !n.Dir {
		release()
		return nil, errors.NotFound(fmt.Sprintf("/%s is not a directory in revision %d", anchor, head.Number))
	}
	t.logger.Debug("commit opened", zap.Int64("base", head.Number))
	return editor.NewChecker(t), nil
}

func (t *txn) full(path string) string {
	return join(t.anchor, path)
}

func (t *txn) apply(m mutation) error {
	if err := m(t.working); err != nil {
		return err
	}
	t.log = append(t.log, m)
	return nil
}

// touch records that the commit relies on the current state of path.
func (t *txn) touch(path string) {
	if _, ok := t.touched[path]; ok {
		return
	}
	if n := lookup(t.snapshot.Root, path); n != nil {
		t.touched[path] = n.ID
	} else {
		t.touched[path] = ""
	}
}

func (t *txn) inAdded(path string) bool {
	for p := path; p != ""; {
		if t.added[p] {
			return true
		}
		p, _ = parentOf(p)
	}
	return false
}

// upToDate fails when the node at path changed after rev.
func (t *txn) upToDate(path string, rev int64) error {
	if t.inAdded(path) {
		return nil
	}
	t.touch(path)
	n := lookup(t.snapshot.Root, path)
	if n == nil {
		return errors.Precondition("/"+path, "out of date: not present in the latest revision")
	}
	if rev >= 0 && n.Rev > rev {
		return errors.Precondition("/"+path, fmt.Sprintf("out of date: changed in revision %d", n.Rev))
	}
	return nil
}

func (t *txn) node(path string) *Node {
	return lookup(t.working.root, path)
}

func (t *txn) check() error {
	if t.ctx == nil {
		return nil
	}
	return errors.Check(t.ctx)
}

func (t *txn) TargetRevision(rev int64) error {
	return nil
}

func (t *txn) OpenRoot(rev int64) error {
	t.dirs = append(t.dirs, txnDir{path: t.anchor, rev: rev})
	return nil
}

func (t *txn) DeleteEntry(path string, rev int64) error {
	if err := t.check(); err != nil {
		return err
	}
	full := t.full(path)
	if t.node(full) == nil {
		return errors.Precondition("/"+full, "out of date: not present in the latest revision")
	}
	if err := t.upToDate(full, rev); err != nil {
		return err
	}
	t.changed[full] = true
	return t.apply(func(b *builder) error { return b.remove(full) })
}

func (t *txn) AbsentDir(path string) error {
	return nil
}

func (t *txn) AbsentFile(path string) error {
	return nil
}

func (t *txn) copySource(path, copyFromPath string, copyFromRev int64, dir bool) (*Node, error) {
	if copyFromPath == "" {
		return nil, nil
	}
	rev, err := t.repo.Revision(copyFromRev)
	if err != nil {
		return nil, err
	}
	src := lookup(rev.Root, strings.TrimPrefix(copyFromPath, "/"))
	if src == nil || src.Dir != dir {
		return nil, errors.NotFound(fmt.Sprintf("copy source %s@%d not found", copyFromPath, rev.Number))
	}
	return src, nil
}

func (t *txn) add(path, copyFromPath string, copyFromRev int64, dir bool) (string, error) {
	if err := t.check(); err != nil {
		return "", err
	}
	full := t.full(path)
	if t.node(full) != nil {
		return "", errors.Precondition("/"+full, "already exists")
	}
	if !t.inAdded(full) {
		t.touch(full)
	}
	src, err := t.copySource(full, copyFromPath, copyFromRev, dir)
	if err != nil {
		return "", err
	}
	t.added[full] = true
	if src != nil {
		return full, t.apply(func(b *builder) error { return b.put(full, b.copyOf(full, src)) })
	}
	return full, t.apply(func(b *builder) error { return b.put(full, b.create(full, dir)) })
}

func (t *txn) AddDir(path, copyFromPath string, copyFromRev int64) error {
	full, err := t.add(path, copyFromPath, copyFromRev, true)
	if err != nil {
		return err
	}
	t.dirs = append(t.dirs, txnDir{path: full, rev: -1})
	return nil
}

func (t *txn) OpenDir(path string, rev int64) error {
	full := t.full(path)
	n := t.node(full)
	if n == nil || !n.Dir {
		return errors.Precondition("/"+full, "out of date: directory not present in the latest revision")
	}
	t.dirs = append(t.dirs, txnDir{path: full, rev: rev})
	return nil
}

func (t *txn) ChangeDirProperty(name string, value *string) error {
	if entry.IsEntryProperty(name) {
		return nil
	}
	d := t.dirs[len(t.dirs)-1]
	if err := t.upToDate(d.path, d.rev); err != nil {
		return err
	}
	if _, ok := t.changed[d.path]; !ok {
		t.changed[d.path] = false
	}
	return t.apply(func(b *builder) error {
		n, err := b.walk(d.path)
		if err != nil {
			return err
		}
		setProp(n, name, value)
		return nil
	})
}

func (t *txn) CloseDir() error {
	t.dirs = t.dirs[:len(t.dirs)-1]
	return nil
}

func (t *txn) AddFile(path, copyFromPath string, copyFromRev int64) error {
	full, err := t.add(path, copyFromPath, copyFromRev, false)
	if err != nil {
		return err
	}
	f := &txnFile{path: full, added: copyFromPath == "", props: make(map[string]*string)}
	f.base = t.node(full).Text
	t.files[path] = f
	return nil
}

func (t *txn) OpenFile(path string, rev int64) error {
	full := t.full(path)
	n := t.node(full)
	if n == nil || n.Dir {
		return errors.Precondition("/"+full, "out of date: file not present in the latest revision")
	}
	if err := t.upToDate(full, rev); err != nil {
		return err
	}
	t.files[path] = &txnFile{path: full, base: n.Text, props: make(map[string]*string)}
	return nil
}

func (t *txn) file(path string) (*txnFile, error) {
	f, ok := t.files[path]
	if !ok {
		return nil, errors.Protocol("%s is not open", path)
	}
	return f, nil
}

func (t *txn) ApplyTextDelta(path, baseChecksum string) error {
	f, err := t.file(path)
	if err != nil {
		return err
	}
	if baseChecksum != "" {
		if actual := delta.Checksum(f.base); actual != baseChecksum {
			return errors.Integrity("/"+f.path, baseChecksum, actual)
		}
	}
	f.chunks = nil
	return nil
}

type chunkWriter struct {
	f      *txnFile
	window delta.Window
	buf    bytes.Buffer
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *chunkWriter) Close() error {
	w.f.chunks = append(w.f.chunks, delta.Chunk{Window: w.window, Data: w.buf.Bytes()})
	return nil
}

func (t *txn) TextDeltaChunk(path string, window delta.Window) (io.WriteCloser, error) {
	f, err := t.file(path)
	if err != nil {
		return nil, err
	}
	return &chunkWriter{f: f, window: window}, nil
}

func (t *txn) TextDeltaEnd(path string) error {
	f, err := t.file(path)
	if err != nil {
		return err
	}
	text, err := delta.ApplyAll(f.base, f.chunks)
	if err != nil {
		return errors.Protocol("%s: %v", path, err)
	}
	f.text, f.textSent, f.chunks = text, true, nil
	return nil
}

func (t *txn) ChangeFileProperty(path, name string, value *string) error {
	f, err := t.file(path)
	if err != nil {
		return err
	}
	if entry.IsEntryProperty(name) {
		return nil
	}
	f.props[name] = value
	return nil
}

func (t *txn) CloseFile(path, textChecksum string) error {
	f, err := t.file(path)
	if err != nil {
		return err
	}
	delete(t.files, path)

	text := f.base
	if f.textSent {
		text = f.text
	}
	if textChecksum != "" {
		if actual := delta.Checksum(text); actual != textChecksum {
			return errors.Integrity("/"+f.path, textChecksum, actual)
		}
	}
	if !f.textSent && len(f.props) == 0 {
		return nil
	}
	if _, ok := t.changed[f.path]; !ok && !f.added {
		t.changed[f.path] = false
	}
	full, sent, props := f.path, f.textSent, f.props
	return t.apply(func(b *builder) error {
		n, err := b.walk(full)
		if err != nil {
			return err
		}
		if sent {
			n.Text = text
		}
		for name, value := range props {
			setProp(n, name, value)
		}
		return nil
	})
}

func (t *txn) CloseEdit() (*editor.CommitInfo, error) {
	if t.done {
		return nil, errors.Protocol("commit already closed")
	}
	t.done = true
	defer t.release()
	if err := t.check(); err != nil {
		return nil, err
	}

	repo := t.repo
	repo.mu.Lock()
	defer repo.mu.Unlock()

	if err := t.checkLocks(); err != nil {
		return nil, err
	}
	head := repo.revs[len(repo.revs)-1]
	b := t.working
	if head != t.snapshot {
		for path, id := range t.touched {
			n := lookup(head.Root, path)
			if (id == "" && n != nil) || (id != "" && (n == nil || n.ID != id)) {
				return nil, errors.Precondition("/"+path, fmt.Sprintf("out of date: changed in revision %d", head.Number))
			}
		}
		b = newBuilder(head.Root, head.Number+1)
		for _, m := range t.log {
			if err := m(b); err != nil {
				return nil, errors.Precondition("", fmt.Sprintf("out of date: %v", err))
			}
		}
	}

	rev := &Revision{
		Number:  head.Number + 1,
		Author:  t.req.Author,
		Date:    repo.clock().UTC(),
		Message: t.req.Message,
		Root:    b.root,
	}
	if err := repo.persist(rev); err != nil {
		return nil, err
	}
	repo.revs = append(repo.revs, rev)

	if !t.req.KeepLocks {
		for path, token := range t.req.Locks {
			path = strings.Trim(path, "/")
			if held, ok := repo.locks[path]; ok && held.Token == token {
				if err := repo.unlock(path); err != nil {
					t.logger.Warn("releasing lock", zap.String("path", path), zap.Error(err))
				}
			}
		}
	}

	t.logger.Info("committed",
		zap.Int64("revision", rev.Number),
		zap.String("author", rev.Author),
		zap.Int("changes", len(t.log)),
		zap.Duration("elapsed", time.Since(t.started)))
	return &editor.CommitInfo{Revision: rev.Number, Author: rev.Author, Date: rev.Date}, nil
}

// checkLocks fails when a changed path, or a file below a changed
// directory, is locked with a token the committer does not hold.
func (t *txn) checkLocks() error {
	for changed, below := range t.changed {
		for path, held := range t.repo.locks {
			if path != changed && !(below && strings.HasPrefix(path, changed+"/")) {
				continue
			}
			if token := t.req.Locks["/"+path]; token != held.Token {
				return errors.Precondition("/"+path, "locked by "+held.Owner)
			}
		}
	}
	return nil
}

func (t *txn) AbortEdit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.release()
	t.logger.Debug("commit aborted", zap.Int("changes", len(t.log)))
	return nil
}
