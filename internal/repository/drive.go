package repository

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"time"

	"wcsync/internal/delta"
	"wcsync/internal/editor"
	"wcsync/internal/entry"
	"wcsync/internal/errors"
	"wcsync/internal/reporter"
	"wcsync/internal/transport"

	"go.uber.org/zap"
)

// collector keeps what a working copy reported about itself.
type collector struct {
	repo        *Repository
	descriptors map[string]reporter.Descriptor
	// parents holds every proper ancestor of a described path.
	parents  map[string]bool
	finished bool
}

func newCollector(repo *Repository) *collector {
	return &collector{repo: repo, descriptors: make(map[string]reporter.Descriptor), parents: make(map[string]bool)}
}

func (c *collector) add(d reporter.Descriptor) {
	c.descriptors[d.Path] = d
	for p := d.Path; p != ""; {
		p, _ = parentOf(p)
		c.parents[p] = true
	}
}

func (c *collector) SetPath(path, lockToken string, rev int64, startEmpty bool) error {
	if _, err := c.repo.Revision(rev); err != nil {
		return err
	}
	c.add(reporter.Descriptor{Kind: reporter.KindSet, Path: path, LockToken: lockToken, Rev: rev, StartEmpty: startEmpty})
	return nil
}

func (c *collector) DeletePath(path string) error {
	c.add(reporter.Descriptor{Kind: reporter.KindDelete, Path: path})
	return nil
}

func (c *collector) LinkPath(url, path, lockToken string, rev int64, startEmpty bool) error {
	if _, err := c.repo.Path(url); err != nil {
		return err
	}
	if _, err := c.repo.Revision(rev); err != nil {
		return err
	}
	c.add(reporter.Descriptor{Kind: reporter.KindLink, Path: path, URL: url, LockToken: lockToken, Rev: rev, StartEmpty: startEmpty})
	return nil
}

func (c *collector) FinishReport() error {
	c.finished = true
	return nil
}

func (c *collector) AbortReport() error {
	return nil
}

// side is what one path looks like in the working copy and where its
// target lives.
type side struct {
	node       *Node
	rev        int64
	srcPath    string
	tgtPath    string
	startEmpty bool
	lockToken  string
}

// driver sends the difference between reported state and a target
// revision to an editor.
type driver struct {
	ctx    context.Context
	repo   *Repository
	ed     editor.Editor
	report *collector
	target *Revision
	revs   []*Revision
	// text is false for status drives, which only say that a file changed.
	text      bool
	recursive bool
	logger    *zap.Logger
	visited   int
}

func (d *driver) revision(n int64) *Revision {
	if n < 0 || n >= int64(len(d.revs)) {
		return nil
	}
	return d.revs[n]
}

// child works out the working copy side of path from its parent's.
func (d *driver) child(path, name string, parent side) side {
	s := side{
		rev:     parent.rev,
		srcPath: join(parent.srcPath, name),
		tgtPath: join(parent.tgtPath, name),
	}
	if parent.node != nil && parent.node.Dir && !parent.startEmpty {
		s.node = parent.node.Children[name]
	}
	desc, ok := d.report.descriptors[path]
	if !ok {
		return s
	}
	switch desc.Kind {
	case reporter.KindDelete:
		s.node = nil
		return s
	case reporter.KindLink:
		p, _ := d.repo.Path(desc.URL)
		s.srcPath, s.tgtPath = p, p
	}
	s.rev, s.startEmpty, s.lockToken = desc.Rev, desc.StartEmpty, desc.LockToken
	s.node = nil
	if r := d.revision(desc.Rev); r != nil {
		s.node = lookup(r.Root, s.srcPath)
	}
	return s
}

// needsVisit reports whether anything at or below path can differ from
// the target.
func (d *driver) needsVisit(path string, src side, tgt *Node) bool {
	return src.rev != d.target.Number || !same(src.node, tgt) || src.startEmpty ||
		d.report.parents[path] || src.lockToken != ""
}

func (d *driver) run(anchor, target string) error {
	if err := d.ed.TargetRevision(d.target.Number); err != nil {
		return err
	}
	rootDesc, ok := d.report.descriptors[""]
	if !ok {
		return errors.Protocol("report does not describe the root")
	}
	root := side{rev: rootDesc.Rev, srcPath: anchor, tgtPath: anchor, startEmpty: rootDesc.StartEmpty}
	if r := d.revision(rootDesc.Rev); r != nil {
		root.node = lookup(r.Root, anchor)
	}
	tgtRoot := lookup(d.target.Root, anchor)
	if tgtRoot == nil || !tgtRoot.Dir {
		return errors.NotFound("/" + anchor + " is not a directory in revision " + strconv.FormatInt(d.target.Number, 10))
	}
	if err := d.ed.OpenRoot(root.rev); err != nil {
		return err
	}

	if target == "" {
		if err := d.dirProps("", root.node, tgtRoot, root.startEmpty); err != nil {
			return err
		}
		if err := d.entries("", root, tgtRoot, 0); err != nil {
			return err
		}
	} else {
		src := d.child(target, target, root)
		tgt := lookup(d.target.Root, src.tgtPath)
		if err := d.entry(target, src, tgt, 0); err != nil {
			return err
		}
	}
	if err := d.ed.CloseDir(); err != nil {
		return err
	}
	_, err := d.ed.CloseEdit()
	return err
}

// entries compares the children of an open directory.
func (d *driver) entries(path string, src side, tgt *Node, depth int) error {
	if err := errors.Check(d.ctx); err != nil {
		return err
	}
	names := make(map[string]bool)
	if src.node != nil && src.node.Dir && !src.startEmpty {
		for name := range src.node.Children {
			names[name] = true
		}
	}
	for name := range tgt.Children {
		names[name] = true
	}
	for p := range d.report.descriptors {
		if dir, name := parentOf(p); p != "" && dir == path {
			names[name] = true
		}
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		p := join(path, name)
		s := d.child(p, name, src)
		var t *Node
		if tgt != nil {
			t = tgt.Children[name]
		}
		if desc, ok := d.report.descriptors[p]; ok && desc.Kind == reporter.KindLink {
			t = lookup(d.target.Root, s.tgtPath)
		}
		if err := d.entry(p, s, t, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (d *driver) entry(path string, src side, tgt *Node, depth int) error {
	d.visited++
	switch {
	case tgt == nil && src.node == nil:
		return nil
	case tgt == nil:
		return d.ed.DeleteEntry(path, src.rev)
	case src.node != nil && src.node.Dir != tgt.Dir:
		if err := d.ed.DeleteEntry(path, src.rev); err != nil {
			return err
		}
		return d.add(path, tgt, depth)
	case src.node == nil:
		return d.add(path, tgt, depth)
	case !d.needsVisit(path, src, tgt):
		return nil
	case tgt.Dir && !d.recursive && depth > 0:
		return nil
	case tgt.Dir:
		if err := d.ed.OpenDir(path, src.rev); err != nil {
			return err
		}
		if err := d.dirProps(path, src.node, tgt, src.startEmpty); err != nil {
			return err
		}
		if err := d.entries(path, src, tgt, depth); err != nil {
			return err
		}
		return d.ed.CloseDir()
	}

	if err := d.ed.OpenFile(path, src.rev); err != nil {
		return err
	}
	if !same(src.node, tgt) {
		if err := d.fileProps(path, src.node.Props, tgt); err != nil {
			return err
		}
		if !bytes.Equal(src.node.Text, tgt.Text) {
			if err := d.sendText(path, src.node.Text, tgt.Text); err != nil {
				return err
			}
		}
	}
	if src.lockToken != "" {
		if held := d.repo.LockOf(src.tgtPath); held == nil || held.Token != src.lockToken {
			// the lock was broken or stolen
			for _, name := range []string{entry.PropLockToken, entry.PropLockOwner, entry.PropLockComment, entry.PropLockCreated} {
				if err := d.ed.ChangeFileProperty(path, name, nil); err != nil {
					return err
				}
			}
		}
	}
	return d.ed.CloseFile(path, delta.Checksum(tgt.Text))
}

func (d *driver) add(path string, n *Node, depth int) error {
	if !n.Dir {
		if err := d.ed.AddFile(path, "", -1); err != nil {
			return err
		}
		if err := d.fileProps(path, nil, n); err != nil {
			return err
		}
		if err := d.sendText(path, nil, n.Text); err != nil {
			return err
		}
		return d.ed.CloseFile(path, delta.Checksum(n.Text))
	}
	if err := d.ed.AddDir(path, "", -1); err != nil {
		return err
	}
	if err := d.dirProps(path, nil, n, true); err != nil {
		return err
	}
	if d.recursive || depth == 0 {
		if err := errors.Check(d.ctx); err != nil {
			return err
		}
		for _, name := range n.names() {
			if err := d.add(join(path, name), n.Children[name], depth+1); err != nil {
				return err
			}
		}
	}
	return d.ed.CloseDir()
}

func (d *driver) sendText(path string, base, target []byte) error {
	if !d.text {
		if err := d.ed.ApplyTextDelta(path, ""); err != nil {
			return err
		}
		return d.ed.TextDeltaEnd(path)
	}
	baseChecksum := ""
	if base != nil {
		baseChecksum = delta.Checksum(base)
	}
	_, err := editor.SendText(d.ed, path, base, target, baseChecksum)
	return err
}

type propSetter func(name string, value *string) error

func diffProps(from, to map[string]string, set propSetter) error {
	names := make([]string, 0, len(from)+len(to))
	for name := range from {
		if _, ok := to[name]; !ok {
			names = append(names, name)
		}
	}
	for name, v := range to {
		if cur, ok := from[name]; !ok || cur != v {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		var value *string
		if v, ok := to[name]; ok {
			value = editor.String(v)
		}
		if err := set(name, value); err != nil {
			return err
		}
	}
	return nil
}

// entryProps describes the revision that last changed n.
func (d *driver) entryProps(n *Node, set propSetter) error {
	r := d.revision(n.Rev)
	if r == nil {
		return nil
	}
	if err := set(entry.PropCommittedRev, editor.String(strconv.FormatInt(r.Number, 10))); err != nil {
		return err
	}
	if r.Author != "" {
		if err := set(entry.PropLastAuthor, editor.String(r.Author)); err != nil {
			return err
		}
	}
	return set(entry.PropCommittedDate, editor.String(entry.FormatDate(r.Date)))
}

func (d *driver) dirProps(path string, src, tgt *Node, force bool) error {
	if !force && same(src, tgt) {
		return nil
	}
	var from map[string]string
	if src != nil {
		from = src.Props
	}
	if err := diffProps(from, tgt.Props, d.ed.ChangeDirProperty); err != nil {
		return err
	}
	if force || !same(src, tgt) {
		return d.entryProps(tgt, d.ed.ChangeDirProperty)
	}
	return nil
}

func (d *driver) fileProps(path string, from map[string]string, tgt *Node) error {
	set := func(name string, value *string) error {
		return d.ed.ChangeFileProperty(path, name, value)
	}
	if err := diffProps(from, tgt.Props, set); err != nil {
		return err
	}
	return d.entryProps(tgt, set)
}

func (c *Conn) drive(ctx context.Context, op string, req transport.UpdateRequest, baton reporter.Baton, ed editor.Editor, text bool) error {
	release, err := c.begin(ctx, op)
	if err != nil {
		return err
	}
	defer release()
	started := time.Now()

	anchor, err := c.repo.Path(req.URL)
	if err != nil {
		return err
	}
	col := newCollector(c.repo)
	if baton != nil {
		if err := baton.Report(ctx, reporter.NewChecker(col)); err != nil {
			return err
		}
		if !col.finished {
			return errors.Protocol("%s: report was not finished", op)
		}
	} else {
		// a checkout reports an empty root
		col.add(reporter.Descriptor{Kind: reporter.KindSet, Rev: 0, StartEmpty: true})
	}

	// committed revisions never change, so the slice can be read unlocked
	c.repo.mu.RLock()
	target, err := c.repo.revision(req.Revision)
	revs := c.repo.revs
	c.repo.mu.RUnlock()
	d := &driver{
		ctx:       ctx,
		repo:      c.repo,
		ed:        ed,
		report:    col,
		target:    target,
		revs:      revs,
		text:      text,
		recursive: req.Recursive,
		logger:    c.logger,
	}
	if err == nil {
		err = d.run(anchor, req.Target)
	}

	if err != nil {
		if abortErr := ed.AbortEdit(); abortErr != nil {
			c.logger.Warn("aborting edit", zap.String("op", op), zap.Error(abortErr))
		}
		return err
	}
	c.logger.Info(op+" driven",
		zap.String("url", req.URL),
		zap.String("target", req.Target),
		zap.Int64("revision", target.Number),
		zap.Int("visited", d.visited),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

func (c *Conn) Update(ctx context.Context, req transport.UpdateRequest, baton reporter.Baton, ed editor.Editor) error {
	if baton == nil {
		return errors.Protocol("update without a report")
	}
	return c.drive(ctx, "update", req, baton, ed, true)
}

func (c *Conn) Status(ctx context.Context, req transport.UpdateRequest, baton reporter.Baton, ed editor.Editor) error {
	if baton == nil {
		return errors.Protocol("status without a report")
	}
	return c.drive(ctx, "status", req, baton, ed, false)
}

func (c *Conn) Checkout(ctx context.Context, req transport.UpdateRequest, ed editor.Editor) error {
	return c.drive(ctx, "checkout", req, nil, ed, true)
}
