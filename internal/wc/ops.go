package wc

import (
	"fmt"
	"os"
	"strings"

	"wcsync/internal/editor"
	"wcsync/internal/entry"

	"go.uber.org/zap"
)

// Add schedules the unversioned item at path for addition. Directories
// are added with their unversioned, unignored contents. A path scheduled
// for deletion becomes a replacement.
func (s *Store) Add(path string) error {
	path = normalize(path)
	if path == "" {
		return fmt.Errorf("cannot add the working copy root")
	}
	if e := s.load(path); e != nil {
		if entry.Schedule(e) != entry.ScheduleDelete {
			return fmt.Errorf("%s: already under version control", path)
		}
		if err := e.SetPropertyValue(entry.PropSchedule, editor.String(entry.ScheduleReplace)); err != nil {
			return err
		}
		return s.save(path, false)
	}

	parent, err := s.dir(parentPath(path))
	if err != nil {
		return err
	}
	if err := s.add(parent, baseName(path)); err != nil {
		return err
	}
	return s.save(parent.rec.Path, true)
}

func (s *Store) add(parent *node, name string) error {
	info, err := os.Lstat(s.abs(entry.Join(parent.rec.Path, name)))
	if err != nil {
		return fmt.Errorf("%s: %w", entry.Join(parent.rec.Path, name), err)
	}
	if !info.IsDir() {
		c, err := parent.addChild(name, kindFile)
		if err != nil {
			return err
		}
		c.rec.Entry[entry.PropSchedule] = entry.ScheduleAdd
		return nil
	}

	c, err := parent.addChild(name, kindDir)
	if err != nil {
		return err
	}
	c.rec.Entry[entry.PropSchedule] = entry.ScheduleAdd
	names, err := c.Unversioned()
	if err != nil {
		return err
	}
	for _, child := range names {
		if c.IsIgnored(child) {
			continue
		}
		if err := s.add(c, child); err != nil {
			return err
		}
	}
	return nil
}

// Remove schedules path for deletion, or reverts a pending addition.
// Unmodified working files are deleted; modified ones stay on disk.
func (s *Store) Remove(path string) error {
	path = normalize(path)
	n := s.load(path)
	if n == nil {
		return fmt.Errorf("%s: not under version control", path)
	}
	if path == "" {
		return fmt.Errorf("cannot remove the working copy root")
	}

	parent := s.load(parentPath(path))
	switch entry.Schedule(n) {
	case entry.ScheduleAdd:
		if err := parent.DeleteChild(n.Name(), false); err != nil {
			return err
		}
		return s.save(parent.rec.Path, false)
	case entry.ScheduleDelete:
		return nil
	}

	if err := s.scheduleDelete(n); err != nil {
		return err
	}
	return s.save(path, true)
}

func (s *Store) scheduleDelete(n *node) error {
	n.rec.Entry[entry.PropSchedule] = entry.ScheduleDelete
	n.touch()
	if n.IsDirectory() {
		for _, c := range n.ChildEntries() {
			if err := s.scheduleDelete(c.(*node)); err != nil {
				return err
			}
		}
		return nil
	}
	modified, err := n.IsContentsModified()
	if err != nil {
		return err
	}
	if modified {
		s.logger.Info("leaving modified file on disk", zap.String("path", n.rec.Path))
		return nil
	}
	if err := os.Remove(s.abs(n.rec.Path)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Copy schedules dst as a copy of the versioned src with history. The
// working items are copied on disk.
func (s *Store) Copy(src, dst string) error {
	src, dst = normalize(src), normalize(dst)
	from := s.load(src)
	if from == nil {
		return fmt.Errorf("%s: not under version control", src)
	}
	if from.IsScheduledForAddition() {
		return fmt.Errorf("%s: cannot copy an entry scheduled for addition", src)
	}
	if under(dst, src) {
		return fmt.Errorf("cannot copy %s into itself", src)
	}
	parent, err := s.dir(parentPath(dst))
	if err != nil {
		return err
	}
	if _, err := os.Lstat(s.abs(dst)); err == nil || parent.hasChild(baseName(dst)) {
		return fmt.Errorf("%s: already exists", dst)
	}

	c, err := s.copyEntry(from, parent, baseName(dst))
	if err != nil {
		return err
	}
	c.rec.Entry[entry.PropSchedule] = entry.ScheduleAdd
	c.rec.Entry[entry.PropCopyFromURL] = entry.URL(from)
	c.rec.Entry[entry.PropCopyFromRev] = from.rec.Entry[entry.PropRevision]
	return s.save(parent.rec.Path, true)
}

func (s *Store) copyEntry(from, parent *node, name string) (*node, error) {
	c, err := parent.addChild(name, from.rec.Kind)
	if err != nil {
		return nil, err
	}
	c.rec.Base = copyProps(from.rec.Base)
	c.rec.Working = copyProps(from.rec.Working)
	for _, k := range []string{entry.PropRevision, entry.PropRepositoryRoot, entry.PropUUID,
		entry.PropCommittedRev, entry.PropLastAuthor, entry.PropCommittedDate} {
		if v, ok := from.rec.Entry[k]; ok {
			c.rec.Entry[k] = v
		}
	}
	c.rec.Entry[entry.PropURL] = entry.JoinURL(entry.URL(parent), name)
	c.rec.Entry[entry.PropCopied] = "true"

	if from.IsDirectory() {
		if err := os.MkdirAll(s.abs(c.rec.Path), 0755); err != nil {
			return nil, err
		}
		for _, child := range from.ChildEntries() {
			cn := child.(*node)
			if cn.IsScheduledForAddition() {
				continue
			}
			if _, err := s.copyEntry(cn, c, cn.Name()); err != nil {
				return nil, err
			}
		}
		return c, nil
	}

	base, err := from.BaseText()
	if err != nil {
		return nil, err
	}
	if err := c.setBase(base); err != nil {
		return nil, err
	}
	working, err := from.WorkingText()
	if err != nil {
		working = base
	}
	if err := os.WriteFile(s.abs(c.rec.Path), working, 0644); err != nil {
		return nil, fmt.Errorf("%s: copying working file: %w", c.rec.Path, err)
	}
	if string(working) == string(base) {
		if err := c.syncStat(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetProperty sets or, with a nil value, deletes a versioned property.
func (s *Store) SetProperty(path, name string, value *string) error {
	if entry.IsEntryProperty(name) {
		return fmt.Errorf("%s: reserved property name", name)
	}
	path = normalize(path)
	n := s.load(path)
	if n == nil {
		return fmt.Errorf("%s: not under version control", path)
	}
	if err := n.SetPropertyValue(name, value); err != nil {
		return err
	}
	return s.save(path, false)
}

// Relocate rewrites every recorded URL starting with from to start with
// to instead. Nothing is sent to the repository.
func (s *Store) Relocate(from, to string) error {
	root := s.load("")
	if root == nil {
		return ErrNotWorkingCopy
	}
	from = strings.TrimSuffix(from, "/")
	to = strings.TrimSuffix(to, "/")
	s.relocate(root, from, to)
	return s.save("", true)
}

func (s *Store) relocate(n *node, from, to string) {
	for _, k := range []string{entry.PropURL, entry.PropRepositoryRoot, entry.PropCopyFromURL} {
		v := n.rec.Entry[k]
		if v == from || strings.HasPrefix(v, from+"/") {
			n.rec.Entry[k] = to + strings.TrimPrefix(v, from)
			n.touch()
		}
	}
	if !n.IsDirectory() {
		return
	}
	for _, c := range n.ChildEntries() {
		s.relocate(c.(*node), from, to)
	}
}

func (s *Store) dir(path string) (*node, error) {
	n := s.load(path)
	if n == nil {
		return nil, fmt.Errorf("%s: not under version control", path)
	}
	if !n.IsDirectory() {
		return nil, fmt.Errorf("%s: not a directory", path)
	}
	return n, nil
}

func copyProps(props map[string]string) map[string]string {
	if props == nil {
		return nil
	}
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
