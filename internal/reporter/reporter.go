// Package reporter describes a working copy's known state to the
// repository ahead of an update, switch or status exchange.
package reporter

import (
	"context"
	"fmt"
	"strings"

	"wcsync/internal/errors"
)

type Reporter interface {
	SetPath(path, lockToken string, rev int64, startEmpty bool) error
	DeletePath(path string) error
	// LinkPath declares that path mirrors a different repository location.
	LinkPath(url, path, lockToken string, rev int64, startEmpty bool) error
	FinishReport() error
	AbortReport() error
}

// Baton drives a Reporter with the state it describes.
type Baton interface {
	Report(ctx context.Context, r Reporter) error
}

type Kind string

const (
	KindSet    Kind = "set"
	KindDelete Kind = "delete"
	KindLink   Kind = "link"
)

type Descriptor struct {
	Kind       Kind   `json:"kind"`
	Path       string `json:"path"`
	URL        string `json:"url,omitempty"`
	LockToken  string `json:"lock_token,omitempty"`
	Rev        int64  `json:"rev"`
	StartEmpty bool   `json:"start_empty,omitempty"`
}

func (d Descriptor) String() string {
	switch d.Kind {
	case KindDelete:
		return fmt.Sprintf("delete %q", d.Path)
	case KindLink:
		return fmt.Sprintf("link %q -> %s@%d", d.Path, d.URL, d.Rev)
	}
	return fmt.Sprintf("set %q@%d", d.Path, d.Rev)
}

// Recorder collects descriptors, forwarding to next when set.
type Recorder struct {
	next        Reporter
	descriptors []Descriptor
	finished    bool
	aborted     bool
}

func NewRecorder(next Reporter) *Recorder {
	return &Recorder{next: next}
}

func (r *Recorder) Descriptors() []Descriptor {
	return r.descriptors
}

func (r *Recorder) Finished() bool {
	return r.finished
}

func (r *Recorder) Aborted() bool {
	return r.aborted
}

func (r *Recorder) SetPath(path, lockToken string, rev int64, startEmpty bool) error {
	r.descriptors = append(r.descriptors, Descriptor{Kind: KindSet, Path: path, LockToken: lockToken, Rev: rev, StartEmpty: startEmpty})
	if r.next != nil {
		return r.next.SetPath(path, lockToken, rev, startEmpty)
	}
	return nil
}

func (r *Recorder) DeletePath(path string) error {
	r.descriptors = append(r.descriptors, Descriptor{Kind: KindDelete, Path: path})
	if r.next != nil {
		return r.next.DeletePath(path)
	}
	return nil
}

func (r *Recorder) LinkPath(url, path, lockToken string, rev int64, startEmpty bool) error {
	r.descriptors = append(r.descriptors, Descriptor{Kind: KindLink, Path: path, URL: url, LockToken: lockToken, Rev: rev, StartEmpty: startEmpty})
	if r.next != nil {
		return r.next.LinkPath(url, path, lockToken, rev, startEmpty)
	}
	return nil
}

func (r *Recorder) FinishReport() error {
	r.finished = true
	if r.next != nil {
		return r.next.FinishReport()
	}
	return nil
}

func (r *Recorder) AbortReport() error {
	r.aborted = true
	if r.next != nil {
		return r.next.AbortReport()
	}
	return nil
}

// Replay is a Baton that re-issues recorded descriptors.
type Replay []Descriptor

func (d Replay) Report(ctx context.Context, r Reporter) error {
	for _, desc := range d {
		if err := errors.Check(ctx); err != nil {
			r.AbortReport()
			return err
		}
		var err error
		switch desc.Kind {
		case KindSet:
			err = r.SetPath(desc.Path, desc.LockToken, desc.Rev, desc.StartEmpty)
		case KindDelete:
			err = r.DeletePath(desc.Path)
		case KindLink:
			err = r.LinkPath(desc.URL, desc.Path, desc.LockToken, desc.Rev, desc.StartEmpty)
		default:
			err = errors.Protocol("unknown descriptor kind %q", desc.Kind)
		}
		if err != nil {
			r.AbortReport()
			return err
		}
	}
	return r.FinishReport()
}

// Checker enforces descriptor ordering in front of next, which may be nil.
type Checker struct {
	next      Reporter
	described []string
	seen      map[string]bool
	done      bool
}

func NewChecker(next Reporter) *Checker {
	return &Checker{next: next, seen: make(map[string]bool)}
}

func (c *Checker) check(op, path string, rev int64, hasRev bool) error {
	if c.done {
		return errors.Protocol("%s(%q) after the report ended", op, path)
	}
	if len(c.described) == 0 && (op != "setPath" || path != "") {
		return errors.Protocol("%s(%q): first descriptor must set the root", op, path)
	}
	if hasRev && rev < 0 {
		return errors.Protocol("%s(%q): invalid revision %d", op, path, rev)
	}
	if c.seen[path] {
		return errors.Protocol("%s(%q): path already described", op, path)
	}
	if path != "" {
		for _, p := range c.described {
			if p != "" && strings.HasPrefix(p, path+"/") {
				return errors.Protocol("%s(%q): descendant %q was described first", op, path, p)
			}
		}
	}
	c.seen[path] = true
	c.described = append(c.described, path)
	return nil
}

func (c *Checker) SetPath(path, lockToken string, rev int64, startEmpty bool) error {
	if err := c.check("setPath", path, rev, true); err != nil {
		return err
	}
	if c.next != nil {
		return c.next.SetPath(path, lockToken, rev, startEmpty)
	}
	return nil
}

func (c *Checker) DeletePath(path string) error {
	if err := c.check("deletePath", path, 0, false); err != nil {
		return err
	}
	if c.next != nil {
		return c.next.DeletePath(path)
	}
	return nil
}

func (c *Checker) LinkPath(url, path, lockToken string, rev int64, startEmpty bool) error {
	if err := c.check("linkPath", path, rev, true); err != nil {
		return err
	}
	if url == "" {
		return errors.Protocol("linkPath(%q): empty url", path)
	}
	if c.next != nil {
		return c.next.LinkPath(url, path, lockToken, rev, startEmpty)
	}
	return nil
}

func (c *Checker) FinishReport() error {
	if c.done {
		return errors.Protocol("finishReport after the report ended")
	}
	if len(c.described) == 0 {
		return errors.Protocol("finishReport without a root descriptor")
	}
	c.done = true
	if c.next != nil {
		return c.next.FinishReport()
	}
	return nil
}

func (c *Checker) AbortReport() error {
	if c.done {
		return nil
	}
	c.done = true
	if c.next != nil {
		return c.next.AbortReport()
	}
	return nil
}
