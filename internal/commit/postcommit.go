package commit

import (
	"bytes"
	"context"
	"sort"
	"strconv"

	"wcsync/internal/editor"
	"wcsync/internal/entry"
	"wcsync/internal/errors"
)

// UpdateWorkingCopy records a finished commit in the working copy.
// Entries are handled deepest first so that removals and copied
// directories see their final children. Everything is saved at the end.
func UpdateWorkingCopy(root entry.Directory, info *editor.CommitInfo, uuid string, tree Tree, keepLocks bool) error {
	entries := make([]entry.Entry, 0, len(tree))
	for _, e := range tree {
		if e != nil {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path() > entries[j].Path() })

	u := &updater{root: root, info: info, uuid: uuid, keepLocks: keepLocks}
	for _, e := range entries {
		if err := u.update(e); err != nil {
			return err
		}
	}
	return root.Save(true)
}

type updater struct {
	root      entry.Directory
	info      *editor.CommitInfo
	uuid      string
	keepLocks bool
}

var (
	clearedOnCommit = []string{
		entry.PropCopied,
		entry.PropCopyFromURL,
		entry.PropCopyFromRev,
		entry.PropSchedule,
		entry.PropDeleted,
		entry.PropReplaced,
		entry.PropConflictOld,
		entry.PropConflictNew,
		entry.PropConflictWrk,
		entry.PropRejectFile,
	}
	lockProps = []string{
		entry.PropLockToken,
		entry.PropLockOwner,
		entry.PropLockComment,
		entry.PropLockCreated,
	}
)

func (u *updater) update(e entry.Entry) error {
	if err := entry.SetRevision(e, u.info.Revision); err != nil {
		return err
	}
	if e.IsDirectory() && e.IsCopied() {
		for _, child := range e.AsDirectory().ChildEntries() {
			if err := u.update(child); err != nil {
				return err
			}
		}
	}

	var parent entry.Directory
	if e.Path() != "" {
		if p := Locate(u.root, parentPath(e.Path())); p != nil {
			parent = p.AsDirectory()
		}
	}
	if parent != nil && e.IsScheduledForDeletion() && !e.IsScheduledForAddition() {
		return parent.DeleteChild(e.Name(), e.PropertyValue(entry.PropReplaced) == "")
	}

	if e.PropertyValue(entry.PropCommittedRev) == "" || e.IsCopied() {
		for _, name := range clearedOnCommit {
			if err := e.SetPropertyValue(name, nil); err != nil {
				return err
			}
		}
		set := map[string]string{
			entry.PropCommittedRev:  strconv.FormatInt(u.info.Revision, 10),
			entry.PropLastAuthor:    u.info.Author,
			entry.PropCommittedDate: entry.FormatDate(u.info.Date),
			entry.PropUUID:          u.uuid,
		}
		for name, value := range set {
			if err := e.SetPropertyValue(name, editor.String(value)); err != nil {
				return err
			}
		}
		if !u.keepLocks {
			for _, name := range lockProps {
				if err := e.SetPropertyValue(name, nil); err != nil {
					return err
				}
			}
		}
	}
	if parent != nil {
		if err := parent.Unschedule(e.Name()); err != nil {
			return err
		}
	}
	return e.Commit()
}

// Fetcher reads file text from the repository.
type Fetcher interface {
	Fetch(ctx context.Context, url string, rev int64) ([]byte, error)
}

// Snapshot keeps the working text of every file the commit sends, keyed
// by URL, for a later Verify.
func Snapshot(tree Tree) (map[string][]byte, error) {
	texts := make(map[string][]byte)
	for _, e := range tree {
		if e == nil || e.IsDirectory() || e.IsScheduledForDeletion() && !e.IsScheduledForAddition() {
			continue
		}
		text, err := e.AsFile().WorkingText()
		if err != nil {
			return nil, err
		}
		texts[entry.URL(e)] = text
	}
	return texts, nil
}

// Verify reads every committed file back at rev and compares it with the
// text that was sent.
func Verify(ctx context.Context, f Fetcher, rev int64, texts map[string][]byte) error {
	urls := make([]string, 0, len(texts))
	for url := range texts {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	for _, url := range urls {
		if err := errors.Check(ctx); err != nil {
			return err
		}
		got, err := f.Fetch(ctx, url, rev)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, texts[url]) {
			return errors.Corruption(url, "committed text differs from the local text at revision "+strconv.FormatInt(rev, 10))
		}
	}
	return nil
}
