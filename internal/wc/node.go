package wc

import (
	"os"
	"sort"

	"wcsync/internal/editor"
	"wcsync/internal/entry"
	"wcsync/internal/status"
)

// node implements entry.Entry, entry.Directory and entry.File; the kind
// decides which view is handed out.
type node struct {
	s     *Store
	rec   record
	dirty bool
	// fresh nodes were created by this session and have no working item
	// yet.
	fresh bool

	// text staged by ApplyDelta, materialized by Merge
	staging     bool
	staged      []byte
	stagedReady bool
	stagedState status.Kind
}

func (n *node) Name() string {
	return baseName(n.rec.Path)
}

func (n *node) Path() string {
	return n.rec.Path
}

func (n *node) IsDirectory() bool {
	return n.rec.Kind == kindDir
}

func (n *node) touch() {
	n.dirty = true
}

func (n *node) PropertyValue(name string) string {
	if name == entry.PropKind {
		return n.rec.Kind
	}
	if entry.IsEntryProperty(name) {
		return n.rec.Entry[name]
	}
	return n.rec.Working[name]
}

func (n *node) SetPropertyValue(name string, value *string) error {
	if name == entry.PropKind {
		return nil
	}
	target := &n.rec.Working
	if entry.IsEntryProperty(name) {
		target = &n.rec.Entry
		// a directory brought to a new revision forgets older deletions
		if name == entry.PropRevision && n.IsDirectory() && value != nil && *value != n.rec.Entry[name] {
			n.rec.Deleted = nil
		}
	}
	if value == nil {
		if _, ok := (*target)[name]; !ok {
			return nil
		}
		delete(*target, name)
	} else {
		if *target == nil {
			*target = make(map[string]string)
		}
		if cur, ok := (*target)[name]; ok && cur == *value {
			return nil
		}
		(*target)[name] = *value
	}
	n.touch()
	return nil
}

func (n *node) Properties() map[string]string {
	props := make(map[string]string, len(n.rec.Working))
	for k, v := range n.rec.Working {
		props[k] = v
	}
	return props
}

func (n *node) schedule() string {
	return n.rec.Entry[entry.PropSchedule]
}

func (n *node) IsScheduledForAddition() bool {
	s := n.schedule()
	return s == entry.ScheduleAdd || s == entry.ScheduleReplace
}

func (n *node) IsScheduledForDeletion() bool {
	s := n.schedule()
	return s == entry.ScheduleDelete || s == entry.ScheduleReplace
}

func (n *node) IsCopied() bool {
	return n.rec.Entry[entry.PropCopied] == "true"
}

func (n *node) IsMissing() bool {
	if n.fresh || n.IsScheduledForDeletion() && !n.IsScheduledForAddition() {
		return false
	}
	_, err := os.Lstat(n.s.abs(n.rec.Path))
	return os.IsNotExist(err)
}

func (n *node) IsObstructed() bool {
	if n.fresh {
		return false
	}
	info, err := os.Lstat(n.s.abs(n.rec.Path))
	if err != nil {
		return false
	}
	return info.IsDir() != n.IsDirectory()
}

func (n *node) IsPropertiesModified() bool {
	return !sameProps(n.rec.Base, n.rec.Working)
}

func (n *node) IsConflict() bool {
	e := n.rec.Entry
	return e[entry.PropConflictNew] != "" || e[entry.PropConflictOld] != "" ||
		e[entry.PropConflictWrk] != "" || e[entry.PropRejectFile] != ""
}

func sameProps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func (n *node) SendChangedProperties(ed editor.Editor, path string) (bool, error) {
	var names []string
	for k, v := range n.rec.Working {
		if base, ok := n.rec.Base[k]; !ok || base != v {
			names = append(names, k)
		}
	}
	for k := range n.rec.Base {
		if _, ok := n.rec.Working[k]; !ok {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var value *string
		if v, ok := n.rec.Working[name]; ok {
			value = editor.String(v)
		}
		var err error
		if n.IsDirectory() {
			err = ed.ChangeDirProperty(name, value)
		} else {
			err = ed.ChangeFileProperty(path, name, value)
		}
		if err != nil {
			return false, err
		}
	}
	return len(names) > 0, nil
}

func (n *node) MergeProperties(changes map[string]*string) (status.Kind, error) {
	result := status.None
	for name, value := range changes {
		if entry.IsEntryProperty(name) {
			if err := n.SetPropertyValue(name, value); err != nil {
				return status.None, err
			}
			continue
		}

		base, hadBase := n.rec.Base[name]
		working, hadWorking := n.rec.Working[name]
		locallyModified := hadBase != hadWorking || base != working

		if n.rec.Base == nil {
			n.rec.Base = make(map[string]string)
		}
		if value == nil {
			delete(n.rec.Base, name)
		} else {
			n.rec.Base[name] = *value
		}
		n.touch()

		incoming, hasIncoming := "", value != nil
		if hasIncoming {
			incoming = *value
		}
		switch {
		case !locallyModified:
			if n.rec.Working == nil {
				n.rec.Working = make(map[string]string)
			}
			if hasIncoming {
				n.rec.Working[name] = incoming
			} else {
				delete(n.rec.Working, name)
			}
			if result == status.None {
				result = status.Updated
			}
		case hadWorking == hasIncoming && working == incoming:
			if result == status.None || result == status.Updated {
				result = status.Merged
			}
		default:
			n.rec.Entry[entry.PropRejectFile] = n.Name() + ".prej"
			result = status.Conflicted
		}
	}
	return result, nil
}

// Commit makes the working state the new base.
func (n *node) Commit() error {
	n.rec.Base = make(map[string]string, len(n.rec.Working))
	for k, v := range n.rec.Working {
		n.rec.Base[k] = v
	}
	n.touch()
	if n.IsDirectory() {
		return nil
	}
	return n.commitText()
}

func (n *node) Save(recursive bool) error {
	return n.s.save(n.rec.Path, recursive)
}

func (n *node) Merge(recursive bool) error {
	if err := n.s.flushRemovals(n.rec.Path, recursive); err != nil {
		return err
	}
	for _, c := range n.s.cachedUnder(n.rec.Path, recursive) {
		if err := c.materialize(); err != nil {
			return err
		}
	}
	if err := n.s.save(n.rec.Path, recursive); err != nil {
		return err
	}
	n.s.createdDirs = nil
	return nil
}

func (n *node) Dispose() error {
	n.s.discard(n.rec.Path)
	return nil
}

func (n *node) AsDirectory() entry.Directory {
	if !n.IsDirectory() {
		return nil
	}
	return n
}

func (n *node) AsFile() entry.File {
	if n.IsDirectory() {
		return nil
	}
	return n
}
