// Package entry is the contract the sync core consumes from a working
// copy's entry store.
package entry

import (
	"strconv"
	"strings"
	"time"

	"wcsync/internal/delta"
	"wcsync/internal/editor"
	"wcsync/internal/status"
)

// Administrative properties. They are never sent as versioned
// properties.
const (
	Prefix = "wc:entry:"

	PropRevision       = Prefix + "revision"
	PropURL            = Prefix + "url"
	PropRepositoryRoot = Prefix + "repos"
	PropUUID           = Prefix + "uuid"
	PropKind           = Prefix + "kind"
	PropSchedule       = Prefix + "schedule"
	PropCopied         = Prefix + "copied"
	PropCopyFromURL    = Prefix + "copyfrom-url"
	PropCopyFromRev    = Prefix + "copyfrom-rev"
	PropCommittedRev   = Prefix + "committed-rev"
	PropLastAuthor     = Prefix + "last-author"
	PropCommittedDate  = Prefix + "committed-date"
	PropChecksum       = Prefix + "checksum"
	PropLockToken      = Prefix + "lock-token"
	PropLockOwner      = Prefix + "lock-owner"
	PropLockComment    = Prefix + "lock-comment"
	PropLockCreated    = Prefix + "lock-creation-date"
	PropConflictOld    = Prefix + "conflict-old"
	PropConflictNew    = Prefix + "conflict-new"
	PropConflictWrk    = Prefix + "conflict-wrk"
	PropRejectFile     = Prefix + "prop-reject-file"
	PropDeleted        = Prefix + "deleted"
	// Set on the descendants of a replaced directory during a commit so
	// they are not deleted a second time.
	PropReplaced = Prefix + "replaced"
)

// Versioned properties interpreted by the core.
const (
	PropExternals = "wc:externals"
	PropIgnore    = "wc:ignore"
)

const (
	ScheduleNormal  = ""
	ScheduleAdd     = "add"
	ScheduleDelete  = "delete"
	ScheduleReplace = "replace"
)

func IsEntryProperty(name string) bool {
	return strings.HasPrefix(name, Prefix)
}

type Entry interface {
	Name() string
	// Path is relative to the working copy root, "" for the root.
	Path() string
	IsDirectory() bool

	PropertyValue(name string) string
	// SetPropertyValue sets a property; nil deletes it.
	SetPropertyValue(name string, value *string) error
	// Properties returns the working versioned properties.
	Properties() map[string]string

	IsScheduledForAddition() bool
	IsScheduledForDeletion() bool
	IsCopied() bool
	IsMissing() bool
	IsObstructed() bool
	IsPropertiesModified() bool
	IsConflict() bool

	// SendChangedProperties transmits working property changes as path.
	// It reports whether anything was sent.
	SendChangedProperties(ed editor.Editor, path string) (bool, error)
	// MergeProperties folds incoming repository property changes into
	// the base and working sets.
	MergeProperties(changes map[string]*string) (status.Kind, error)
	// Commit makes the working text and properties the new base.
	Commit() error

	Save(recursive bool) error
	Merge(recursive bool) error
	Dispose() error

	AsDirectory() Directory
	AsFile() File
}

type Directory interface {
	Entry

	Child(name string) Entry
	ChildEntries() []Entry
	// DeletedEntries names children deleted in the repository at a
	// revision newer than this directory.
	DeletedEntries() []string

	AddDirectory(name string) (Directory, error)
	AddFile(name string) (File, error)
	// DeleteChild removes a child. With keepInfo the name is remembered
	// as a deleted entry until the directory is updated.
	DeleteChild(name string, keepInfo bool) error
	Unschedule(name string) error

	// Unversioned names the on-disk children with no entry.
	Unversioned() ([]string, error)
	IsIgnored(name string) bool
	// HasObstruction reports an unversioned item at name that is not a
	// directory.
	HasObstruction(name string) bool
}

type File interface {
	Entry

	IsContentsModified() (bool, error)
	// Checksum is the checksum of the base text.
	Checksum() string
	BaseText() ([]byte, error)
	WorkingText() ([]byte, error)
	GenerateDelta(ed editor.Editor, path string) (string, error)

	// ApplyDelta applies one window against the base text; successive
	// calls append to the staged text.
	ApplyDelta(window delta.Window, data []byte) error
	// DeltaApplied seals the staged text and returns its checksum along
	// with how it will land on the working file: Added, Updated, Merged
	// or Conflicted.
	DeltaApplied() (string, status.Kind, error)
	// Restore rewrites the working file from the base text.
	Restore() error
}

func int64Prop(e Entry, name string, def int64) int64 {
	v := e.PropertyValue(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func Revision(e Entry) int64 {
	return int64Prop(e, PropRevision, -1)
}

func CommittedRevision(e Entry) int64 {
	return int64Prop(e, PropCommittedRev, -1)
}

func CopyFromRevision(e Entry) int64 {
	return int64Prop(e, PropCopyFromRev, -1)
}

func URL(e Entry) string {
	return e.PropertyValue(PropURL)
}

func LockToken(e Entry) string {
	return e.PropertyValue(PropLockToken)
}

func Schedule(e Entry) string {
	return e.PropertyValue(PropSchedule)
}

func CommittedDate(e Entry) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, e.PropertyValue(PropCommittedDate))
	return t
}

// SetRevision stamps the working revision.
func SetRevision(e Entry, rev int64) error {
	return e.SetPropertyValue(PropRevision, editor.String(strconv.FormatInt(rev, 10)))
}

func FormatDate(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Join appends name to a root-relative path.
func Join(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// JoinURL appends a path to a URL.
func JoinURL(url, path string) string {
	if path == "" {
		return url
	}
	return strings.TrimSuffix(url, "/") + "/" + strings.TrimPrefix(path, "/")
}

// IsSwitched reports whether e's URL differs from the one implied by its
// parent's URL.
func IsSwitched(parent, e Entry) bool {
	if parent == nil {
		return false
	}
	url := URL(e)
	if url == "" || e.IsScheduledForAddition() {
		return false
	}
	return url != JoinURL(URL(parent), e.Name())
}

// Lock returns the lock recorded on e, or nil.
func Lock(e Entry) *status.Lock {
	token := LockToken(e)
	if token == "" {
		return nil
	}
	created, _ := time.Parse(time.RFC3339Nano, e.PropertyValue(PropLockCreated))
	return &status.Lock{
		Token:        token,
		Owner:        e.PropertyValue(PropLockOwner),
		Comment:      e.PropertyValue(PropLockComment),
		CreationDate: created,
	}
}
