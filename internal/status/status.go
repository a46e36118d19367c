// Package status holds per-path status kinds and records.
package status

import "time"

type Kind int

const (
	None Kind = iota
	NotModified
	Modified
	Added
	Deleted
	Replaced
	Conflicted
	Missing
	Obstructed
	Unversioned
	Ignored
	External
	Merged
	Updated
	Corrupted
	Restored
)

var kindNames = map[Kind]string{
	None:        "none",
	NotModified: "normal",
	Modified:    "modified",
	Added:       "added",
	Deleted:     "deleted",
	Replaced:    "replaced",
	Conflicted:  "conflicted",
	Missing:     "missing",
	Obstructed:  "obstructed",
	Unversioned: "unversioned",
	Ignored:     "ignored",
	External:    "external",
	Merged:      "merged",
	Updated:     "updated",
	Corrupted:   "corrupted",
	Restored:    "restored",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Code is the single-letter form used by the CLI.
func (k Kind) Code() string {
	switch k {
	case Modified:
		return "M"
	case Added:
		return "A"
	case Deleted:
		return "D"
	case Replaced:
		return "R"
	case Conflicted:
		return "C"
	case Missing:
		return "!"
	case Obstructed:
		return "~"
	case Unversioned:
		return "?"
	case Ignored:
		return "I"
	case External:
		return "X"
	case Merged:
		return "G"
	case Updated:
		return "U"
	case Corrupted:
		return "*"
	case Restored:
		return "r"
	}
	return " "
}

type Lock struct {
	Token        string    `json:"token"`
	Owner        string    `json:"owner"`
	Comment      string    `json:"comment,omitempty"`
	CreationDate time.Time `json:"creation_date"`
}

// Status is the merged local and repository state of one path.
type Status struct {
	Path        string `json:"path"`
	URL         string `json:"url,omitempty"`
	IsDirectory bool   `json:"is_directory"`
	Contents    Kind   `json:"contents"`
	Properties  Kind   `json:"properties"`
	Switched    bool   `json:"switched,omitempty"`
	Copied      bool   `json:"copied,omitempty"`
	Locked      bool   `json:"locked,omitempty"`

	Revision       int64     `json:"revision"`
	CommittedRev   int64     `json:"committed_revision"`
	Author         string    `json:"author,omitempty"`
	CommittedDate  time.Time `json:"committed_date,omitempty"`
	LocalLock      *Lock     `json:"local_lock,omitempty"`
	RemoteLock     *Lock     `json:"remote_lock,omitempty"`
	ConflictNew    string    `json:"conflict_new,omitempty"`
	ConflictOld    string    `json:"conflict_old,omitempty"`
	ConflictWrk    string    `json:"conflict_wrk,omitempty"`
	PropRejectFile string    `json:"prop_reject_file,omitempty"`

	RepositoryRevision   int64 `json:"repository_revision"`
	RepositoryContents   Kind  `json:"repository_contents"`
	RepositoryProperties Kind  `json:"repository_properties"`
	AddedWithHistory     bool  `json:"added_with_history,omitempty"`
}

// IsInteresting reports whether the record differs from a clean path.
func (s *Status) IsInteresting() bool {
	if s.Switched || s.Locked || s.LocalLock != nil {
		return true
	}
	if s.Contents != NotModified && s.Contents != None {
		return true
	}
	if s.Properties != NotModified && s.Properties != None {
		return true
	}
	return s.RepositoryContents != None && s.RepositoryContents != NotModified ||
		s.RepositoryProperties != None && s.RepositoryProperties != NotModified
}
