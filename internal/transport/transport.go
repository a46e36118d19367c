// Package transport is what the sync core needs from a repository
// connection.
package transport

import (
	"context"

	"wcsync/internal/editor"
	"wcsync/internal/reporter"
	"wcsync/internal/status"
)

type Info struct {
	RootURL string `json:"root_url"`
	UUID    string `json:"uuid"`
	Latest  int64  `json:"latest"`
}

// UpdateRequest describes one update, status or checkout exchange. URL
// is the anchor directory the edit is rooted at.
type UpdateRequest struct {
	URL string `json:"url"`
	// Target limits the exchange to one child of the anchor.
	Target string `json:"target,omitempty"`
	// Revision is the revision to bring the working copy to, -1 for the
	// latest.
	Revision  int64 `json:"revision"`
	Recursive bool  `json:"recursive"`
}

type CommitRequest struct {
	URL     string `json:"url"`
	Author  string `json:"author"`
	Message string `json:"message"`
	// Locks maps repository paths to the lock tokens the working copy
	// holds on them.
	Locks     map[string]string `json:"locks,omitempty"`
	KeepLocks bool              `json:"keep_locks,omitempty"`
}

type LockRequest struct {
	URL     string `json:"url"`
	Owner   string `json:"owner"`
	Comment string `json:"comment,omitempty"`
	// Steal takes the lock even when someone else holds it.
	Steal bool `json:"steal,omitempty"`
}

// Transport is one session with a repository. Calls on a session do not
// overlap; starting one while another is running fails.
type Transport interface {
	Info(ctx context.Context) (*Info, error)
	// CommitEditor opens a commit rooted at req.URL. The new revision is
	// returned by the editor's CloseEdit.
	CommitEditor(ctx context.Context, req CommitRequest) (editor.Editor, error)
	// Update reads the working copy state from baton and drives ed with
	// the changes that bring it to req.Revision.
	Update(ctx context.Context, req UpdateRequest, baton reporter.Baton, ed editor.Editor) error
	// Status is Update for an editor that only records what would
	// change.
	Status(ctx context.Context, req UpdateRequest, baton reporter.Baton, ed editor.Editor) error
	// Checkout drives ed with the whole tree at req.URL.
	Checkout(ctx context.Context, req UpdateRequest, ed editor.Editor) error
	// Fetch reads the text of the file at url in rev.
	Fetch(ctx context.Context, url string, rev int64) ([]byte, error)
	Lock(ctx context.Context, req LockRequest) (*status.Lock, error)
	Unlock(ctx context.Context, url, token string) error
}
