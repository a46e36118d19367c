// Package api serves a repository over HTTP. Tree deltas travel as
// recorded editor calls and working copy reports as descriptors, so one
// request carries a whole exchange.
package api

import (
	"wcsync/internal/editor"
	"wcsync/internal/errors"
	"wcsync/internal/reporter"
	"wcsync/internal/transport"
)

const (
	PathInfo     = "/api/info"
	PathCommit   = "/api/commit"
	PathUpdate   = "/api/update"
	PathStatus   = "/api/status"
	PathCheckout = "/api/checkout"
	PathFetch    = "/api/fetch"
	PathLock     = "/api/lock"
	PathUnlock   = "/api/unlock"

	// EncodingZstd is accepted by clients that can read compressed
	// bodies.
	EncodingZstd = "zstd"
)

type CommitBody struct {
	Request transport.CommitRequest `json:"request"`
	Calls   []editor.Call           `json:"calls"`
}

// DriveBody asks for an update, status or checkout. Report is empty for
// a checkout.
type DriveBody struct {
	Request transport.UpdateRequest `json:"request"`
	Report  []reporter.Descriptor   `json:"report,omitempty"`
}

type EditResponse struct {
	Calls []editor.Call `json:"calls"`
}

type UnlockBody struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

type ErrorResponse struct {
	Error *errors.Error `json:"error"`
}
