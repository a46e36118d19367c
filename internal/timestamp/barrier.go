// Package timestamp waits out filesystem timestamp granularity so a file
// rewritten now cannot share its mtime with a later edit.
package timestamp

import (
	"context"
	"time"

	"wcsync/internal/errors"
)

const DefaultGranularity = time.Millisecond

type Barrier struct {
	Granularity time.Duration
	// Now is replaced in tests.
	Now func() time.Time
}

func New(granularity time.Duration) *Barrier {
	if granularity <= 0 {
		granularity = DefaultGranularity
	}
	return &Barrier{Granularity: granularity, Now: time.Now}
}

// Deadline is the first instant whose truncated timestamp differs from
// that of since.
func (b *Barrier) Deadline(since time.Time) time.Time {
	return since.Truncate(b.Granularity).Add(b.Granularity)
}

// Wait blocks until the clock has moved past the granularity tick that
// holds since.
func (b *Barrier) Wait(ctx context.Context, since time.Time) error {
	now := b.Now()
	wait := b.Deadline(since).Sub(now)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Cancelled(ctx.Err())
	case <-timer.C:
		return nil
	}
}
