// Package externals parses externals definitions and syncs them under an
// error policy.
package externals

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"wcsync/internal/entry"
	"wcsync/internal/errors"
	"wcsync/internal/metrics"

	"go.uber.org/zap"
)

// Definition is one line of an externals property.
type Definition struct {
	// Path is relative to the working copy root.
	Path string `json:"path"`
	URL  string `json:"url"`
	// Revision is -1 for the latest revision.
	Revision int64 `json:"revision"`
}

func (d Definition) String() string {
	if d.Revision < 0 {
		return d.Path + " " + d.URL
	}
	return fmt.Sprintf("%s -r %d %s", d.Path, d.Revision, d.URL)
}

// Parse reads the externals property of the directory at owner. Accepted
// lines are "<subpath> <url>", "<subpath> -rN <url>" and
// "<subpath> -r N <url>"; blank, comment and malformed lines are skipped,
// as are subpaths that are absolute or climb out of owner.
func Parse(owner, value string) []Definition {
	var defs []Definition
	for _, line := range strings.FieldsFunc(value, func(r rune) bool { return r == '\n' || r == '\r' }) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		def := Definition{Revision: -1}

		var rev string
		switch {
		case len(parts) == 2:
			def.URL = parts[1]
		case len(parts) == 3 && strings.HasPrefix(parts[1], "-r"):
			rev, def.URL = parts[1][2:], parts[2]
		case len(parts) == 4 && parts[1] == "-r":
			rev, def.URL = parts[2], parts[3]
		default:
			continue
		}
		if rev != "" && rev != "HEAD" {
			n, err := strconv.ParseInt(rev, 10, 64)
			if err != nil || n < 0 {
				continue
			}
			def.Revision = n
		}

		sub, ok := subpath(parts[0])
		if !ok || strings.Contains(def.URL, " ") || !strings.Contains(def.URL, "://") {
			continue
		}
		def.Path = entry.Join(owner, sub)
		defs = append(defs, def)
	}
	return defs
}

// subpath cleans the local part of a definition. It must name something
// strictly below the owner directory.
func subpath(raw string) (string, bool) {
	if raw == "" || strings.HasPrefix(raw, "/") || strings.ContainsAny(raw, "\\:") {
		return "", false
	}
	sub := path.Clean(raw)
	if sub == "." || sub == ".." || strings.HasPrefix(sub, "../") {
		return "", false
	}
	return sub, true
}

// Change pairs the old and new definition for one path. Old or New is nil
// when the definition was added or removed.
type Change struct {
	Path string
	Old  *Definition
	New  *Definition
}

// Compare lists the definitions that differ between two property values
// of the directory at owner, ordered by path.
func Compare(owner, oldValue, newValue string) []Change {
	olds := make(map[string]Definition)
	for _, d := range Parse(owner, oldValue) {
		olds[d.Path] = d
	}
	news := make(map[string]Definition)
	for _, d := range Parse(owner, newValue) {
		news[d.Path] = d
	}

	var changes []Change
	for p, d := range news {
		d := d
		if o, ok := olds[p]; ok {
			if o == d {
				continue
			}
			o := o
			changes = append(changes, Change{Path: p, Old: &o, New: &d})
			continue
		}
		changes = append(changes, Change{Path: p, New: &d})
	}
	for p, o := range olds {
		o := o
		if _, ok := news[p]; !ok {
			changes = append(changes, Change{Path: p, Old: &o})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

// Policy decides what a failing external does to the operation that
// contains it.
type Policy int

const (
	LogAndContinue Policy = iota
	Propagate
)

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "log":
		return LogAndContinue, nil
	case "propagate":
		return Propagate, nil
	}
	return LogAndContinue, fmt.Errorf("unknown externals policy %q", s)
}

func (p Policy) String() string {
	if p == Propagate {
		return "propagate"
	}
	return "log"
}

// Handle runs fn for every definition. Failures are logged and skipped,
// or returned under Propagate. Cancellation always stops the loop.
func Handle(ctx context.Context, logger *zap.Logger, policy Policy, defs []Definition, fn func(context.Context, Definition) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, d := range defs {
		if err := errors.Check(ctx); err != nil {
			return err
		}
		err := fn(ctx, d)
		if err == nil {
			continue
		}
		if errors.Is(err, errors.ErrorTypeCancelled) {
			return err
		}
		metrics.RecordExternalsFailure()
		if policy == Propagate {
			return fmt.Errorf("external %s: %w", d.Path, err)
		}
		logger.Warn("external failed",
			zap.String("path", d.Path),
			zap.String("url", d.URL),
			zap.Error(err))
	}
	return nil
}
