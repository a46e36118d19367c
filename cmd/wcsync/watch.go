package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"wcsync/internal/change"
	"wcsync/internal/status"
	"wcsync/internal/workspace"

	"go.uber.org/zap"
)

// settleDelay batches the bursts of events a single save produces.
const settleDelay = 200 * time.Millisecond

// watch prints the local status of path and prints it again after every
// burst of filesystem changes, until ctx is done.
func watch(ctx context.Context, ws *workspace.Workspace, path string, opts workspace.StatusOptions, out io.Writer) error {
	dir := filepath.Join(ws.Root(), filepath.FromSlash(path))
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		dir = filepath.Dir(dir)
	}
	watcher, err := change.NewWatcher(dir, []string{cfg.WorkingCopy.AdminDir}, logger.Logger)
	if err != nil {
		return err
	}
	defer watcher.Close()

	show := func() error {
		fmt.Fprintf(out, "%s %s\n", cyan("--"), time.Now().Format(time.TimeOnly))
		_, err := ws.Status(ctx, path, opts, func(st *status.Status) error {
			printStatus(out, st, false)
			return nil
		})
		return err
	}
	if err := show(); err != nil {
		return err
	}
	return watcher.Run(ctx, settleDelay, func(paths []string) error {
		logger.Debug("changes seen", zap.Strings("paths", paths))
		return show()
	})
}
