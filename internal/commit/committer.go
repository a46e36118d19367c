package commit

import (
	"context"

	"wcsync/internal/editor"
	"wcsync/internal/entry"
	"wcsync/internal/logging"
	"wcsync/internal/notify"
	"wcsync/internal/progress"

	"go.uber.org/zap"
)

// EditorFactory opens a commit editor rooted at url. locks maps
// repository paths to the lock tokens held on them.
type EditorFactory func(ctx context.Context, url string, locks map[string]string) (editor.Editor, error)

// Committer runs a whole commit of one working copy.
type Committer struct {
	Root      entry.Directory
	ReposRoot string
	KeepLocks bool
	// Verify, when set, reads the committed files back and compares
	// them with what was sent.
	Verify   Fetcher
	Listener notify.Listener
	Progress progress.Viewer
	Logger   *zap.Logger
}

// Commit sends the changes below targets and returns the new revision,
// or -1 when there was nothing to commit. No editor is opened in that
// case.
func (c *Committer) Commit(ctx context.Context, targets []string, recursive bool, open EditorFactory) (int64, error) {
	logger := logging.OrNop(c.Logger)

	set, err := Harvest(ctx, c.Root, targets, recursive)
	if err != nil {
		c.dispose(logger)
		return -1, err
	}
	if len(set) == 0 {
		logger.Info("nothing to commit", zap.Strings("targets", targets))
		return -1, nil
	}
	if err := CheckPreconditions(set); err != nil {
		c.dispose(logger)
		return -1, err
	}
	rootURL, tree, locks, err := BuildTree(set)
	if err != nil {
		c.dispose(logger)
		return -1, err
	}
	logger.Debug("commit tree built", zap.String("root", rootURL), zap.Strings("paths", tree.Paths()))

	var texts map[string][]byte
	if c.Verify != nil {
		if texts, err = Snapshot(tree); err != nil {
			c.dispose(logger)
			return -1, err
		}
	}

	ed, err := open(ctx, rootURL, RelativeLocks(locks, c.ReposRoot))
	if err != nil {
		c.dispose(logger)
		return -1, err
	}
	d := &Driver{
		Editor:    ed,
		ReposRoot: c.ReposRoot,
		Listener:  c.Listener,
		Progress:  c.Progress,
		Logger:    logger,
	}
	info, err := d.Commit(ctx, tree)
	if err != nil {
		c.dispose(logger)
		return -1, err
	}

	uuid := c.Root.PropertyValue(entry.PropUUID)
	if err := UpdateWorkingCopy(c.Root, info, uuid, tree, c.KeepLocks); err != nil {
		return info.Revision, err
	}
	if c.Verify != nil {
		if err := Verify(ctx, c.Verify, info.Revision, texts); err != nil {
			return info.Revision, err
		}
	}
	return info.Revision, nil
}

func (c *Committer) dispose(logger *zap.Logger) {
	if err := c.Root.Dispose(); err != nil {
		logger.Warn("discarding working copy changes", zap.Error(err))
	}
}
