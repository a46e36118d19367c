package wc

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"wcsync/internal/delta"
	"wcsync/internal/editor"
	"wcsync/internal/entry"
	"wcsync/internal/status"

	"go.uber.org/zap"
)

func (n *node) Checksum() string {
	return n.rec.Entry[entry.PropChecksum]
}

func (n *node) BaseText() ([]byte, error) {
	if n.rec.BaseHash == "" || n.s.safe == nil {
		return []byte{}, nil
	}
	text, err := n.s.safe.Get(n.rec.BaseHash)
	if err != nil {
		return nil, fmt.Errorf("%s: reading base text: %w", n.rec.Path, err)
	}
	return text, nil
}

func (n *node) WorkingText() ([]byte, error) {
	return os.ReadFile(n.s.abs(n.rec.Path))
}

func (n *node) IsContentsModified() (bool, error) {
	if n.IsDirectory() {
		return false, nil
	}
	if n.IsScheduledForAddition() && !n.IsCopied() {
		return true, nil
	}
	info, err := os.Stat(n.s.abs(n.rec.Path))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if n.rec.BaseHash != "" && info.Size() == n.rec.Size && info.ModTime().UnixNano() == n.rec.ModTime {
		return false, nil
	}

	working, err := n.WorkingText()
	if err != nil {
		return false, err
	}
	base, err := n.BaseText()
	if err != nil {
		return false, err
	}
	return !bytes.Equal(base, working), nil
}

// GenerateDelta sends the working text against the base. Plain additions
// are sent against an empty base.
func (n *node) GenerateDelta(ed editor.Editor, path string) (string, error) {
	working, err := n.WorkingText()
	if err != nil {
		return "", fmt.Errorf("%s: reading working text: %w", n.rec.Path, err)
	}
	var base []byte
	baseChecksum := ""
	if !n.IsScheduledForAddition() || n.IsCopied() {
		if base, err = n.BaseText(); err != nil {
			return "", err
		}
		baseChecksum = n.Checksum()
	}
	return editor.SendText(ed, path, base, working, baseChecksum)
}

func (n *node) ApplyDelta(window delta.Window, data []byte) error {
	base, err := n.BaseText()
	if err != nil {
		return err
	}
	part, err := window.Apply(base, data)
	if err != nil {
		return fmt.Errorf("%s: %w", n.rec.Path, err)
	}
	if !n.staging {
		n.staging = true
		n.staged = n.staged[:0]
	}
	n.staged = append(n.staged, part...)
	return nil
}

// DeltaApplied seals the staged text and predicts how it will land on
// the working file.
func (n *node) DeltaApplied() (string, status.Kind, error) {
	if !n.staging {
		n.staged = []byte{}
	}
	n.staging = false
	n.stagedReady = true

	kind := status.Updated
	switch {
	case n.fresh:
		kind = status.Added
		if existing, err := n.WorkingText(); err == nil && !bytes.Equal(existing, n.staged) {
			kind = status.Conflicted
		}
	case n.IsMissing():
	default:
		modified, err := n.IsContentsModified()
		if err != nil {
			return "", status.None, err
		}
		if modified {
			working, err := n.WorkingText()
			if err != nil {
				return "", status.None, err
			}
			kind = status.Merged
			if !bytes.Equal(working, n.staged) {
				kind = status.Conflicted
			}
		}
	}
	n.stagedState = kind
	n.touch()
	return delta.Checksum(n.staged), kind, nil
}

func (n *node) Restore() error {
	base, err := n.BaseText()
	if err != nil {
		return err
	}
	if err := n.writeWorking(base); err != nil {
		return err
	}
	n.touch()
	return n.Save(false)
}

// writeWorking replaces the working file and records its stat as in sync
// with the base text.
func (n *node) writeWorking(text []byte) error {
	abs := n.s.abs(n.rec.Path)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return err
	}
	tmp := abs + ".wcsync-tmp"
	if err := os.WriteFile(tmp, text, 0644); err != nil {
		return fmt.Errorf("%s: writing working file: %w", n.rec.Path, err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%s: replacing working file: %w", n.rec.Path, err)
	}
	n.s.timestampsChanged = true
	return n.syncStat()
}

func (n *node) syncStat() error {
	info, err := os.Stat(n.s.abs(n.rec.Path))
	if err != nil {
		return err
	}
	n.rec.Size = info.Size()
	n.rec.ModTime = info.ModTime().UnixNano()
	return nil
}

// setBase stores text as the new base text.
func (n *node) setBase(text []byte) error {
	n.rec.Entry[entry.PropChecksum] = delta.Checksum(text)
	if n.s.safe == nil {
		return nil
	}
	hash, err := n.s.safe.Store(n.Name(), text)
	if err != nil {
		return fmt.Errorf("%s: storing base text: %w", n.rec.Path, err)
	}
	if old := n.rec.BaseHash; old != "" && old != hash {
		if err := n.s.safe.Release(old); err != nil {
			n.s.logger.Warn("releasing base text", zap.String("path", n.rec.Path), zap.Error(err))
		}
	} else if old == hash {
		// Store took a second reference to the same text
		n.s.safe.Release(hash)
	}
	n.rec.BaseHash = hash
	return nil
}

func (n *node) commitText() error {
	working, err := n.WorkingText()
	if err != nil {
		return fmt.Errorf("%s: reading working text: %w", n.rec.Path, err)
	}
	if err := n.setBase(working); err != nil {
		return err
	}
	return n.syncStat()
}

// materialize lands staged text on disk, writing conflict files when the
// working file has diverged.
func (n *node) materialize() error {
	if n.IsDirectory() {
		if n.fresh {
			return os.MkdirAll(n.s.abs(n.rec.Path), 0755)
		}
		return nil
	}
	if !n.stagedReady {
		if !n.fresh {
			return nil
		}
		if _, _, err := n.DeltaApplied(); err != nil {
			return err
		}
	}

	text := n.staged
	switch n.stagedState {
	case status.Conflicted:
		if err := n.writeConflict(text); err != nil {
			return err
		}
	case status.Merged:
		// working already equals the new text
	default:
		if err := n.writeWorking(text); err != nil {
			return err
		}
	}

	if !n.s.opts.Export {
		if err := n.setBase(text); err != nil {
			return err
		}
		if n.stagedState == status.Merged {
			if err := n.syncStat(); err != nil {
				return err
			}
		}
	}

	n.staged, n.stagedReady = nil, false
	n.touch()
	return nil
}

func (n *node) writeConflict(text []byte) error {
	abs := n.s.abs(n.rec.Path)
	rev := n.rec.Entry[entry.PropRevision]
	if _, err := strconv.ParseInt(rev, 10, 64); err != nil {
		rev = "new"
	}

	name := n.Name()
	newName := name + ".r" + rev
	if err := os.WriteFile(filepath.Join(filepath.Dir(abs), newName), text, 0644); err != nil {
		return fmt.Errorf("%s: writing conflict file: %w", n.rec.Path, err)
	}
	n.rec.Entry[entry.PropConflictNew] = newName

	if base, err := n.BaseText(); err == nil && len(base) > 0 {
		oldName := name + ".base"
		if err := os.WriteFile(filepath.Join(filepath.Dir(abs), oldName), base, 0644); err == nil {
			n.rec.Entry[entry.PropConflictOld] = oldName
		}
	}
	n.rec.Entry[entry.PropConflictWrk] = name
	n.s.timestampsChanged = true
	n.s.logger.Info("update conflicts with local changes", zap.String("path", n.rec.Path))
	return nil
}
