package reporter_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"wcsync/internal/editor"
	"wcsync/internal/entry"
	"wcsync/internal/reporter"
	"wcsync/internal/storage"
	"wcsync/internal/wc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rootURL = "http://repo/trunk"

// newTree lays out
//
//	a.txt@5  sub/@5  sub/b.txt@4  sub/locked.txt@5 (locked)  other/@5 (switched)
func newTree(t *testing.T) (string, entry.Directory) {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	path := t.TempDir()
	s, err := wc.Open(path, db, wc.Options{})
	require.NoError(t, err)
	root, err := s.Init(rootURL, "http://repo", "uuid", 5)
	require.NoError(t, err)

	addFile(t, root, "a.txt", 5)
	sub := addDir(t, root, "sub", 5)
	addFile(t, sub, "b.txt", 4)
	locked := addFile(t, sub, "locked.txt", 5)
	require.NoError(t, locked.SetPropertyValue(entry.PropLockToken, editor.String("token-1")))
	other := addDir(t, root, "other", 5)
	require.NoError(t, other.SetPropertyValue(entry.PropURL, editor.String("http://repo/branches/other")))

	require.NoError(t, root.Merge(true))
	return path, root
}

func addDir(t *testing.T, parent entry.Directory, name string, rev int64) entry.Directory {
	d, err := parent.AddDirectory(name)
	require.NoError(t, err)
	require.NoError(t, d.SetPropertyValue(entry.PropURL, editor.String(entry.JoinURL(entry.URL(parent), name))))
	require.NoError(t, entry.SetRevision(d, rev))
	return d
}

func addFile(t *testing.T, parent entry.Directory, name string, rev int64) entry.File {
	f, err := parent.AddFile(name)
	require.NoError(t, err)
	require.NoError(t, f.SetPropertyValue(entry.PropURL, editor.String(entry.JoinURL(entry.URL(parent), name))))
	require.NoError(t, entry.SetRevision(f, rev))
	_, _, err = f.DeltaApplied()
	require.NoError(t, err)
	return f
}

func report(t *testing.T, b *reporter.EntryBaton) []string {
	rec := reporter.NewRecorder(reporter.NewChecker(nil))
	require.NoError(t, b.Report(context.Background(), rec))
	assert.True(t, rec.Finished())

	var out []string
	for _, d := range rec.Descriptors() {
		out = append(out, d.String())
	}
	return out
}

func TestEntryBaton(t *testing.T) {
	t.Run("recursive", func(t *testing.T) {
		_, root := newTree(t)
		got := report(t, &reporter.EntryBaton{Root: root, Recursive: true})
		assert.Equal(t, []string{
			`set ""@5`,
			`link "other" -> http://repo/branches/other@5`,
			`set "sub/b.txt"@4`,
			`set "sub/locked.txt"@5`,
		}, got)
	})

	t.Run("non recursive", func(t *testing.T) {
		_, root := newTree(t)
		got := report(t, &reporter.EntryBaton{Root: root})
		assert.Equal(t, []string{`set ""@5`, `link "other" -> http://repo/branches/other@5`}, got)
	})

	t.Run("single target", func(t *testing.T) {
		_, root := newTree(t)
		got := report(t, &reporter.EntryBaton{Root: root, Target: "sub", Recursive: true})
		assert.Equal(t, []string{`set ""@5`, `set "sub/b.txt"@4`, `set "sub/locked.txt"@5`}, got)
	})

	t.Run("missing file is reported deleted", func(t *testing.T) {
		path, root := newTree(t)
		require.NoError(t, os.Remove(filepath.Join(path, "a.txt")))

		b := &reporter.EntryBaton{Root: root, Recursive: true}
		got := report(t, b)
		assert.Contains(t, got, `delete "a.txt"`)
		assert.Equal(t, []string{"a.txt"}, b.Missing())
	})

	t.Run("missing file is restored", func(t *testing.T) {
		path, root := newTree(t)
		require.NoError(t, os.Remove(filepath.Join(path, "sub", "b.txt")))

		b := &reporter.EntryBaton{Root: root, Recursive: true, Restore: true}
		got := report(t, b)
		assert.Contains(t, got, `set "sub/b.txt"@4`)
		assert.Empty(t, b.Missing())
		assert.Equal(t, []string{"sub/b.txt"}, b.Restored())
		assert.FileExists(t, filepath.Join(path, "sub", "b.txt"))
	})

	t.Run("deleted entries and additions", func(t *testing.T) {
		_, root := newTree(t)
		require.NoError(t, root.DeleteChild("a.txt", true))
		added, err := root.AddFile("new.txt")
		require.NoError(t, err)
		require.NoError(t, added.SetPropertyValue(entry.PropSchedule, editor.String(entry.ScheduleAdd)))

		got := report(t, &reporter.EntryBaton{Root: root})
		assert.Contains(t, got, `delete "a.txt"`)
		assert.NotContains(t, got, `set "new.txt"@-1`)
	})

	t.Run("externals are collected", func(t *testing.T) {
		_, root := newTree(t)
		require.NoError(t, root.SetPropertyValue(entry.PropExternals, editor.String("lib http://other/lib")))

		b := &reporter.EntryBaton{Root: root, Recursive: true}
		report(t, b)
		assert.Equal(t, map[string]string{"": "lib http://other/lib"}, b.Externals())
	})
}

func TestEntryBatonAbortsOnError(t *testing.T) {
	_, root := newTree(t)
	require.NoError(t, entry.SetRevision(root, 5))
	require.NoError(t, root.SetPropertyValue(entry.PropRevision, nil))

	rec := reporter.NewRecorder(nil)
	err := (&reporter.EntryBaton{Root: root}).Report(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, rec.Aborted())
}
