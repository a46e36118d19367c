package wc

import (
	"os"
	"path/filepath"
	"testing"

	"wcsync/internal/delta"
	"wcsync/internal/editor"
	"wcsync/internal/entry"
	"wcsync/internal/status"
	"wcsync/internal/storage"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	root string
	db   *badger.DB
	s    *Store
}

func newFixture(t *testing.T) *fixture {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{root: t.TempDir(), db: db}
	f.s, err = Open(f.root, db, Options{GlobalIgnores: []string{"*.tmp"}})
	require.NoError(t, err)
	_, err = f.s.Init("http://repo/trunk", "http://repo", "uuid-1", 5)
	require.NoError(t, err)
	return f
}

func (f *fixture) reopen(t *testing.T) {
	var err error
	f.s, err = Open(f.root, f.db, Options{GlobalIgnores: []string{"*.tmp"}})
	require.NoError(t, err)
}

func (f *fixture) write(t *testing.T, path, text string) {
	abs := filepath.Join(f.root, filepath.FromSlash(path))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(t, os.WriteFile(abs, []byte(text), 0644))
}

func (f *fixture) read(t *testing.T, path string) string {
	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(path)))
	require.NoError(t, err)
	return string(data)
}

func applyText(t *testing.T, file entry.File, text string) (string, status.Kind) {
	base, err := file.BaseText()
	require.NoError(t, err)
	for _, c := range delta.Generate(base, []byte(text)) {
		require.NoError(t, file.ApplyDelta(c.Window, c.Data))
	}
	sum, kind, err := file.DeltaApplied()
	require.NoError(t, err)
	return sum, kind
}

// checkoutFile adds a file at rev the way an update would.
func (f *fixture) checkoutFile(t *testing.T, dir entry.Directory, name, text string) entry.File {
	file, err := dir.AddFile(name)
	require.NoError(t, err)
	require.NoError(t, file.SetPropertyValue(entry.PropURL, editor.String(entry.JoinURL(entry.URL(dir), name))))
	require.NoError(t, entry.SetRevision(file, 5))
	applyText(t, file, text)
	require.NoError(t, dir.Merge(true))
	return file
}

func TestInitAndReopen(t *testing.T) {
	f := newFixture(t)
	f.reopen(t)

	root, err := f.s.Root()
	require.NoError(t, err)
	assert.Equal(t, int64(5), entry.Revision(root))
	assert.Equal(t, "http://repo/trunk", entry.URL(root))
	assert.True(t, root.IsDirectory())
	assert.Equal(t, "dir", root.PropertyValue(entry.PropKind))

	t.Run("missing database record", func(t *testing.T) {
		db, err := storage.OpenInMemory()
		require.NoError(t, err)
		defer db.Close()
		s, err := Open(t.TempDir(), db, Options{})
		require.NoError(t, err)
		_, err = s.Root()
		assert.ErrorIs(t, err, ErrNotWorkingCopy)
	})
}

func TestApplyAndMerge(t *testing.T) {
	f := newFixture(t)
	root, _ := f.s.Root()

	file, err := root.AddFile("a.txt")
	require.NoError(t, err)
	sum, kind := applyText(t, file, "hello\n")
	assert.Equal(t, status.Added, kind)
	assert.Equal(t, delta.Checksum([]byte("hello\n")), sum)

	_, err = os.Stat(filepath.Join(f.root, "a.txt"))
	assert.True(t, os.IsNotExist(err), "text is staged until merge")

	require.NoError(t, root.Merge(true))
	assert.Equal(t, "hello\n", f.read(t, "a.txt"))
	assert.Equal(t, sum, file.Checksum())

	modified, err := file.IsContentsModified()
	require.NoError(t, err)
	assert.False(t, modified)

	f.reopen(t)
	root, _ = f.s.Root()
	reloaded := root.Child("a.txt")
	require.NotNil(t, reloaded)
	base, err := reloaded.AsFile().BaseText()
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(base))
}

func TestLocalModificationsOnUpdate(t *testing.T) {
	tests := []struct {
		name     string
		working  string
		incoming string
		want     status.Kind
	}{
		{"unmodified", "one\n", "two\n", status.Updated},
		{"same change", "two, locally\n", "two, locally\n", status.Merged},
		{"conflict", "mine\n", "theirs\n", status.Conflicted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			root, _ := f.s.Root()
			file := f.checkoutFile(t, root, "a.txt", "one\n")
			if tt.working != "one\n" {
				f.write(t, "a.txt", tt.working)
			}

			require.NoError(t, entry.SetRevision(file, 6))
			_, kind := applyText(t, file, tt.incoming)
			assert.Equal(t, tt.want, kind)
			require.NoError(t, root.Merge(true))

			base, err := file.BaseText()
			require.NoError(t, err)
			assert.Equal(t, tt.incoming, string(base))

			switch tt.want {
			case status.Conflicted:
				assert.Equal(t, tt.working, f.read(t, "a.txt"))
				assert.Equal(t, tt.incoming, f.read(t, "a.txt.r6"))
				assert.Equal(t, "one\n", f.read(t, "a.txt.base"))
				assert.True(t, file.IsConflict())
			default:
				assert.Equal(t, tt.incoming, f.read(t, "a.txt"))
				assert.False(t, file.IsConflict())
			}
		})
	}
}

func TestCommitMakesWorkingTheBase(t *testing.T) {
	f := newFixture(t)
	root, _ := f.s.Root()
	file := f.checkoutFile(t, root, "a.txt", "one\n")

	f.write(t, "a.txt", "one and more\n")
	require.NoError(t, f.s.SetProperty("a.txt", "color", editor.String("blue")))

	modified, err := file.IsContentsModified()
	require.NoError(t, err)
	assert.True(t, modified)
	assert.True(t, file.IsPropertiesModified())

	require.NoError(t, file.Commit())
	require.NoError(t, file.Save(false))

	modified, err = file.IsContentsModified()
	require.NoError(t, err)
	assert.False(t, modified)
	assert.False(t, file.IsPropertiesModified())
	assert.Equal(t, delta.Checksum([]byte("one and more\n")), file.Checksum())
}

func TestSendChangedProperties(t *testing.T) {
	f := newFixture(t)
	root, _ := f.s.Root()
	file := f.checkoutFile(t, root, "a.txt", "x")
	_, err := file.MergeProperties(map[string]*string{"old": editor.String("1"), "keep": editor.String("k")})
	require.NoError(t, err)

	require.NoError(t, f.s.SetProperty("a.txt", "old", nil))
	require.NoError(t, f.s.SetProperty("a.txt", "new", editor.String("2")))

	rec := editor.NewRecorder(nil)
	sent, err := file.SendChangedProperties(rec, "a.txt")
	require.NoError(t, err)
	assert.True(t, sent)

	calls := rec.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "new", calls[0].Name)
	assert.Equal(t, "2", *calls[0].Value)
	assert.Equal(t, "old", calls[1].Name)
	assert.Nil(t, calls[1].Value)
}

func TestMergeProperties(t *testing.T) {
	f := newFixture(t)
	root, _ := f.s.Root()

	kind, err := root.MergeProperties(map[string]*string{"p": editor.String("1")})
	require.NoError(t, err)
	assert.Equal(t, status.Updated, kind)
	assert.Equal(t, "1", root.PropertyValue("p"))

	require.NoError(t, root.SetPropertyValue("p", editor.String("local")))
	kind, err = root.MergeProperties(map[string]*string{"p": editor.String("remote")})
	require.NoError(t, err)
	assert.Equal(t, status.Conflicted, kind)
	assert.Equal(t, "local", root.PropertyValue("p"))
	assert.True(t, root.IsConflict())
}

func TestDeleteChild(t *testing.T) {
	f := newFixture(t)
	root, _ := f.s.Root()
	dir, err := root.AddDirectory("d")
	require.NoError(t, err)
	require.NoError(t, entry.SetRevision(dir, 5))
	f.checkoutFile(t, dir, "clean.txt", "clean")
	f.checkoutFile(t, dir, "dirty.txt", "dirty")
	f.write(t, "d/dirty.txt", "changed locally")

	require.NoError(t, root.DeleteChild("d", true))
	assert.Nil(t, root.Child("d"))
	assert.Equal(t, []string{"d"}, root.DeletedEntries())
	require.NoError(t, root.Merge(true))

	_, err = os.Stat(filepath.Join(f.root, "d", "clean.txt"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, "changed locally", f.read(t, "d/dirty.txt"))

	f.reopen(t)
	_, err = f.s.Entry("d/clean.txt")
	assert.Error(t, err)

	root, _ = f.s.Root()
	require.NoError(t, entry.SetRevision(root, 6))
	assert.Empty(t, root.DeletedEntries(), "a newer revision forgets deletions")
}

func TestDisposeDiscardsCreatedDirectories(t *testing.T) {
	f := newFixture(t)
	root, _ := f.s.Root()
	dir, err := root.AddDirectory("fresh")
	require.NoError(t, err)
	_, err = dir.AddDirectory("inner")
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(f.root, "fresh", "inner"))

	require.NoError(t, root.Dispose())
	_, err = os.Stat(filepath.Join(f.root, "fresh"))
	assert.True(t, os.IsNotExist(err))

	root, _ = f.s.Root()
	assert.Nil(t, root.Child("fresh"))
}

func TestAddRemove(t *testing.T) {
	f := newFixture(t)
	f.write(t, "new/a.txt", "a")
	f.write(t, "new/skip.tmp", "ignored")

	require.NoError(t, f.s.Add("new"))
	e, err := f.s.Entry("new/a.txt")
	require.NoError(t, err)
	assert.True(t, e.IsScheduledForAddition())
	_, err = f.s.Entry("new/skip.tmp")
	assert.Error(t, err)
	assert.Error(t, f.s.Add("new"), "already versioned")

	t.Run("revert addition keeps files", func(t *testing.T) {
		require.NoError(t, f.s.Remove("new"))
		_, err := f.s.Entry("new")
		assert.Error(t, err)
		assert.Equal(t, "a", f.read(t, "new/a.txt"))
	})

	t.Run("delete then add is a replacement", func(t *testing.T) {
		root, _ := f.s.Root()
		f.checkoutFile(t, root, "b.txt", "b")
		require.NoError(t, f.s.Remove("b.txt"))
		e, err := f.s.Entry("b.txt")
		require.NoError(t, err)
		assert.Equal(t, entry.ScheduleDelete, entry.Schedule(e))
		assert.False(t, e.IsMissing())
		_, err = os.Stat(filepath.Join(f.root, "b.txt"))
		assert.True(t, os.IsNotExist(err))

		f.write(t, "b.txt", "b again")
		require.NoError(t, f.s.Add("b.txt"))
		assert.Equal(t, entry.ScheduleReplace, entry.Schedule(e))
		assert.True(t, e.IsScheduledForAddition())
		assert.True(t, e.IsScheduledForDeletion())
	})
}

func TestCopy(t *testing.T) {
	f := newFixture(t)
	root, _ := f.s.Root()
	dir, err := root.AddDirectory("src")
	require.NoError(t, err)
	require.NoError(t, dir.SetPropertyValue(entry.PropURL, editor.String("http://repo/trunk/src")))
	require.NoError(t, entry.SetRevision(dir, 5))
	f.checkoutFile(t, dir, "a.txt", "text")

	require.NoError(t, f.s.Copy("src", "dst"))
	dst, err := f.s.Entry("dst")
	require.NoError(t, err)
	assert.True(t, dst.IsCopied())
	assert.True(t, dst.IsScheduledForAddition())
	assert.Equal(t, "http://repo/trunk/src", dst.PropertyValue(entry.PropCopyFromURL))
	assert.Equal(t, int64(5), entry.CopyFromRevision(dst))
	assert.Equal(t, "http://repo/trunk/dst", entry.URL(dst))

	child, err := f.s.Entry("dst/a.txt")
	require.NoError(t, err)
	assert.True(t, child.IsCopied())
	assert.False(t, child.IsScheduledForAddition())
	assert.Equal(t, "text", f.read(t, "dst/a.txt"))

	modified, err := child.AsFile().IsContentsModified()
	require.NoError(t, err)
	assert.False(t, modified)

	assert.Error(t, f.s.Copy("src", "src/inner"))
}

func TestRelocate(t *testing.T) {
	f := newFixture(t)
	root, _ := f.s.Root()
	f.checkoutFile(t, root, "a.txt", "a")

	require.NoError(t, f.s.Relocate("http://repo", "https://mirror/repo"))
	e, err := f.s.Entry("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "https://mirror/repo/trunk/a.txt", entry.URL(e))
	assert.Equal(t, "https://mirror/repo", root.PropertyValue(entry.PropRepositoryRoot))
}

func TestUnversionedAndIgnored(t *testing.T) {
	f := newFixture(t)
	root, _ := f.s.Root()
	f.checkoutFile(t, root, "a.txt", "a")
	f.write(t, "loose.txt", "x")
	f.write(t, "build.tmp", "x")
	require.NoError(t, f.s.SetProperty("", entry.PropIgnore, editor.String("*.log\n")))

	names, err := root.Unversioned()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"loose.txt", "build.tmp"}, names)

	assert.True(t, root.IsIgnored("build.tmp"))
	assert.True(t, root.IsIgnored("server.log"))
	assert.False(t, root.IsIgnored("loose.txt"))
	assert.True(t, root.HasObstruction("loose.txt"))
	assert.False(t, root.HasObstruction("a.txt"))
}

func TestMissingAndObstructed(t *testing.T) {
	f := newFixture(t)
	root, _ := f.s.Root()
	file := f.checkoutFile(t, root, "a.txt", "a")

	require.NoError(t, os.Remove(filepath.Join(f.root, "a.txt")))
	assert.True(t, file.IsMissing())

	require.NoError(t, file.Restore())
	assert.False(t, file.IsMissing())
	assert.Equal(t, "a", f.read(t, "a.txt"))

	require.NoError(t, os.Remove(filepath.Join(f.root, "a.txt")))
	require.NoError(t, os.Mkdir(filepath.Join(f.root, "a.txt"), 0755))
	assert.True(t, file.IsObstructed())
}

func TestExportWritesNoMetadata(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, nil, Options{Export: true})
	require.NoError(t, err)
	dir, err := s.Init("http://repo/trunk", "http://repo", "uuid-1", 3)
	require.NoError(t, err)

	file, err := dir.AddFile("a.txt")
	require.NoError(t, err)
	applyText(t, file, "exported")
	require.NoError(t, dir.Merge(true))

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "exported", string(data))
	assert.NoDirExists(t, filepath.Join(root, ".wcsync"))
}
