package workspace_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"wcsync/internal/config"
	"wcsync/internal/editor"
	"wcsync/internal/entry"
	"wcsync/internal/errors"
	"wcsync/internal/notify"
	"wcsync/internal/repository"
	"wcsync/internal/status"
	"wcsync/internal/storage"
	"wcsync/internal/transport"
	"wcsync/internal/workspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	rootURL  = "http://repo"
	trunkURL = rootURL + "/trunk"
)

func newRepo(t *testing.T) *repository.Repository {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo, err := repository.New(repository.Options{RootURL: rootURL, DB: db})
	require.NoError(t, err)

	ed, err := repo.Session(nil).CommitEditor(context.Background(), transport.CommitRequest{URL: rootURL, Author: "alice"})
	require.NoError(t, err)
	require.NoError(t, ed.OpenRoot(-1))
	require.NoError(t, ed.AddDir("trunk", "", -1))
	addFile(t, ed, "trunk/a.txt", "alpha\n")
	addFile(t, ed, "trunk/b.txt", "beta\n")
	require.NoError(t, ed.AddDir("trunk/sub", "", -1))
	addFile(t, ed, "trunk/sub/c.txt", "gamma\n")
	require.NoError(t, ed.CloseDir())
	require.NoError(t, ed.CloseDir())
	require.NoError(t, ed.AddDir("lib", "", -1))
	addFile(t, ed, "lib/l.txt", "library\n")
	require.NoError(t, ed.CloseDir())
	require.NoError(t, ed.CloseDir())
	_, err = ed.CloseEdit()
	require.NoError(t, err)
	return repo
}

func addFile(t *testing.T, ed editor.Editor, path, text string) {
	require.NoError(t, ed.AddFile(path, "", -1))
	sum, err := editor.SendText(ed, path, nil, []byte(text), "")
	require.NoError(t, err)
	require.NoError(t, ed.CloseFile(path, sum))
}

type wcFixture struct {
	*workspace.Workspace
	dir    string
	events *notify.Collector
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Repository.User = "alice"
	cfg.WorkingCopy.TimestampGranularity = "1ms"
	return cfg
}

func open(t *testing.T, repo *repository.Repository, cfg *config.Config) *wcFixture {
	return openAt(t, repo, cfg, t.TempDir())
}

func openAt(t *testing.T, repo *repository.Repository, cfg *config.Config, dir string) *wcFixture {
	events := &notify.Collector{}
	w, err := workspace.Open(dir, repo.Session(nil), workspace.Options{Config: cfg, Listener: events})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return &wcFixture{Workspace: w, dir: dir, events: events}
}

func checkout(t *testing.T, repo *repository.Repository, cfg *config.Config) *wcFixture {
	f := open(t, repo, cfg)
	rev, err := f.Checkout(context.Background(), trunkURL, -1, true)
	require.NoError(t, err)
	require.Equal(t, repo.Latest(), rev)
	return f
}

func (f *wcFixture) write(t *testing.T, path, text string) {
	abs := filepath.Join(f.dir, filepath.FromSlash(path))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(t, os.WriteFile(abs, []byte(text), 0644))
}

func (f *wcFixture) read(t *testing.T, path string) string {
	data, err := os.ReadFile(filepath.Join(f.dir, filepath.FromSlash(path)))
	require.NoError(t, err)
	return string(data)
}

func (f *wcFixture) status(t *testing.T, opts workspace.StatusOptions) map[string]*status.Status {
	out := make(map[string]*status.Status)
	_, err := f.Status(context.Background(), "", opts, func(st *status.Status) error {
		out[st.Path] = st
		return nil
	})
	require.NoError(t, err)
	return out
}

func paths(events []notify.Event) []string {
	var out []string
	for _, e := range events {
		out = append(out, e.Path)
	}
	return out
}

func TestCheckout(t *testing.T) {
	repo := newRepo(t)
	f := checkout(t, repo, testConfig())

	assert.Equal(t, "alpha\n", f.read(t, "a.txt"))
	assert.Equal(t, "gamma\n", f.read(t, "sub/c.txt"))
	url, reposRoot, rev, err := f.Info()
	require.NoError(t, err)
	assert.Equal(t, trunkURL, url)
	assert.Equal(t, rootURL, reposRoot)
	assert.Equal(t, int64(1), rev)
	assert.Contains(t, paths(f.events.Of(notify.EventUpdated)), "sub/c.txt")
	assert.True(t, workspace.IsWorkingCopy(f.dir, nil))

	// a second checkout of another URL into the same place is refused
	_, err = f.Checkout(context.Background(), rootURL+"/lib", -1, true)
	assert.True(t, errors.Is(err, errors.ErrorTypePrecondition))
}

func TestCommitThenUpdateElsewhere(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	a := checkout(t, repo, testConfig())
	b := checkout(t, repo, testConfig())

	a.write(t, "a.txt", "alpha, edited\n")
	a.write(t, "new.txt", "fresh\n")
	require.NoError(t, a.Add("new.txt"))
	rev, err := a.Commit(ctx, nil, "edit", true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev)
	assert.ElementsMatch(t, []string{"a.txt", "new.txt"}, paths(a.events.Of(notify.EventCommitted)))

	// nothing left to send
	rev, err = a.Commit(ctx, nil, "again", true)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), rev)

	rev, err = b.Update(ctx, "", -1, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev)
	assert.Equal(t, "alpha, edited\n", b.read(t, "a.txt"))
	assert.Equal(t, "fresh\n", b.read(t, "new.txt"))
	_, _, rootRev, err := b.Info()
	require.NoError(t, err)
	assert.Equal(t, int64(2), rootRev)

	// a second update has nothing to do
	before := len(b.events.Events())
	_, err = b.Update(ctx, "", -1, true)
	require.NoError(t, err)
	assert.Len(t, b.events.Events(), before)
}

func TestUpdateRestoresMissingItems(t *testing.T) {
	repo := newRepo(t)
	f := checkout(t, repo, testConfig())

	require.NoError(t, os.Remove(filepath.Join(f.dir, "a.txt")))
	require.NoError(t, os.RemoveAll(filepath.Join(f.dir, "sub")))

	_, err := f.Update(context.Background(), "", -1, true)
	require.NoError(t, err)
	assert.Equal(t, "alpha\n", f.read(t, "a.txt"))
	assert.Equal(t, "gamma\n", f.read(t, "sub/c.txt"))

	var restored []string
	for _, e := range f.events.Of(notify.EventUpdated) {
		if e.Kind == status.Restored {
			restored = append(restored, e.Path)
		}
	}
	assert.Equal(t, []string{"a.txt"}, restored)
}

func TestMissingDirectoryDeletedInRepository(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	a := checkout(t, repo, testConfig())
	b := checkout(t, repo, testConfig())

	require.NoError(t, a.Remove("sub"))
	_, err := a.Commit(ctx, nil, "drop sub", true)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Join(b.dir, "sub")))
	_, err = b.Update(ctx, "", -1, true)
	require.NoError(t, err)

	var deleted []string
	for _, e := range b.events.Of(notify.EventUpdated) {
		if e.Kind == status.Deleted {
			deleted = append(deleted, e.Path)
		}
	}
	assert.Equal(t, []string{"sub"}, deleted)
	st := b.status(t, workspace.StatusOptions{Recursive: true})
	assert.NotContains(t, st, "sub")
}

func TestUpdateSingleFile(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	a := checkout(t, repo, testConfig())
	b := checkout(t, repo, testConfig())

	a.write(t, "a.txt", "one\n")
	a.write(t, "sub/c.txt", "two\n")
	_, err := a.Commit(ctx, nil, "two files", true)
	require.NoError(t, err)

	rev, err := b.Update(ctx, "sub/c.txt", -1, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev)
	assert.Equal(t, "two\n", b.read(t, "sub/c.txt"))
	assert.Equal(t, "alpha\n", b.read(t, "a.txt"))

	_, _, rootRev, err := b.Info()
	require.NoError(t, err)
	assert.Equal(t, int64(1), rootRev, "a target update leaves the anchor alone")
}

func TestStatus(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	a := checkout(t, repo, testConfig())
	b := checkout(t, repo, testConfig())

	a.write(t, "a.txt", "remote edit\n")
	_, err := a.Commit(ctx, nil, "edit", true)
	require.NoError(t, err)

	b.write(t, "b.txt", "local edit\n")
	b.write(t, "scratch.txt", "?")

	local := b.status(t, workspace.StatusOptions{Recursive: true})
	require.Contains(t, local, "b.txt")
	assert.Equal(t, status.Modified, local["b.txt"].Contents)
	assert.Equal(t, status.Unversioned, local["scratch.txt"].Contents)
	assert.NotContains(t, local, "a.txt")

	rev, err := b.Status(ctx, "", workspace.StatusOptions{Remote: true, Recursive: true}, func(st *status.Status) error {
		local[st.Path] = st
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev)
	require.Contains(t, local, "a.txt")
	assert.Equal(t, status.Modified, local["a.txt"].RepositoryContents)
	assert.Equal(t, "alpha\n", b.read(t, "a.txt"), "status changes nothing")
}

func TestRemoteStatusOfSubdirectory(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	a := checkout(t, repo, testConfig())
	b := checkout(t, repo, testConfig())

	a.write(t, "sub/c.txt", "remote\n")
	_, err := a.Commit(ctx, nil, "edit", true)
	require.NoError(t, err)

	got := make(map[string]*status.Status)
	_, err = b.Status(ctx, "sub", workspace.StatusOptions{Remote: true, Recursive: true}, func(st *status.Status) error {
		got[st.Path] = st
		return nil
	})
	require.NoError(t, err)
	require.Contains(t, got, "sub/c.txt")
	assert.Equal(t, status.Modified, got["sub/c.txt"].RepositoryContents)
}

func TestExport(t *testing.T) {
	repo := newRepo(t)
	dst := filepath.Join(t.TempDir(), "out")

	rev, err := workspace.Export(context.Background(), repo.Session(nil), trunkURL, dst, -1, true, workspace.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	data, err := os.ReadFile(filepath.Join(dst, "sub", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "gamma\n", string(data))
	assert.NoDirExists(t, filepath.Join(dst, ".wcsync"))
	assert.False(t, workspace.IsWorkingCopy(dst, nil))
}

func TestExternals(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	a := checkout(t, repo, testConfig())
	b := checkout(t, repo, testConfig())

	require.NoError(t, a.SetProperty("", entry.PropExternals, editor.String("vendor/lib "+rootURL+"/lib\n")))
	_, err := a.Commit(ctx, nil, "add external", true)
	require.NoError(t, err)

	_, err = b.Update(ctx, "", -1, true)
	require.NoError(t, err)
	assert.Equal(t, "library\n", b.read(t, "vendor/lib/l.txt"))
	assert.Contains(t, paths(b.events.Of(notify.EventUpdated)), "vendor/lib/l.txt")

	st := b.status(t, workspace.StatusOptions{Recursive: true, Externals: true})
	require.Contains(t, st, "vendor")
	assert.Equal(t, status.External, st["vendor"].Contents)

	// a fresh checkout pulls the external in too
	c := checkout(t, repo, testConfig())
	assert.Equal(t, "library\n", c.read(t, "vendor/lib/l.txt"))

	b.write(t, "vendor/lib/l.txt", "patched\n")
	st = b.status(t, workspace.StatusOptions{Recursive: true, Externals: true})
	require.Contains(t, st, "vendor/lib/l.txt")
	assert.Equal(t, status.Modified, st["vendor/lib/l.txt"].Contents)
}

func TestExternalsPolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  string
		wantErr bool
	}{
		{name: "log and continue", policy: "log"},
		{name: "propagate", policy: "propagate", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newRepo(t)
			ctx := context.Background()
			a := checkout(t, repo, testConfig())
			require.NoError(t, a.SetProperty("", entry.PropExternals, editor.String("other http://elsewhere/repo\n")))
			_, err := a.Commit(ctx, nil, "foreign external", true)
			require.NoError(t, err)

			cfg := testConfig()
			cfg.Externals.Policy = tt.policy
			b := open(t, repo, cfg)
			rev, err := b.Checkout(ctx, trunkURL, -1, true)
			assert.Equal(t, int64(2), rev)
			if tt.wantErr {
				assert.True(t, errors.Is(err, errors.ErrorTypePrecondition))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "alpha\n", b.read(t, "a.txt"))
		})
	}
}

func TestLockReleasedByCommit(t *testing.T) {
	tests := []struct {
		name      string
		keepLocks bool
	}{
		{name: "released"},
		{name: "kept", keepLocks: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newRepo(t)
			ctx := context.Background()
			cfg := testConfig()
			cfg.Commit.KeepLocks = tt.keepLocks
			a := checkout(t, repo, cfg)

			require.NoError(t, a.Lock(ctx, []string{"a.txt"}, "mine", false))
			held := repo.LockOf("trunk/a.txt")
			require.NotNil(t, held)
			assert.Equal(t, "alice", held.Owner)

			st := a.status(t, workspace.StatusOptions{Recursive: true})
			require.Contains(t, st, "a.txt")
			require.NotNil(t, st["a.txt"].LocalLock)
			assert.Equal(t, held.Token, st["a.txt"].LocalLock.Token)

			a.write(t, "a.txt", "locked edit\n")
			_, err := a.Commit(ctx, []string{"a.txt"}, "edit", false)
			require.NoError(t, err)

			if tt.keepLocks {
				assert.NotNil(t, repo.LockOf("trunk/a.txt"))
				require.NoError(t, a.Unlock(ctx, []string{"a.txt"}))
			}
			assert.Nil(t, repo.LockOf("trunk/a.txt"))
		})
	}
}

func TestLockedByOther(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	a := checkout(t, repo, testConfig())
	b := checkout(t, repo, testConfig())

	require.NoError(t, a.Lock(ctx, []string{"a.txt"}, "", false))
	err := b.Lock(ctx, []string{"a.txt"}, "", false)
	assert.True(t, errors.Is(err, errors.ErrorTypePrecondition))

	b.write(t, "a.txt", "sneaky\n")
	_, err = b.Commit(ctx, nil, "edit", true)
	assert.True(t, errors.Is(err, errors.ErrorTypePrecondition))

	err = b.Unlock(ctx, []string{"a.txt"})
	assert.True(t, errors.Is(err, errors.ErrorTypePrecondition))
	err = b.Lock(ctx, []string{"sub"}, "", false)
	assert.True(t, errors.Is(err, errors.ErrorTypeValidation))
}

func TestOutOfDateCommit(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	a := checkout(t, repo, testConfig())
	b := checkout(t, repo, testConfig())

	a.write(t, "a.txt", "first\n")
	_, err := a.Commit(ctx, nil, "first", true)
	require.NoError(t, err)

	b.write(t, "a.txt", "second\n")
	_, err = b.Commit(ctx, nil, "second", true)
	assert.True(t, errors.Is(err, errors.ErrorTypePrecondition))
	assert.Equal(t, "second\n", b.read(t, "a.txt"), "a failed commit keeps local changes")
}

func TestCommitVerify(t *testing.T) {
	repo := newRepo(t)
	cfg := testConfig()
	cfg.Commit.Verify = true
	cfg.Mediator.Kind = "badger"
	a := checkout(t, repo, cfg)

	a.write(t, "sub/c.txt", "verified\n")
	rev, err := a.Commit(context.Background(), []string{"sub"}, "verified", true)
	require.NoError(t, err)

	text, err := repo.Session(nil).Fetch(context.Background(), trunkURL+"/sub/c.txt", rev)
	require.NoError(t, err)
	assert.Equal(t, "verified\n", string(text))
}

func TestRelocate(t *testing.T) {
	repo := newRepo(t)
	f := checkout(t, repo, testConfig())

	require.NoError(t, f.Relocate(rootURL, "http://moved"))
	url, reposRoot, _, err := f.Info()
	require.NoError(t, err)
	assert.Equal(t, "http://moved/trunk", url)
	assert.Equal(t, "http://moved", reposRoot)

	st := f.status(t, workspace.StatusOptions{Recursive: true, IncludeUnmodified: true})
	require.Contains(t, st, "sub/c.txt")
	assert.Equal(t, "http://moved/trunk/sub/c.txt", st["sub/c.txt"].URL)
}

func TestNotAWorkingCopy(t *testing.T) {
	repo := newRepo(t)
	f := open(t, repo, testConfig())

	_, err := f.Update(context.Background(), "", -1, true)
	assert.True(t, errors.Is(err, errors.ErrorTypeNotFound))
	_, err = f.Status(context.Background(), "", workspace.StatusOptions{}, func(*status.Status) error { return nil })
	assert.True(t, errors.Is(err, errors.ErrorTypeNotFound))
}

func TestDiff(t *testing.T) {
	repo := newRepo(t)
	f := checkout(t, repo, testConfig())

	f.write(t, "a.txt", "alpha\nmore\n")
	f.write(t, "new.txt", "fresh\n")
	require.NoError(t, f.Add("new.txt"))
	require.NoError(t, f.Remove("b.txt"))

	diffs := make(map[string]*workspace.FileDiff)
	err := f.Diff(context.Background(), "", true, 3, func(d *workspace.FileDiff) error {
		diffs[d.Path] = d
		return nil
	})
	require.NoError(t, err)

	require.Contains(t, diffs, "a.txt")
	assert.Equal(t, 1, diffs["a.txt"].Additions)
	assert.Equal(t, 0, diffs["a.txt"].Deletions)
	assert.Equal(t, int64(1), diffs["a.txt"].Revision)

	require.Contains(t, diffs, "new.txt")
	assert.Equal(t, status.Added, diffs["new.txt"].Status)
	assert.Equal(t, 1, diffs["new.txt"].Additions)

	require.Contains(t, diffs, "b.txt")
	assert.Equal(t, 1, diffs["b.txt"].Deletions)
	assert.NotContains(t, diffs, "sub/c.txt")
}

func TestExternalOutsideWorkingCopyIsIgnored(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	cfg := testConfig()
	cfg.Externals.Policy = "propagate"
	a := checkout(t, repo, cfg)

	defs := "../escaped " + rootURL + "/lib\n" +
		"sub/../../../escaped2 " + rootURL + "/lib\n" +
		"/abs " + rootURL + "/lib\n" +
		"vendor/lib " + rootURL + "/lib\n"
	require.NoError(t, a.SetProperty("", entry.PropExternals, editor.String(defs)))
	_, err := a.Commit(ctx, nil, "add externals", true)
	require.NoError(t, err)

	parent := t.TempDir()
	b := openAt(t, repo, cfg, filepath.Join(parent, "wc"))
	_, err = b.Checkout(ctx, trunkURL, -1, true)
	require.NoError(t, err)
	_, err = b.Update(ctx, "", -1, true)
	require.NoError(t, err)

	assert.Equal(t, "library\n", b.read(t, "vendor/lib/l.txt"))
	for _, name := range []string{"escaped", "escaped2", "abs"} {
		assert.NoDirExists(t, filepath.Join(parent, name))
	}
	assert.NoDirExists(t, filepath.Join(b.dir, "abs"))
	assert.NoDirExists(t, "/abs")
	for _, p := range paths(b.events.Events()) {
		assert.NotContains(t, p, "..")
	}
}
