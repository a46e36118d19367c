package repository_test

import (
	"context"
	"testing"
	"time"

	"wcsync/internal/delta"
	"wcsync/internal/editor"
	"wcsync/internal/errors"
	"wcsync/internal/reporter"
	"wcsync/internal/repository"
	"wcsync/internal/storage"
	"wcsync/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rootURL = "http://repo"

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) *repository.Repository {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo, err := repository.New(repository.Options{
		RootURL: rootURL,
		DB:      db,
		Clock:   func() time.Time { return epoch },
	})
	require.NoError(t, err)
	return repo
}

// seed commits trunk/a.txt, trunk/b.txt and trunk/sub/c.txt as revision 1.
func seed(t *testing.T, repo *repository.Repository) {
	ctx := context.Background()
	ed, err := repo.Session(nil).CommitEditor(ctx, transport.CommitRequest{URL: rootURL, Author: "alice", Message: "import"})
	require.NoError(t, err)
	require.NoError(t, ed.OpenRoot(-1))
	require.NoError(t, ed.AddDir("trunk", "", -1))
	addFile(t, ed, "trunk/a.txt", "alpha\n")
	addFile(t, ed, "trunk/b.txt", "beta\n")
	require.NoError(t, ed.AddDir("trunk/sub", "", -1))
	require.NoError(t, ed.ChangeDirProperty("color", editor.String("red")))
	addFile(t, ed, "trunk/sub/c.txt", "gamma\n")
	require.NoError(t, ed.CloseDir())
	require.NoError(t, ed.CloseDir())
	require.NoError(t, ed.CloseDir())
	info, err := ed.CloseEdit()
	require.NoError(t, err)
	require.Equal(t, int64(1), info.Revision)
}

func addFile(t *testing.T, ed editor.Editor, path, text string) {
	require.NoError(t, ed.AddFile(path, "", -1))
	sum, err := editor.SendText(ed, path, nil, []byte(text), "")
	require.NoError(t, err)
	require.NoError(t, ed.CloseFile(path, sum))
}

// modify commits new text for one file below trunk.
func modify(t *testing.T, conn transport.Transport, path string, rev int64, base, text string, locks map[string]string) (*editor.CommitInfo, error) {
	ed, err := conn.CommitEditor(context.Background(), transport.CommitRequest{URL: rootURL + "/trunk", Author: "bob", Locks: locks})
	require.NoError(t, err)
	if err := ed.OpenRoot(-1); err != nil {
		return nil, err
	}
	dirs := 0
	for i, c := range path {
		if c == '/' {
			require.NoError(t, ed.OpenDir(path[:i], rev))
			dirs++
		}
	}
	if err := ed.OpenFile(path, rev); err != nil {
		ed.AbortEdit()
		return nil, err
	}
	sum, err := editor.SendText(ed, path, []byte(base), []byte(text), delta.Checksum([]byte(base)))
	if err != nil {
		ed.AbortEdit()
		return nil, err
	}
	if err := ed.CloseFile(path, sum); err != nil {
		ed.AbortEdit()
		return nil, err
	}
	for i := 0; i <= dirs; i++ {
		if err := ed.CloseDir(); err != nil {
			return nil, err
		}
	}
	return ed.CloseEdit()
}

func TestCommitAndFetch(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo)
	conn := repo.Session(nil)
	ctx := context.Background()

	info, err := conn.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Latest)
	assert.Equal(t, rootURL, info.RootURL)
	assert.NotEmpty(t, info.UUID)

	text, err := conn.Fetch(ctx, rootURL+"/trunk/sub/c.txt", -1)
	require.NoError(t, err)
	assert.Equal(t, "gamma\n", string(text))

	committed, err := modify(t, conn, "a.txt", 1, "alpha\n", "alpha two\n", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), committed.Revision)
	assert.Equal(t, "bob", committed.Author)
	assert.Equal(t, epoch, committed.Date)

	text, err = conn.Fetch(ctx, rootURL+"/trunk/a.txt", 1)
	require.NoError(t, err)
	assert.Equal(t, "alpha\n", string(text), "old revisions are unchanged")
	text, err = conn.Fetch(ctx, rootURL+"/trunk/a.txt", 2)
	require.NoError(t, err)
	assert.Equal(t, "alpha two\n", string(text))

	_, err = conn.Fetch(ctx, rootURL+"/trunk/sub", 2)
	assert.True(t, errors.Is(err, errors.ErrorTypeNotFound))
	_, err = conn.Fetch(ctx, "http://elsewhere/x", 2)
	assert.True(t, errors.Is(err, errors.ErrorTypeValidation))
}

func TestOutOfDateCommit(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo)

	_, err := modify(t, repo.Session(nil), "a.txt", 1, "alpha\n", "first\n", nil)
	require.NoError(t, err)

	_, err = modify(t, repo.Session(nil), "a.txt", 1, "first\n", "second\n", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrorTypePrecondition))
	assert.Equal(t, int64(2), repo.Latest())
}

func TestBaseChecksumMismatch(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo)

	_, err := modify(t, repo.Session(nil), "a.txt", 1, "not the base\n", "x\n", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrorTypeIntegrity))
	assert.Equal(t, int64(1), repo.Latest())
}

func TestConcurrentCommitsToDifferentFiles(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo)
	ctx := context.Background()

	first, err := repo.Session(nil).CommitEditor(ctx, transport.CommitRequest{URL: rootURL + "/trunk", Author: "alice"})
	require.NoError(t, err)
	require.NoError(t, first.OpenRoot(-1))
	require.NoError(t, first.OpenFile("b.txt", 1))
	_, err = editor.SendText(first, "b.txt", []byte("beta\n"), []byte("beta two\n"), "")
	require.NoError(t, err)
	require.NoError(t, first.CloseFile("b.txt", ""))
	require.NoError(t, first.CloseDir())

	// another session commits while the first edit is open
	_, err = modify(t, repo.Session(nil), "a.txt", 1, "alpha\n", "alpha two\n", nil)
	require.NoError(t, err)

	info, err := first.CloseEdit()
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Revision)

	conn := repo.Session(nil)
	a, err := conn.Fetch(ctx, rootURL+"/trunk/a.txt", 3)
	require.NoError(t, err)
	b, err := conn.Fetch(ctx, rootURL+"/trunk/b.txt", 3)
	require.NoError(t, err)
	assert.Equal(t, "alpha two\n", string(a))
	assert.Equal(t, "beta two\n", string(b))
}

func TestSessionRunsOneOperation(t *testing.T) {
	repo := newRepo(t)
	conn := repo.Session(nil)
	ctx := context.Background()

	ed, err := conn.CommitEditor(ctx, transport.CommitRequest{URL: rootURL})
	require.NoError(t, err)
	_, err = conn.Info(ctx)
	assert.True(t, errors.Is(err, errors.ErrorTypeProtocol))

	require.NoError(t, ed.AbortEdit())
	_, err = conn.Info(ctx)
	assert.NoError(t, err)
}

func TestLocks(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo)
	conn := repo.Session(nil)
	ctx := context.Background()
	url := rootURL + "/trunk/a.txt"

	lock, err := conn.Lock(ctx, transport.LockRequest{URL: url, Owner: "alice", Comment: "editing"})
	require.NoError(t, err)
	assert.NotEmpty(t, lock.Token)
	assert.Equal(t, epoch, lock.CreationDate)

	_, err = conn.Lock(ctx, transport.LockRequest{URL: url, Owner: "bob"})
	assert.True(t, errors.Is(err, errors.ErrorTypePrecondition))

	_, err = modify(t, conn, "a.txt", 1, "alpha\n", "x\n", nil)
	assert.True(t, errors.Is(err, errors.ErrorTypePrecondition), "commit without the token")

	_, err = modify(t, conn, "a.txt", 1, "alpha\n", "x\n", map[string]string{"/trunk/a.txt": lock.Token})
	require.NoError(t, err)
	assert.Nil(t, repo.LockOf("trunk/a.txt"), "commit releases the lock")

	_, err = conn.Lock(ctx, transport.LockRequest{URL: rootURL + "/trunk/sub", Owner: "bob"})
	assert.True(t, errors.Is(err, errors.ErrorTypeNotFound), "directories cannot be locked")

	lock, err = conn.Lock(ctx, transport.LockRequest{URL: url, Owner: "bob"})
	require.NoError(t, err)
	assert.True(t, errors.Is(conn.Unlock(ctx, url, "wrong"), errors.ErrorTypePrecondition))
	require.NoError(t, conn.Unlock(ctx, url, lock.Token))
	assert.True(t, errors.Is(conn.Unlock(ctx, url, lock.Token), errors.ErrorTypeNotFound))
}

func TestDeletingLockedFileNeedsToken(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo)
	conn := repo.Session(nil)
	ctx := context.Background()

	_, err := conn.Lock(ctx, transport.LockRequest{URL: rootURL + "/trunk/sub/c.txt", Owner: "alice"})
	require.NoError(t, err)

	ed, err := conn.CommitEditor(ctx, transport.CommitRequest{URL: rootURL + "/trunk"})
	require.NoError(t, err)
	require.NoError(t, ed.OpenRoot(-1))
	require.NoError(t, ed.DeleteEntry("sub", 1))
	require.NoError(t, ed.CloseDir())
	_, err = ed.CloseEdit()
	assert.True(t, errors.Is(err, errors.ErrorTypePrecondition))
}

func TestRepositoryReopens(t *testing.T) {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	repo, err := repository.New(repository.Options{RootURL: rootURL, DB: db})
	require.NoError(t, err)
	seed(t, repo)

	again, err := repository.New(repository.Options{RootURL: rootURL, DB: db})
	require.NoError(t, err)
	assert.Equal(t, repo.UUID(), again.UUID())
	assert.Equal(t, int64(1), again.Latest())

	text, err := again.Session(nil).Fetch(context.Background(), rootURL+"/trunk/b.txt", 1)
	require.NoError(t, err)
	assert.Equal(t, "beta\n", string(text))
}

func TestCheckoutDrivesWholeTree(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo)

	rec := editor.NewRecorder(nil)
	err := repo.Session(nil).Checkout(context.Background(),
		transport.UpdateRequest{URL: rootURL + "/trunk", Revision: -1, Recursive: true}, editor.NewChecker(rec))
	require.NoError(t, err)

	ops := rec.Ops()
	assert.Contains(t, ops, "add-file a.txt")
	assert.Contains(t, ops, "add-dir sub")
	assert.Contains(t, ops, "add-file sub/c.txt")
	assert.Contains(t, ops, "change-dir-prop color")
	assert.Equal(t, "close-edit", ops[len(ops)-1])
}

func TestNonRecursiveCheckout(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo)

	rec := editor.NewRecorder(nil)
	err := repo.Session(nil).Checkout(context.Background(),
		transport.UpdateRequest{URL: rootURL + "/trunk", Revision: 1}, editor.NewChecker(rec))
	require.NoError(t, err)
	assert.Contains(t, rec.Ops(), "add-dir sub")
	assert.NotContains(t, rec.Ops(), "add-file sub/c.txt")
}

func TestUpdateSendsOnlyChanges(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo)
	conn := repo.Session(nil)
	_, err := modify(t, conn, "sub/c.txt", 1, "gamma\n", "gamma two\n", nil)
	require.NoError(t, err)

	report := reporter.Replay{{Kind: reporter.KindSet, Path: "", Rev: 1}}
	req := transport.UpdateRequest{URL: rootURL + "/trunk", Revision: 2, Recursive: true}

	rec := editor.NewRecorder(nil)
	require.NoError(t, conn.Update(context.Background(), req, report, editor.NewChecker(rec)))
	ops := rec.Ops()
	assert.Contains(t, ops, "open-dir sub")
	assert.Contains(t, ops, "apply-text-delta sub/c.txt")
	assert.Contains(t, ops, "change-file-prop sub/c.txt wc:entry:committed-rev")
	// a.txt did not change but is brought to the new revision
	assert.Contains(t, ops, "open-file a.txt")
	assert.NotContains(t, ops, "apply-text-delta a.txt")

	rec = editor.NewRecorder(nil)
	report = reporter.Replay{{Kind: reporter.KindSet, Path: "", Rev: 2}}
	require.NoError(t, conn.Update(context.Background(), req, report, editor.NewChecker(rec)))
	assert.Equal(t, []string{"target-revision", "open-root", "close-dir", "close-edit"}, rec.Ops())
}

func TestUpdateRestoresReportedDeletions(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo)

	report := reporter.Replay{
		{Kind: reporter.KindSet, Path: "", Rev: 1},
		{Kind: reporter.KindDelete, Path: "b.txt"},
		{Kind: reporter.KindSet, Path: "sub", Rev: 0},
	}
	rec := editor.NewRecorder(nil)
	err := repo.Session(nil).Update(context.Background(),
		transport.UpdateRequest{URL: rootURL + "/trunk", Revision: 1, Recursive: true}, report, editor.NewChecker(rec))
	require.NoError(t, err)
	ops := rec.Ops()
	assert.Contains(t, ops, "add-file b.txt")
	// sub did not exist in revision 0
	assert.Contains(t, ops, "add-dir sub")
	assert.NotContains(t, ops, "open-file a.txt")
}

func TestStatusSendsNoText(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo)
	conn := repo.Session(nil)
	_, err := modify(t, conn, "a.txt", 1, "alpha\n", "alpha two\n", nil)
	require.NoError(t, err)

	rec := editor.NewRecorder(nil)
	report := reporter.Replay{{Kind: reporter.KindSet, Path: "", Rev: 1}}
	err = conn.Status(context.Background(),
		transport.UpdateRequest{URL: rootURL + "/trunk", Revision: -1, Recursive: true}, report, editor.NewChecker(rec))
	require.NoError(t, err)
	assert.Contains(t, rec.Ops(), "apply-text-delta a.txt")
	assert.NotContains(t, rec.Ops(), "text-delta-chunk a.txt")
}

func TestUpdateTarget(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo)
	conn := repo.Session(nil)
	_, err := modify(t, conn, "a.txt", 1, "alpha\n", "alpha two\n", nil)
	require.NoError(t, err)
	_, err = modify(t, conn, "b.txt", 2, "beta\n", "beta two\n", nil)
	require.NoError(t, err)

	rec := editor.NewRecorder(nil)
	report := reporter.Replay{{Kind: reporter.KindSet, Path: "", Rev: 1}}
	err = conn.Update(context.Background(),
		transport.UpdateRequest{URL: rootURL + "/trunk", Target: "b.txt", Revision: -1, Recursive: true}, report, editor.NewChecker(rec))
	require.NoError(t, err)
	assert.Contains(t, rec.Ops(), "open-file b.txt")
	assert.NotContains(t, rec.Ops(), "open-file a.txt")
}

func TestBrokenLockIsReported(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo)

	rec := editor.NewRecorder(nil)
	report := reporter.Replay{
		{Kind: reporter.KindSet, Path: "", Rev: 1},
		{Kind: reporter.KindSet, Path: "a.txt", Rev: 1, LockToken: "opaquelocktoken:gone"},
	}
	err := repo.Session(nil).Update(context.Background(),
		transport.UpdateRequest{URL: rootURL + "/trunk", Revision: 1, Recursive: true}, report, editor.NewChecker(rec))
	require.NoError(t, err)
	assert.Contains(t, rec.Ops(), "change-file-prop a.txt wc:entry:lock-token")
}

func TestReportMustDescribeRoot(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo)

	rec := editor.NewRecorder(nil)
	report := reporter.Replay{{Kind: reporter.KindSet, Path: "a.txt", Rev: 1}}
	err := repo.Session(nil).Update(context.Background(),
		transport.UpdateRequest{URL: rootURL + "/trunk", Revision: 1}, report, rec)
	assert.True(t, errors.Is(err, errors.ErrorTypeProtocol))
	assert.Empty(t, rec.Ops(), "no edit starts after a bad report")
}
