// Package repository is an in-process versioned tree. It accepts commits
// through an editor and produces update and status deltas from reported
// working copy state.
package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"wcsync/internal/errors"
	"wcsync/internal/logging"
	"wcsync/internal/session"
	"wcsync/internal/status"
	"wcsync/internal/storage"
	"wcsync/internal/transport"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Revision struct {
	Number  int64     `json:"number"`
	Author  string    `json:"author,omitempty"`
	Date    time.Time `json:"date"`
	Message string    `json:"message,omitempty"`
	Root    *Node     `json:"root"`
}

func (r *Revision) GetID() string {
	return fmt.Sprintf("%012d", r.Number)
}

type lockRecord struct {
	Path string      `json:"path"`
	Lock status.Lock `json:"lock"`
}

func (l *lockRecord) GetID() string {
	return l.Path
}

type Options struct {
	// RootURL is the URL the repository is served at.
	RootURL string
	// UUID is generated when empty and the repository is new.
	UUID string
	// DB keeps revisions and locks. Nil keeps them in memory.
	DB     *badger.DB
	Clock  func() time.Time
	Logger *logging.Logger
}

type Repository struct {
	rootURL string
	uuid    string
	clock   func() time.Time
	logger  *logging.Logger

	revisions *storage.BadgerStore
	lockStore *storage.BadgerStore

	mu    sync.RWMutex
	revs  []*Revision
	locks map[string]*status.Lock
}

type meta struct {
	UUID string `json:"uuid"`
}

func (m *meta) GetID() string {
	return "repository"
}

// New opens the repository kept in opts.DB, creating revision 0 when it
// is empty.
func New(opts Options) (*Repository, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	r := &Repository{
		rootURL: strings.TrimSuffix(opts.RootURL, "/"),
		uuid:    opts.UUID,
		clock:   opts.Clock,
		logger:  opts.Logger,
		locks:   make(map[string]*status.Lock),
	}
	if opts.DB != nil {
		r.revisions = storage.NewBadgerStore(opts.DB, "revision")
		r.lockStore = storage.NewBadgerStore(opts.DB, "lock")
		if err := r.load(storage.NewBadgerStore(opts.DB, "meta")); err != nil {
			return nil, err
		}
	}
	if r.uuid == "" {
		r.uuid = uuid.New().String()
	}
	if len(r.revs) == 0 {
		rev := &Revision{Number: 0, Date: r.clock(), Root: newDir("", 0)}
		if err := r.persist(rev); err != nil {
			return nil, err
		}
		r.revs = append(r.revs, rev)
	}
	r.logger.Info("repository ready",
		zap.String("url", r.rootURL),
		zap.String("uuid", r.uuid),
		zap.Int64("latest", r.Latest()))
	return r, nil
}

func (r *Repository) load(metaStore *storage.BadgerStore) error {
	var m meta
	switch err := metaStore.Get(m.GetID(), &m); {
	case err == nil:
		r.uuid = m.UUID
	case stderrors.Is(err, storage.ErrNotFound):
		if r.uuid == "" {
			r.uuid = uuid.New().String()
		}
		if err := metaStore.Put(&meta{UUID: r.uuid}); err != nil {
			return fmt.Errorf("saving repository uuid: %w", err)
		}
	default:
		return fmt.Errorf("loading repository uuid: %w", err)
	}

	var revs []*Revision
	if err := r.revisions.List(&revs); err != nil {
		return fmt.Errorf("loading revisions: %w", err)
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].Number < revs[j].Number })
	for i, rev := range revs {
		if rev.Number != int64(i) {
			return errors.Corruption(rev.GetID(), fmt.Sprintf("expected revision %d", i))
		}
	}
	r.revs = revs

	var locks []*lockRecord
	if err := r.lockStore.List(&locks); err != nil {
		return fmt.Errorf("loading locks: %w", err)
	}
	for _, l := range locks {
		lock := l.Lock
		r.locks[l.Path] = &lock
	}
	return nil
}

func (r *Repository) persist(rev *Revision) error {
	if r.revisions == nil {
		return nil
	}
	if err := r.revisions.Create(rev); err != nil {
		return fmt.Errorf("saving revision %d: %w", rev.Number, err)
	}
	return nil
}

func (r *Repository) RootURL() string {
	return r.rootURL
}

func (r *Repository) UUID() string {
	return r.uuid
}

func (r *Repository) Latest() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.revs) - 1)
}

// Revision returns revision n, or the latest one for a negative n.
func (r *Repository) Revision(n int64) (*Revision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revision(n)
}

func (r *Repository) revision(n int64) (*Revision, error) {
	if n < 0 {
		n = int64(len(r.revs) - 1)
	}
	if n >= int64(len(r.revs)) {
		return nil, errors.NotFound(fmt.Sprintf("no such revision %d", n))
	}
	return r.revs[n], nil
}

// Path converts a URL into a repository path without leading slash.
func (r *Repository) Path(url string) (string, error) {
	url = strings.TrimSuffix(url, "/")
	if url == r.rootURL {
		return "", nil
	}
	if !strings.HasPrefix(url, r.rootURL+"/") {
		return "", errors.ValidationError(fmt.Sprintf("%s is not in repository %s", url, r.rootURL), nil)
	}
	return strings.TrimPrefix(url, r.rootURL+"/"), nil
}

// Session opens a connection to the repository. Each connection runs one
// operation at a time.
func (r *Repository) Session(logger *logging.Logger) *Conn {
	if logger == nil {
		logger = r.logger
	}
	s := session.New(logger)
	return &Conn{repo: r, session: s, logger: s.Logger()}
}

// Conn is a session with a repository.
type Conn struct {
	repo    *Repository
	session *session.Session
	logger  *zap.Logger
}

var _ transport.Transport = (*Conn)(nil)

func (c *Conn) begin(ctx context.Context, op string) (func(), error) {
	if err := errors.Check(ctx); err != nil {
		return nil, err
	}
	return c.session.Begin(op)
}

func (c *Conn) Info(ctx context.Context) (*transport.Info, error) {
	release, err := c.begin(ctx, "info")
	if err != nil {
		return nil, err
	}
	defer release()
	return &transport.Info{RootURL: c.repo.rootURL, UUID: c.repo.uuid, Latest: c.repo.Latest()}, nil
}

func (c *Conn) Fetch(ctx context.Context, url string, rev int64) ([]byte, error) {
	release, err := c.begin(ctx, "fetch")
	if err != nil {
		return nil, err
	}
	defer release()

	path, err := c.repo.Path(url)
	if err != nil {
		return nil, err
	}
	r, err := c.repo.Revision(rev)
	if err != nil {
		return nil, err
	}
	n := lookup(r.Root, path)
	if n == nil || n.Dir {
		return nil, errors.NotFound(fmt.Sprintf("no file %s in revision %d", path, r.Number))
	}
	return append([]byte(nil), n.Text...), nil
}

func (c *Conn) Lock(ctx context.Context, req transport.LockRequest) (*status.Lock, error) {
	release, err := c.begin(ctx, "lock")
	if err != nil {
		return nil, err
	}
	defer release()

	path, err := c.repo.Path(req.URL)
	if err != nil {
		return nil, err
	}
	repo := c.repo
	repo.mu.Lock()
	defer repo.mu.Unlock()

	head := repo.revs[len(repo.revs)-1]
	if n := lookup(head.Root, path); n == nil || n.Dir {
		return nil, errors.NotFound(fmt.Sprintf("no file %s in revision %d", path, head.Number))
	}
	if held, ok := repo.locks[path]; ok && !req.Steal {
		return nil, errors.Precondition(path, "already locked by "+held.Owner)
	}
	lock := &status.Lock{
		Token:        "opaquelocktoken:" + uuid.New().String(),
		Owner:        req.Owner,
		Comment:      req.Comment,
		CreationDate: repo.clock().UTC(),
	}
	if repo.lockStore != nil {
		if err := repo.lockStore.Put(&lockRecord{Path: path, Lock: *lock}); err != nil {
			return nil, fmt.Errorf("saving lock: %w", err)
		}
	}
	repo.locks[path] = lock
	c.logger.Info("locked", zap.String("path", path), zap.String("owner", req.Owner))
	out := *lock
	return &out, nil
}

func (c *Conn) Unlock(ctx context.Context, url, token string) error {
	release, err := c.begin(ctx, "unlock")
	if err != nil {
		return err
	}
	defer release()

	path, err := c.repo.Path(url)
	if err != nil {
		return err
	}
	c.repo.mu.Lock()
	defer c.repo.mu.Unlock()
	held, ok := c.repo.locks[path]
	if !ok {
		return errors.NotFound(path + " is not locked")
	}
	if held.Token != token {
		return errors.Precondition(path, "lock token does not match")
	}
	return c.repo.unlock(path)
}

// unlock drops the lock on path. Callers hold mu.
func (r *Repository) unlock(path string) error {
	if r.lockStore != nil {
		if err := r.lockStore.Delete(path); err != nil && !stderrors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("removing lock: %w", err)
		}
	}
	delete(r.locks, path)
	return nil
}

// LockOf returns the lock held on path, or nil.
func (r *Repository) LockOf(path string) *status.Lock {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l, ok := r.locks[strings.Trim(path, "/")]; ok {
		out := *l
		return &out
	}
	return nil
}
