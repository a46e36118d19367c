// internal/safe/safe.go
package safe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	ErrContentNotFound = errors.New("content not found")
	ErrInvalidHash     = errors.New("invalid content hash")
)

// ContentMeta stores metadata about stored content
type ContentMeta struct {
	Hash       string    `json:"hash"`
	Size       int64     `json:"size"`
	StoredSize int64     `json:"stored_size"`
	RefCount   uint32    `json:"ref_count"`
	Compressed bool      `json:"compressed"`
	CreatedAt  time.Time `json:"created_at"`
	AccessedAt time.Time `json:"accessed_at"`
}

// Safe keeps pristine base texts, deduplicated by sha256. Content files
// live under Root, metadata in badger.
type Safe struct {
	root   string
	db     *badger.DB
	cache  *lru.Cache[string, []byte]
	cm     *Compressor
	prefix string
	mu     sync.Mutex
}

// Options configures Safe behavior
type Options struct {
	Root        string // Root directory path
	CacheSize   int    // Number of items to cache
	KeyPrefix   string // Badger key prefix for metadata
	Compression CompressionOptions
}

// New creates a new Safe instance
func New(db *badger.DB, opts Options) (*Safe, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}

	// Create content directory if it doesn't exist
	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}

	if opts.CacheSize <= 0 {
		opts.CacheSize = 128
	}
	cache, err := lru.New[string, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "content"
	}
	if opts.Compression.Level == 0 {
		opts.Compression = DefaultCompressionOptions()
	}
	cm, err := NewCompressor(opts.Compression)
	if err != nil {
		return nil, err
	}

	return &Safe{
		root:   opts.Root,
		db:     db,
		cache:  cache,
		cm:     cm,
		prefix: opts.KeyPrefix,
	}, nil
}

// Store saves content and returns its hash. name only steers the
// compression decision.
func (s *Safe) Store(name string, content []byte) (string, error) {
	if content == nil {
		content = []byte{}
	}
	hash := s.hashContent(content)

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.getMeta(hash)
	if err == nil {
		meta.RefCount++
		if err := s.storeMeta(meta); err != nil {
			return "", fmt.Errorf("incrementing ref count: %w", err)
		}
		return hash, nil
	}
	if err != ErrContentNotFound {
		return "", fmt.Errorf("checking existence: %w", err)
	}

	stored, compressed, err := s.cm.Compress(name, content)
	if err != nil {
		return "", fmt.Errorf("compressing content: %w", err)
	}

	contentPath := s.contentPath(hash)
	if err := os.MkdirAll(filepath.Dir(contentPath), 0755); err != nil {
		return "", fmt.Errorf("creating content directory: %w", err)
	}
	if err := os.WriteFile(contentPath, stored, 0644); err != nil {
		return "", fmt.Errorf("writing content file: %w", err)
	}

	now := time.Now()
	meta = ContentMeta{
		Hash:       hash,
		Size:       int64(len(content)),
		StoredSize: int64(len(stored)),
		RefCount:   1,
		Compressed: compressed,
		CreatedAt:  now,
		AccessedAt: now,
	}
	if err := s.storeMeta(meta); err != nil {
		os.Remove(contentPath)
		return "", fmt.Errorf("storing metadata: %w", err)
	}

	s.cache.Add(hash, content)
	return hash, nil
}

// Get retrieves content by hash
func (s *Safe) Get(hash string) ([]byte, error) {
	if !s.isValidHash(hash) {
		return nil, ErrInvalidHash
	}

	if content, ok := s.cache.Get(hash); ok {
		return content, nil
	}

	meta, err := s.getMeta(hash)
	if err != nil {
		return nil, fmt.Errorf("getting metadata: %w", err)
	}

	content, err := os.ReadFile(s.contentPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrContentNotFound
		}
		return nil, fmt.Errorf("reading content: %w", err)
	}

	if meta.Compressed {
		content, err = s.cm.Decompress(content)
		if err != nil {
			return nil, fmt.Errorf("decompressing content: %w", err)
		}
	}

	if s.hashContent(content) != hash {
		return nil, fmt.Errorf("content hash mismatch")
	}

	s.cache.Add(hash, content)
	return content, nil
}

// Release drops one reference and removes the content once unused.
func (s *Safe) Release(hash string) error {
	if !s.isValidHash(hash) {
		return ErrInvalidHash
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.getMeta(hash)
	if err != nil {
		return fmt.Errorf("getting metadata: %w", err)
	}

	meta.RefCount--
	if meta.RefCount > 0 {
		return s.storeMeta(meta)
	}

	if err := os.Remove(s.contentPath(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing content file: %w", err)
	}
	if err := s.deleteMeta(hash); err != nil {
		return fmt.Errorf("deleting metadata: %w", err)
	}
	s.cache.Remove(hash)
	return nil
}

// Exists checks if content exists
func (s *Safe) Exists(hash string) (bool, error) {
	if !s.isValidHash(hash) {
		return false, ErrInvalidHash
	}
	if s.cache.Contains(hash) {
		return true, nil
	}

	_, err := s.getMeta(hash)
	if err == ErrContentNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Verify checks content integrity, bypassing the cache.
func (s *Safe) Verify(hash string) error {
	s.cache.Remove(hash)
	_, err := s.Get(hash)
	return err
}

func (s *Safe) Hash(content []byte) string {
	return s.hashContent(content)
}

func (s *Safe) hashContent(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

func (s *Safe) contentPath(hash string) string {
	return filepath.Join(s.root, hash[:2], hash[2:])
}

func (s *Safe) isValidHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

func (s *Safe) metaKey(hash string) []byte {
	return []byte(fmt.Sprintf("%s:%s", s.prefix, hash))
}

func (s *Safe) storeMeta(meta ContentMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.metaKey(meta.Hash), data)
	})
}

func (s *Safe) getMeta(hash string) (ContentMeta, error) {
	var meta ContentMeta

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.metaKey(hash))
		if err == badger.ErrKeyNotFound {
			return ErrContentNotFound
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})

	return meta, err
}

func (s *Safe) deleteMeta(hash string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.metaKey(hash))
	})
}
