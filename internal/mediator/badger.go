package mediator

import (
	"fmt"
	"io"

	"wcsync/internal/safe"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	keyPrefix = "mediator:"

	flagRaw        byte = 0
	flagCompressed byte = 1
)

// Badger spills staged windows into the working copy's database,
// zstd-compressed when that pays off.
type Badger struct {
	db *badger.DB
	cm *safe.Compressor
}

func NewBadger(db *badger.DB, cm *safe.Compressor) *Badger {
	return &Badger{db: db, cm: cm}
}

func (b *Badger) key(id string) []byte {
	return []byte(keyPrefix + id)
}

func (b *Badger) Create() (string, io.WriteCloser, error) {
	id := uuid.New().String()
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(id), []byte{flagRaw})
	}); err != nil {
		return "", nil, fmt.Errorf("creating temporary location: %w", err)
	}

	return id, &blobWriter{commit: func(data []byte) error {
		stored, compressed, err := b.cm.Compress("", data)
		if err != nil {
			return err
		}
		flag := flagRaw
		if compressed {
			flag = flagCompressed
		}
		value := append([]byte{flag}, stored...)
		return b.db.Update(func(txn *badger.Txn) error {
			return txn.Set(b.key(id), value)
		})
	}}, nil
}

func (b *Badger) Read(id string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(id))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("no temporary location %s", id)
	}
	if err != nil {
		return nil, err
	}
	if len(value) == 0 {
		return nil, fmt.Errorf("temporary location %s is corrupt", id)
	}
	if value[0] == flagCompressed {
		return b.cm.Decompress(value[1:])
	}
	return value[1:], nil
}

func (b *Badger) Delete(id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.key(id))
	})
}

// Len counts live temporary locations.
func (b *Badger) Len() int {
	n := 0
	b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n
}
