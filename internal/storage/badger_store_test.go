package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

func (r *record) GetID() string { return r.ID }

func TestBadgerStore(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	store := NewBadgerStore(db, "test")

	t.Run("Create", func(t *testing.T) {
		require.NoError(t, store.Create(&record{ID: "a", Value: "1"}))
		assert.Error(t, store.Create(&record{ID: "a", Value: "1"}))
		assert.Error(t, store.Create(&record{}))
	})

	t.Run("Put and Get", func(t *testing.T) {
		require.NoError(t, store.Put(&record{ID: "a", Value: "2"}))

		var got record
		require.NoError(t, store.Get("a", &got))
		assert.Equal(t, "2", got.Value)

		err := store.Get("missing", &got)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("PutAll and Keys", func(t *testing.T) {
		require.NoError(t, store.PutAll([]Entity{
			&record{ID: "dir/x", Value: "x"},
			&record{ID: "dir/y", Value: "y"},
		}, []string{"a"}))

		keys, err := store.Keys("dir/")
		require.NoError(t, err)
		assert.Equal(t, []string{"dir/x", "dir/y"}, keys)

		var got record
		assert.Error(t, store.Get("a", &got))
	})

	t.Run("List", func(t *testing.T) {
		var all []record
		require.NoError(t, store.List(&all))
		assert.Len(t, all, 2)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Delete("dir/x"))
		assert.True(t, errors.Is(store.Delete("dir/x"), ErrNotFound))
	})
}
