package mediator

import (
	"bytes"
	"testing"

	"wcsync/internal/safe"
	"wcsync/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediators(t *testing.T) {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	cm, err := safe.NewCompressor(safe.DefaultCompressionOptions())
	require.NoError(t, err)

	mediators := map[string]interface {
		Mediator
		Len() int
	}{
		"memory": NewMemory(),
		"badger": NewBadger(db, cm),
	}

	for name, m := range mediators {
		t.Run(name, func(t *testing.T) {
			payloads := [][]byte{
				[]byte("small window"),
				bytes.Repeat([]byte("compressible "), 500),
				{},
			}
			var keys []string
			for _, p := range payloads {
				key, w, err := m.Create()
				require.NoError(t, err)
				_, err = w.Write(p)
				require.NoError(t, err)
				require.NoError(t, w.Close())
				keys = append(keys, key)
			}
			assert.Equal(t, len(payloads), m.Len())

			for i, key := range keys {
				data, err := m.Read(key)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(payloads[i], data))
				require.NoError(t, m.Delete(key))
			}
			assert.Equal(t, 0, m.Len())

			_, err := m.Read(keys[0])
			assert.Error(t, err)
		})
	}
}
