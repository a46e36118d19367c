package timestamp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarrier(t *testing.T) {
	b := New(20 * time.Millisecond)

	t.Run("waits for the next tick", func(t *testing.T) {
		since := time.Now()
		require.NoError(t, b.Wait(context.Background(), since))
		assert.NotEqual(t, since.Truncate(b.Granularity), time.Now().Truncate(b.Granularity))
	})

	t.Run("past tick returns at once", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, b.Wait(context.Background(), start.Add(-time.Second)))
		assert.Less(t, time.Since(start), b.Granularity)
	})

	t.Run("cancelled", func(t *testing.T) {
		slow := New(time.Hour)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, slow.Wait(ctx, time.Now()), context.Canceled)
	})

	t.Run("default granularity", func(t *testing.T) {
		assert.Equal(t, DefaultGranularity, New(0).Granularity)
	})
}
