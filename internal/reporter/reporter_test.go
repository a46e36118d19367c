package reporter

import (
	"context"
	"testing"

	"wcsync/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckerOrdering(t *testing.T) {
	tests := []struct {
		name    string
		descs   []Descriptor
		wantErr bool
	}{
		{
			name: "well formed",
			descs: []Descriptor{
				{Kind: KindSet, Path: "", Rev: 5},
				{Kind: KindSet, Path: "a", Rev: 4},
				{Kind: KindDelete, Path: "a/b"},
				{Kind: KindLink, Path: "c", URL: "wcsync://repo/branches/c", Rev: 5},
			},
		},
		{
			name:    "root not first",
			descs:   []Descriptor{{Kind: KindSet, Path: "a", Rev: 1}},
			wantErr: true,
		},
		{
			name:    "delete as first",
			descs:   []Descriptor{{Kind: KindDelete, Path: ""}},
			wantErr: true,
		},
		{
			name: "negative revision",
			descs: []Descriptor{
				{Kind: KindSet, Path: "", Rev: 1},
				{Kind: KindSet, Path: "a", Rev: -1},
			},
			wantErr: true,
		},
		{
			name: "duplicate path",
			descs: []Descriptor{
				{Kind: KindSet, Path: "", Rev: 1},
				{Kind: KindSet, Path: "a", Rev: 2},
				{Kind: KindDelete, Path: "a"},
			},
			wantErr: true,
		},
		{
			name: "descendant before parent",
			descs: []Descriptor{
				{Kind: KindSet, Path: "", Rev: 1},
				{Kind: KindSet, Path: "a/b", Rev: 2},
				{Kind: KindSet, Path: "a", Rev: 3},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := NewRecorder(nil)
			err := Replay(tt.descs).Report(context.Background(), NewChecker(rec))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrorTypeProtocol))
				assert.True(t, rec.Aborted())
				return
			}
			require.NoError(t, err)
			assert.True(t, rec.Finished())
			assert.Equal(t, tt.descs, rec.Descriptors())
		})
	}
}

func TestCheckerAfterFinish(t *testing.T) {
	c := NewChecker(nil)
	require.NoError(t, c.SetPath("", "", 1, false))
	require.NoError(t, c.FinishReport())
	assert.Error(t, c.SetPath("a", "", 1, false))
	assert.Error(t, c.FinishReport())
}

func TestReplayCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := NewRecorder(nil)
	err := Replay{{Kind: KindSet, Path: "", Rev: 1}}.Report(ctx, rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrorTypeCancelled))
	assert.True(t, rec.Aborted())
}
