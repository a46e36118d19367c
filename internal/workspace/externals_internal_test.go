package workspace

import (
	"context"
	"path/filepath"
	"testing"

	"wcsync/internal/errors"
	"wcsync/internal/externals"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExternalDir(t *testing.T) {
	root := t.TempDir()

	dir, err := externalDir(root, externals.Definition{Path: "vendor/lib"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "vendor", "lib"), dir)

	for _, p := range []string{"", "..", "../escaped", "sub/../../../escaped", "vendor/../.."} {
		_, err := externalDir(root, externals.Definition{Path: p})
		assert.True(t, errors.Is(err, errors.ErrorTypePrecondition), "path %q", p)
	}
}

func TestOpenExternalOutsideRoot(t *testing.T) {
	w := &Workspace{root: t.TempDir()}
	_, err := w.openExternal(context.Background(), externals.Definition{
		Path: "sub/../../escaped",
		URL:  "http://repo/lib",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrorTypePrecondition))
}
