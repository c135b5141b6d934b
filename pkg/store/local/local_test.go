package local_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/pkgcache/pkg/store"
	"github.com/kalbasit/pkgcache/pkg/store/local"
)

func TestStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("new rejects non-absolute path", func(t *testing.T) {
		t.Parallel()

		_, err := local.New(ctx, "relative/path")
		require.ErrorIs(t, err, local.ErrPathMustBeAbsolute)
	})

	t.Run("new rejects missing path", func(t *testing.T) {
		t.Parallel()

		_, err := local.New(ctx, t.TempDir()+"/does-not-exist")
		require.ErrorIs(t, err, local.ErrPathMustExist)
	})

	t.Run("exists is false before publish", func(t *testing.T) {
		t.Parallel()

		s, err := local.New(ctx, t.TempDir())
		require.NoError(t, err)

		assert.False(t, s.Exists(ctx, "artifact/deadbeef"))
	})

	t.Run("publish then open then exists round-trips bytes", func(t *testing.T) {
		t.Parallel()

		s, err := local.New(ctx, t.TempDir())
		require.NoError(t, err)

		want := "the quick brown fox"

		n, err := s.Publish(ctx, "artifact/deadbeef", strings.NewReader(want))
		require.NoError(t, err)
		assert.Equal(t, int64(len(want)), n)

		assert.True(t, s.Exists(ctx, "artifact/deadbeef"))

		size, rc, err := s.Open(ctx, "artifact/deadbeef")
		require.NoError(t, err)

		defer rc.Close()

		assert.Equal(t, int64(len(want)), size)

		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	})

	t.Run("open of missing resource returns ErrNotFound", func(t *testing.T) {
		t.Parallel()

		s, err := local.New(ctx, t.TempDir())
		require.NoError(t, err)

		_, _, err = s.Open(ctx, "artifact/missing")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("publish replaces an existing file", func(t *testing.T) {
		t.Parallel()

		s, err := local.New(ctx, t.TempDir())
		require.NoError(t, err)

		_, err = s.Publish(ctx, "artifact/deadbeef", strings.NewReader("first"))
		require.NoError(t, err)

		_, err = s.Publish(ctx, "artifact/deadbeef", strings.NewReader("second, and longer"))
		require.NoError(t, err)

		_, rc, err := s.Open(ctx, "artifact/deadbeef")
		require.NoError(t, err)

		defer rc.Close()

		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "second, and longer", string(got))
	})

	t.Run("path traversal is rejected", func(t *testing.T) {
		t.Parallel()

		s, err := local.New(ctx, t.TempDir())
		require.NoError(t, err)

		assert.False(t, s.Exists(ctx, "../../etc/passwd"))
	})
}
