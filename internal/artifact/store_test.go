package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"file": fs,
		"mem":  NewMemStore(),
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()

	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.Exists(ctx, "splits/train_ids.txt")
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.Load(ctx, "splits/train_ids.txt")
			assert.True(t, errors.Is(err, ErrNotFound))

			require.NoError(t, s.Store(ctx, "splits/train_ids.txt", []byte("a\nb")))
			require.NoError(t, s.Store(ctx, "splits/val_ids.txt", []byte("c")))
			require.NoError(t, s.Store(ctx, "splits2/other.txt", []byte("x")))
			require.NoError(t, s.Store(ctx, "federated/clients_10/client_00.txt", []byte("d")))

			ok, err = s.Exists(ctx, "splits/train_ids.txt")
			require.NoError(t, err)
			assert.True(t, ok)

			data, err := s.Load(ctx, "splits/train_ids.txt")
			require.NoError(t, err)
			assert.Equal(t, "a\nb", string(data))

			require.NoError(t, s.Store(ctx, "splits/train_ids.txt", []byte("z")))
			data, err = s.Load(ctx, "splits/train_ids.txt")
			require.NoError(t, err)
			assert.Equal(t, "z", string(data))

			keys, err := s.List(ctx, "splits")
			require.NoError(t, err)
			assert.Equal(t, []string{"splits/train_ids.txt", "splits/val_ids.txt"}, keys)

			keys, err = s.List(ctx, "federated/clients_10/")
			require.NoError(t, err)
			assert.Equal(t, []string{"federated/clients_10/client_00.txt"}, keys)

			keys, err = s.List(ctx, "missing")
			require.NoError(t, err)
			assert.Empty(t, keys)

			n, err := ExistsAll(ctx, s, "splits/train_ids.txt", "splits/val_ids.txt", "splits/test_ids.txt")
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}

func TestInvalidKeys(t *testing.T) {
	ctx := context.Background()

	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "../escape.txt", "/abs/path", "a/../../b"} {
				err := s.Store(ctx, key, []byte("x"))
				assert.True(t, errors.Is(err, ErrInvalidKey), "key %q: %v", key, err)
			}
		})
	}
}

func TestFileStoreLayout(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStore(root)
	require.NoError(t, err)

	require.NoError(t, s.Store(context.Background(), Key("federated", "clients_20", "client_03.txt"), []byte("id_1")))

	data, err := os.ReadFile(filepath.Join(root, "federated", "clients_20", "client_03.txt"))
	require.NoError(t, err)
	assert.Equal(t, "id_1", string(data))

	// No temporary files are left behind.
	entries, err := os.ReadDir(filepath.Join(root, "federated", "clients_20"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStoreExistsIgnoresDirectories(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStore(root)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "splits"), 0o755))

	ok, err := s.Exists(context.Background(), "splits")
	require.NoError(t, err)
	assert.False(t, ok)
}
