package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStorePutGet(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, func(key string) string { return "https://api.example.test/" + key })
	ctx := context.Background()

	url, err := store.Put(ctx, "organizations/7/invoices/42.pdf", []byte("%PDF-1"))
	require.NoError(t, err)
	require.Equal(t, "https://api.example.test/organizations/7/invoices/42.pdf", url)

	data, err := store.Get(ctx, "organizations/7/invoices/42.pdf")
	require.NoError(t, err)
	require.Equal(t, []byte("%PDF-1"), data)

	_, err = os.Stat(filepath.Join(dir, "organizations", "7", "invoices", "42.pdf"))
	require.NoError(t, err)
}

func TestFileStoreOverwriteKeepsURL(t *testing.T) {
	store := NewFileStore(t.TempDir(), nil)
	ctx := context.Background()

	first, err := store.Put(ctx, "a/b.pdf", []byte("one"))
	require.NoError(t, err)
	second, err := store.Put(ctx, "a/b.pdf", []byte("two"))
	require.NoError(t, err)
	require.Equal(t, first, second)

	data, err := store.Get(ctx, "a/b.pdf")
	require.NoError(t, err)
	require.Equal(t, "two", string(data))
}

func TestFileStoreRejectsEscapingKeys(t *testing.T) {
	store := NewFileStore(t.TempDir(), nil)
	for _, key := range []string{"", "/etc/passwd", "../x", "a/../../x", "..", `a\b`} {
		_, err := store.Put(context.Background(), key, []byte("x"))
		require.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestFileStoreMissingObject(t *testing.T) {
	store := NewFileStore(t.TempDir(), nil)
	_, err := store.Get(context.Background(), "nope.pdf")
	require.ErrorIs(t, err, ErrObjectNotFound)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	url, err := store.Put(ctx, "k.pdf", []byte("x"))
	require.NoError(t, err)
	require.Equal(t, "mem://k.pdf", url)
	_, err = store.Put(ctx, "k.pdf", []byte("y"))
	require.NoError(t, err)

	require.Equal(t, 1, store.Len())
	require.Equal(t, 2, store.Puts())

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrObjectNotFound)
}
