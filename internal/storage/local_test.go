package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		in   string
		base string
		ext  string
	}{
		{"report.pdf", "report", ".pdf"},
		{"Relevé de compte.PDF", "Releve_de_compte", ".PDF"},
		{"../../etc/passwd", "passwd", ""},
		{"", "file", ""},
		{"###.txt", "file", ".txt"},
		{".env", "_env", ""},
		{"archive.tar.gz", "archive_tar", ".gz"},
		{strings.Repeat("a", 100) + ".png", strings.Repeat("a", 60), ".png"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			base, ext := SafeFilename(tt.in)
			assert.Equal(t, tt.base, base)
			assert.Equal(t, tt.ext, ext)
		})
	}
}

func TestLocalStoreSave(t *testing.T) {
	root := t.TempDir()
	fixed := time.UnixMilli(1_700_000_000_123)
	store, err := NewLocalStore(root, WithStoreClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	saved, err := store.Save(context.Background(), "doc-collection-comments", "Bank Statement.pdf", []byte("%PDF"))
	require.NoError(t, err)
	assert.Equal(t, "Bank Statement.pdf", saved.Name)
	assert.Equal(t, int64(4), saved.Size)
	assert.True(t, strings.HasPrefix(saved.URL, "/uploads/doc-collection-comments/Bank_Statement-1700000000123-"), saved.URL)
	assert.True(t, strings.HasSuffix(saved.URL, ".pdf"))

	name := filepath.Base(saved.URL)
	data, err := os.ReadFile(filepath.Join(root, "doc-collection-comments", name))
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF"), data)

	again, err := store.Save(context.Background(), "doc-collection-comments", "Bank Statement.pdf", []byte("%PDF"))
	require.NoError(t, err)
	assert.NotEqual(t, saved.URL, again.URL)
}

func TestLocalStoreRejectsOversize(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(root, WithMaxBytes(8))
	require.NoError(t, err)

	_, err = store.Save(context.Background(), "in", "big.bin", make([]byte, 9))
	require.ErrorIs(t, err, ErrAttachmentTooLarge)

	_, statErr := os.Stat(filepath.Join(root, "in"))
	assert.True(t, os.IsNotExist(statErr), "nothing is written for rejected files")

	_, err = store.Save(context.Background(), "in", "ok.bin", make([]byte, 8))
	require.NoError(t, err)
}

func TestLocalStoreRejectsEscapingFolder(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), WithPublicPrefix("/files/"))
	require.NoError(t, err)
	assert.Equal(t, "/files", store.PublicPrefix())

	for _, folder := range []string{"", "..", "../outside", "a/../../b"} {
		_, err := store.Save(context.Background(), folder, "x.txt", []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidFolder, folder)
	}

	saved, err := store.Save(context.Background(), "/nested/dir/", "x.txt", []byte("x"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(saved.URL, "/files/nested/dir/x-"))
}

func TestLocalStoreHonoursContext(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Save(ctx, "in", "x.txt", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
