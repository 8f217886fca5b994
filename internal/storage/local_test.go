package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/xbutler/internal/config"
	"github.com/timmy/xbutler/internal/domain"
)

func TestPartitionKey(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"cat.png", "png/cat.png", false},
		{"clip.MP4", "mp4/clip.MP4", false},
		{"archive.tar.gz", "gz/archive.tar.gz", false},
		{"noext", "", true},
		{"", "", true},
		{"../etc/passwd.txt", "", true},
		{"dir/cat.png", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PartitionKey(tt.name)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocalStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewStorage(&config.StorageConfig{Type: "local", LocalDir: dir})
	require.NoError(t, err)

	data := []byte("\x89PNG fake")
	require.NoError(t, store.Upload(ctx, "cat.png", bytes.NewReader(data), int64(len(data)), "image/png"))

	_, err = os.Stat(filepath.Join(dir, "png", "cat.png"))
	require.NoError(t, err, "object should be partitioned by extension")

	ok, err := store.Exists(ctx, "cat.png")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := store.Download(ctx, "cat.png")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, store.Upload(ctx, "cat.png", bytes.NewReader([]byte("v2")), 2, "image/png"))
	rc, err = store.Download(ctx, "cat.png")
	require.NoError(t, err)
	got, _ = io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, []byte("v2"), got, "upload replaces an existing object")

	require.NoError(t, store.Delete(ctx, "cat.png"))
	ok, err = store.Exists(ctx, "cat.png")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, store.Delete(ctx, "cat.png"))

	_, err = store.Download(ctx, "cat.png")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLocalStorageShortWrite(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	err = store.Upload(context.Background(), "a.mp4", bytes.NewReader([]byte("abc")), 10, "video/mp4")
	assert.Error(t, err)

	ok, err := store.Exists(context.Background(), "a.mp4")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewStorageRejectsUnknownType(t *testing.T) {
	_, err := NewStorage(&config.StorageConfig{Type: "ftp"})
	assert.Error(t, err)
}

func TestDetectStorageType(t *testing.T) {
	assert.Equal(t, StorageTypeR2, detectStorageType("https://acc.r2.cloudflarestorage.com"))
	assert.Equal(t, StorageTypeS3, detectStorageType("s3.us-east-1.amazonaws.com"))
	assert.Equal(t, StorageTypeS3Compatible, detectStorageType("localhost:9000"))
}
