package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/timmy/xbutler/internal/domain"
)

const lockRetryDelay = 25 * time.Millisecond

// LocalStorage keeps objects under dir/<ext>/<name>.
// Writers hold an advisory file lock so the API server and the CLI can share a directory;
// readers rely on the atomic rename and never block.
type LocalStorage struct {
	dir string
}

// NewLocalStorage creates the root directory if needed.
func NewLocalStorage(dir string) (*LocalStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("local storage directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{dir: dir}, nil
}

func (s *LocalStorage) path(name string) (string, error) {
	key, err := PartitionKey(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.FromSlash(key)), nil
}

func (s *LocalStorage) lock(ctx context.Context, target string) (*flock.Flock, error) {
	l := flock.New(target + ".lock")
	ok, err := l.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", target, err)
	}
	if !ok {
		return nil, fmt.Errorf("failed to lock %s", target)
	}
	return l, nil
}

// Upload writes the object through a temp file and renames it into place.
func (s *LocalStorage) Upload(ctx context.Context, name string, reader io.Reader, size int64, contentType string) error {
	target, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create partition directory: %w", err)
	}

	l, err := s.lock(ctx, target)
	if err != nil {
		return err
	}
	defer l.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, reader)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write object %s: %w", name, err)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("short write for %s: wrote %d of %d bytes", name, written, size)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to move object %s into place: %w", name, err)
	}
	return nil
}

// Download opens the object for reading.
func (s *LocalStorage) Download(ctx context.Context, name string) (io.ReadCloser, error) {
	target, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("object %s: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open object %s: %w", name, err)
	}
	return f, nil
}

// Delete removes the object and its lock file.
func (s *LocalStorage) Delete(ctx context.Context, name string) error {
	target, err := s.path(name)
	if err != nil {
		return err
	}
	l, err := s.lock(ctx, target)
	if err != nil {
		return err
	}
	defer func() {
		l.Unlock()
		os.Remove(l.Path())
	}()

	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object %s: %w", name, err)
	}
	return nil
}

// Exists checks if the object exists.
func (s *LocalStorage) Exists(ctx context.Context, name string) (bool, error) {
	target, err := s.path(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat object %s: %w", name, err)
	}
	return true, nil
}
