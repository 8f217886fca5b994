package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/timmy/xbutler/internal/domain"
)

// ObjectStorage stores raw upload bytes by logical filename.
// Implementations partition objects by the filename's extension.
type ObjectStorage interface {
	// Upload writes an object, replacing any object with the same name
	Upload(ctx context.Context, name string, reader io.Reader, size int64, contentType string) error

	// Download opens an object; a missing object yields domain.ErrNotFound
	Download(ctx context.Context, name string) (io.ReadCloser, error)

	// Delete removes an object; deleting a missing object is not an error
	Delete(ctx context.Context, name string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, name string) (bool, error)
}

// PartitionKey maps a logical filename onto its storage key, "<ext>/<name>".
// Parameters:
//   - name: logical filename such as "cat.png".
//
// Returns:
//   - string: storage key such as "png/cat.png".
//   - error: wraps domain.ErrInvalidInput when name has no extension or contains a path.
func PartitionKey(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: bad filename %q", domain.ErrInvalidInput, name)
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if ext == "" {
		return "", fmt.Errorf("%w: filename %q has no extension", domain.ErrInvalidInput, name)
	}
	return ext + "/" + name, nil
}
