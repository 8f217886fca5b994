package localdir

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/timmy/xbutler/internal/domain"
	"github.com/timmy/xbutler/internal/source"
)

// ManifestFileName is the optional JSONL manifest naming the files of a directory.
const ManifestFileName = "manifest.jsonl"

// ManifestItem represents an item in the manifest.jsonl file.
type ManifestItem struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// Adapter implements the Source interface for a local directory.
// With a manifest only the listed files are offered; otherwise every image or video
// file under the directory is, in lexical path order.
type Adapter struct {
	basePath string
	items    []source.Item
	loaded   bool
}

// NewAdapter creates a new local directory adapter.
func NewAdapter(basePath string) *Adapter {
	return &Adapter{basePath: basePath}
}

// GetSourceID returns the unique identifier for this source.
func (a *Adapter) GetSourceID() string {
	return "localdir:" + filepath.Base(a.basePath)
}

// FetchBatch fetches a batch of items from the directory.
// Parameters:
//   - ctx: context for cancellation and deadlines (unused for local reads).
//   - cursor: pagination cursor as an index string.
//   - limit: maximum number of items to fetch.
//
// Returns:
//   - []source.Item: batch of items.
//   - string: next cursor or empty if no more items.
//   - error: non-nil if listing fails.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]source.Item, string, error) {
	if !a.loaded {
		if err := a.loadItems(); err != nil {
			return nil, "", fmt.Errorf("failed to load items: %w", err)
		}
		a.loaded = true
	}

	startIndex := 0
	if cursor != "" {
		var err error
		startIndex, err = strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
	}
	if startIndex >= len(a.items) || limit <= 0 {
		return []source.Item{}, "", nil
	}

	endIndex := startIndex + limit
	if endIndex > len(a.items) {
		endIndex = len(a.items)
	}

	nextCursor := ""
	if endIndex < len(a.items) {
		nextCursor = strconv.Itoa(endIndex)
	}
	return a.items[startIndex:endIndex], nextCursor, nil
}

// GetTotalCount returns the number of items the directory offers.
func (a *Adapter) GetTotalCount() (int, error) {
	if !a.loaded {
		if err := a.loadItems(); err != nil {
			return 0, err
		}
		a.loaded = true
	}
	return len(a.items), nil
}

func (a *Adapter) loadItems() error {
	manifestPath := filepath.Join(a.basePath, ManifestFileName)
	if _, err := os.Stat(manifestPath); err == nil {
		return a.loadManifest(manifestPath)
	}
	return a.walk()
}

func (a *Adapter) walk() error {
	a.items = []source.Item{}
	err := filepath.WalkDir(a.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != a.basePath && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		contentType := domain.ContentTypeForFile(d.Name())
		if _, err := domain.ResourceTypeFromContentType(contentType); err != nil {
			return nil
		}
		rel, _ := filepath.Rel(a.basePath, path)
		a.items = append(a.items, source.Item{
			SourceID:    filepath.ToSlash(rel),
			Filename:    d.Name(),
			ContentType: contentType,
			LocalPath:   path,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", a.basePath, err)
	}
	sort.Slice(a.items, func(i, j int) bool {
		return a.items[i].SourceID < a.items[j].SourceID
	})
	return nil
}

func (a *Adapter) loadManifest(manifestPath string) error {
	file, err := os.Open(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	a.items = []source.Item{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var item ManifestItem
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			// Skip malformed lines
			continue
		}

		localPath := filepath.Join(a.basePath, item.Filename)
		if _, err := os.Stat(localPath); err != nil {
			continue
		}

		contentType := item.ContentType
		if contentType == "" {
			contentType = domain.ContentTypeForFile(item.Filename)
		}
		id := item.ID
		if id == "" {
			id = item.Filename
		}
		a.items = append(a.items, source.Item{
			SourceID:    id,
			Filename:    filepath.Base(item.Filename),
			ContentType: contentType,
			LocalPath:   localPath,
		})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading manifest: %w", err)
	}
	return nil
}
