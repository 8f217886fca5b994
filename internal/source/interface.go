package source

import "context"

// Item is one media file offered by a source for ingestion.
type Item struct {
	SourceID    string // Unique ID within the source
	Filename    string // Logical name the blob is stored under
	ContentType string // MIME type, image/* or video/*
	LocalPath   string // Local file path
}

// Source defines the interface for bulk ingestion sources.
type Source interface {
	// GetSourceID returns the unique identifier for this source.
	GetSourceID() string

	// FetchBatch fetches a batch of items starting from the given cursor.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - cursor: pagination cursor or empty for first page.
	//   - limit: maximum number of items to fetch.
	// Returns:
	//   - items: batch of items.
	//   - nextCursor: cursor for the next batch or empty if done.
	//   - err: non-nil if fetching fails.
	FetchBatch(ctx context.Context, cursor string, limit int) (items []Item, nextCursor string, err error)
}
