package domain

import "errors"

var (
	// ErrNotFound means the store answered and the entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable means the store could not answer; the entity may or may not exist.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrUnsupportedMediaType is returned for content types other than image/* and video/*.
	ErrUnsupportedMediaType = errors.New("unsupported media type")

	// ErrLookupFailure marks a missing seed vocabulary entry (keyword category or resource type).
	ErrLookupFailure = errors.New("seed lookup failed")

	// ErrExtractionFailure wraps failures of the keyword or embedding models.
	ErrExtractionFailure = errors.New("feature extraction failed")

	// ErrPartialCommit is returned when a write after the first one failed; compensation has been attempted.
	ErrPartialCommit = errors.New("partial commit")

	// ErrInvalidInput is returned for empty uploads or filenames without an extension.
	ErrInvalidInput = errors.New("invalid input")
)
