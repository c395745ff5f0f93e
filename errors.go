package docdigest

import "errors"

var (
	// ErrUnsupportedFormat is returned for unrecognized file formats.
	ErrUnsupportedFormat = errors.New("docdigest: unsupported document format")

	// ErrExtractionFailed is returned when the document cannot be parsed.
	// The run is aborted; nothing is summarized.
	ErrExtractionFailed = errors.New("docdigest: extraction failed")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("docdigest: invalid configuration")

	// ErrStoreDisabled is returned by store-backed operations when the
	// engine runs without persistence.
	ErrStoreDisabled = errors.New("docdigest: store is disabled")

	// ErrRunNotFound is returned when a run ID does not exist.
	ErrRunNotFound = errors.New("docdigest: run not found")

	// ErrNoResults is returned when a search yields no matching summaries.
	ErrNoResults = errors.New("docdigest: no results found")
)
