package mount

import "errors"

// ErrMissingFile marks an identifier whose backing file is gone from the backend.
var ErrMissingFile = errors.New("stored file is missing")

// ErrNoFetcher is wrapped in the DownloadError of URL inputs on a slot mounted
// without a fetcher.
var ErrNoFetcher = errors.New("remote fetching is not configured")

// ErrorMode decides whether a recoverable error class is recorded or returned.
type ErrorMode int

const (
	Ignore ErrorMode = iota
	Raise
)

func (m ErrorMode) String() string {
	if m == Raise {
		return "raise"
	}
	return "ignore"
}

// Policy holds the per-slot error mode for each recoverable error class.
type Policy struct {
	Integrity  ErrorMode
	Processing ErrorMode
	Download   ErrorMode
}
