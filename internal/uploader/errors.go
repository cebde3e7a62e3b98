package uploader

import (
	"errors"
	"fmt"
)

var (
	// ErrNotCached is returned when storing an uploader that holds no cached file.
	ErrNotCached = errors.New("uploader is not cached")
	// ErrInvalidCacheName is returned for malformed or expired cache names.
	ErrInvalidCacheName = errors.New("invalid cache name")
	// ErrOccupied is returned when caching into an uploader that already holds a file.
	ErrOccupied = errors.New("uploader already holds a file")
)

// IntegrityError reports a file rejected by the uploader's integrity policy.
type IntegrityError struct {
	Filename string
	Reason   string
}

func (e *IntegrityError) Error() string {
	if e == nil {
		return ""
	}
	if e.Filename == "" {
		return "integrity check failed: " + e.Reason
	}
	return fmt.Sprintf("integrity check failed for %s: %s", e.Filename, e.Reason)
}

// ProcessingError reports a processing step failure.
type ProcessingError struct {
	Step    string
	Version string
	Err     error
}

func (e *ProcessingError) Error() string {
	if e == nil {
		return ""
	}
	where := e.Step
	if e.Version != "" {
		where = e.Version + "/" + e.Step
	}
	return fmt.Sprintf("processing %s failed: %v", where, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// DownloadError reports a failed remote fetch.
type DownloadError struct {
	URL    string
	Status int
	Err    error
}

func (e *DownloadError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("download %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("download %s failed: status %d", e.URL, e.Status)
}

func (e *DownloadError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
