package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned when a stored object does not exist.
var ErrNotFound = errors.New("blobstore: object not found")

// Backend is the durable storage used for stored uploads. Paths are slash
// separated and relative to the backend root.
type Backend interface {
	Put(ctx context.Context, localPath, destPath string) error
	Open(ctx context.Context, destPath string) (io.ReadCloser, error)
	Delete(ctx context.Context, destPath string) error
	Exists(ctx context.Context, destPath string) (bool, error)
	URL(destPath string) string
	Name() string
}

// CleanKey validates and normalizes a backend path.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(strings.ReplaceAll(key, `\`, "/"))
	if key == "" {
		return "", fmt.Errorf("blob key is required")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("blob key must be relative")
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid blob key")
	}
	return clean, nil
}

func joinURL(base, key string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return "/" + key
	}
	return base + "/" + key
}
