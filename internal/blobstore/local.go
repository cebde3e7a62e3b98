package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const localBackendName = "local"

// Local stores objects in a directory tree on the local filesystem.
type Local struct {
	root    string
	baseURL string
}

// NewLocal creates a local backend rooted at root. baseURL prefixes URLs
// returned for stored objects.
func NewLocal(root, baseURL string) (*Local, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("local storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, ".tmp"), 0o755); err != nil {
		return nil, err
	}
	return &Local{root: abs, baseURL: baseURL}, nil
}

// Root returns the absolute storage root.
func (l *Local) Root() string {
	return l.root
}

// Name identifies the backend kind.
func (l *Local) Name() string {
	return localBackendName
}

// Put copies the file at localPath to destPath, replacing any existing object.
func (l *Local) Put(ctx context.Context, localPath, destPath string) error {
	if l == nil {
		return fmt.Errorf("blob store is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := l.pathFromKey(destPath)
	if err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Join(l.root, ".tmp"), "put-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := io.Copy(tmp, src); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		cleanup()
		return err
	}
	return nil
}

// Open returns a reader for the object at destPath.
func (l *Local) Open(ctx context.Context, destPath string) (io.ReadCloser, error) {
	if l == nil {
		return nil, fmt.Errorf("blob store is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.pathFromKey(destPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Delete removes an object. Missing files are ignored.
func (l *Local) Delete(ctx context.Context, destPath string) error {
	if l == nil {
		return fmt.Errorf("blob store is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := l.pathFromKey(destPath)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Exists reports whether an object is present at destPath.
func (l *Local) Exists(ctx context.Context, destPath string) (bool, error) {
	if l == nil {
		return false, fmt.Errorf("blob store is not configured")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := l.pathFromKey(destPath)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

// URL returns the public URL of destPath.
func (l *Local) URL(destPath string) string {
	key, err := CleanKey(destPath)
	if err != nil {
		return ""
	}
	return joinURL(l.baseURL, key)
}

func (l *Local) pathFromKey(key string) (string, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}
