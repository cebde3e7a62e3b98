package uploader

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
)

const (
	stagingDirName = ".staging"
	// rawDigestDirName holds, per token, the digest of the bytes each cached
	// file was created from. sanitize.Name never yields "~".
	rawDigestDirName = "~raw"
)

var (
	tokenPattern = regexp.MustCompile(`^\d+-\d+-\d{4}-\d{4}$`)
	tokenSeq     atomic.Uint64
)

// CacheArea is the temporary directory tree holding files that have been
// cached but not yet stored. Each cache token owns one subdirectory.
type CacheArea struct {
	root string
	mu   sync.Mutex
}

// NewCacheArea prepares root for use as a cache area.
func NewCacheArea(root string) (*CacheArea, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("cache root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, stagingDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create cache area: %w", err)
	}
	return &CacheArea{root: abs}, nil
}

// Root returns the absolute cache root.
func (c *CacheArea) Root() string {
	return c.root
}

// NewToken returns a fresh cache token: <unix>-<pid>-<seq>-<rand>.
func NewToken() string {
	return newTokenAt(time.Now())
}

func newTokenAt(now time.Time) string {
	seq := tokenSeq.Add(1) % 10000
	return fmt.Sprintf("%d-%d-%04d-%04d", now.Unix(), os.Getpid(), seq, rand.IntN(10000))
}

// ValidToken reports whether token has the cache token shape.
func ValidToken(token string) bool {
	return tokenPattern.MatchString(token)
}

// TokenTime extracts the creation time embedded in a token.
func TokenTime(token string) (time.Time, bool) {
	if !ValidToken(token) {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(token[:strings.IndexByte(token, '-')], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

// Dir returns (and creates) the directory owned by token.
func (c *CacheArea) Dir(token string) (string, error) {
	if !ValidToken(token) {
		return "", fmt.Errorf("%w: token %q", ErrInvalidCacheName, token)
	}
	dir := filepath.Join(c.root, token)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Lookup returns the path of a cached file without creating anything.
func (c *CacheArea) Lookup(token, name string) (string, error) {
	if !ValidToken(token) {
		return "", fmt.Errorf("%w: token %q", ErrInvalidCacheName, token)
	}
	p := filepath.Join(c.root, token, name)
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s/%s is not cached", ErrInvalidCacheName, token, name)
	}
	return p, nil
}

// Stage creates an empty temp file used while a source is checked.
func (c *CacheArea) Stage() (*os.File, error) {
	return os.CreateTemp(filepath.Join(c.root, stagingDirName), "stage-*")
}

func (c *CacheArea) rawDigestPath(token, name string) string {
	return filepath.Join(c.root, token, rawDigestDirName, name+".b2")
}

func (c *CacheArea) setRawDigest(token, name string, digest []byte) error {
	p := c.rawDigestPath(token, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(hex.EncodeToString(digest)), 0o644)
}

// sameRaw reports whether name was cached from bytes with digest. Entries
// without a readable record never match.
func (c *CacheArea) sameRaw(token, name string, digest []byte) bool {
	data, err := os.ReadFile(c.rawDigestPath(token, name))
	if err != nil {
		return false
	}
	recorded, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	return bytes.Equal(recorded, digest)
}

func (c *CacheArea) dropRawDigest(token, name string) {
	p := c.rawDigestPath(token, name)
	_ = os.Remove(p)
	// Fails while other records remain.
	_ = os.Remove(filepath.Dir(p))
}

// Lock serializes name probing inside a token directory across goroutines
// and processes.
func (c *CacheArea) Lock(token string) (func(), error) {
	if !ValidToken(token) {
		return nil, fmt.Errorf("%w: token %q", ErrInvalidCacheName, token)
	}
	c.mu.Lock()
	fl := flock.New(filepath.Join(c.root, token+".lock"))
	if err := fl.Lock(); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("lock cache token: %w", err)
	}
	return func() {
		_ = fl.Unlock()
		c.mu.Unlock()
	}, nil
}

// CleanResult summarizes a cache sweep.
type CleanResult struct {
	DryRun         bool     `json:"dry_run"`
	CandidateCount int      `json:"candidate_count"`
	DeletedCount   int      `json:"deleted_count"`
	FailedCount    int      `json:"failed_count"`
	ReclaimedBytes int64    `json:"reclaimed_bytes"`
	Tokens         []string `json:"tokens"`
}

// Clean sweeps token directories created before olderThan ago. Without apply
// it only reports what would be removed.
func (c *CacheArea) Clean(ctx context.Context, olderThan time.Duration, apply bool) (CleanResult, error) {
	result := CleanResult{DryRun: !apply}
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return result, err
	}
	cutoff := time.Now().Add(-olderThan)

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !entry.IsDir() {
			continue
		}
		token := entry.Name()
		created, ok := TokenTime(token)
		if !ok || !created.Before(cutoff) {
			continue
		}
		dir := filepath.Join(c.root, token)
		size, err := dirSize(dir)
		if err != nil {
			result.FailedCount++
			continue
		}
		result.CandidateCount++
		result.Tokens = append(result.Tokens, token)
		if !apply {
			result.ReclaimedBytes += size
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			result.FailedCount++
			continue
		}
		lockPath := filepath.Join(c.root, token+".lock")
		if err := os.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			result.FailedCount++
		}
		result.DeletedCount++
		result.ReclaimedBytes += size
	}
	return result, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
