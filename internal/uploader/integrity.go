package uploader

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"carrier/internal/sanitize"
)

const sniffLen = 512

// checkIntegrity validates a staged file against policy. Extension rules run
// first, then content type, then size.
func checkIntegrity(policy Policy, filename, stagedPath string) error {
	ext := sanitize.Extension(filename)
	if len(policy.ExtensionAllowlist) > 0 && !slices.Contains(policy.ExtensionAllowlist, ext) {
		return &IntegrityError{Filename: filename, Reason: fmt.Sprintf("extension %q is not allowed", ext)}
	}
	if slices.Contains(policy.ExtensionDenylist, ext) {
		return &IntegrityError{Filename: filename, Reason: fmt.Sprintf("extension %q is denied", ext)}
	}

	if len(policy.ContentTypeAllowlist) > 0 || len(policy.ContentTypeDenylist) > 0 {
		contentType, err := sniffContentType(stagedPath)
		if err != nil {
			return err
		}
		if len(policy.ContentTypeAllowlist) > 0 && !matchesAnyMediaType(policy.ContentTypeAllowlist, contentType) {
			return &IntegrityError{Filename: filename, Reason: fmt.Sprintf("content type %s is not allowed", contentType)}
		}
		if matchesAnyMediaType(policy.ContentTypeDenylist, contentType) {
			return &IntegrityError{Filename: filename, Reason: fmt.Sprintf("content type %s is denied", contentType)}
		}
	}

	if policy.MinSize > 0 || policy.MaxSize > 0 {
		info, err := os.Stat(stagedPath)
		if err != nil {
			return err
		}
		size := info.Size()
		if policy.MinSize > 0 && size < policy.MinSize {
			return &IntegrityError{Filename: filename, Reason: fmt.Sprintf("file is smaller than %s", humanize.IBytes(uint64(policy.MinSize)))}
		}
		if policy.MaxSize > 0 && size > policy.MaxSize {
			return &IntegrityError{Filename: filename, Reason: fmt.Sprintf("file is larger than %s", humanize.IBytes(uint64(policy.MaxSize)))}
		}
	}
	return nil
}

func sniffContentType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", err
	}
	return normalizeMediaType(http.DetectContentType(buf[:n])), nil
}

func normalizeMediaType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	return strings.ToLower(parsed)
}

// matchesAnyMediaType accepts exact types and "type/*" wildcards.
func matchesAnyMediaType(patterns []string, contentType string) bool {
	for _, pattern := range patterns {
		if pattern == contentType || pattern == "*/*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "/*"); ok && strings.HasPrefix(contentType, prefix+"/") {
			return true
		}
	}
	return false
}
