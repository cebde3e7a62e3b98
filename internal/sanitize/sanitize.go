package sanitize

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"
)

const (
	placeholder = "_"
	maxVariants = 10000
)

// Name reduces a client-supplied filename to a safe single path segment.
func Name(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.LastIndexAny(raw, `/\`); i >= 0 {
		raw = raw[i+1:]
	}

	var b strings.Builder
	for _, r := range raw {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '+', r == '_':
			b.WriteRune(r)
		default:
			b.WriteString(placeholder)
		}
	}
	name := b.String()
	if name == "" || strings.Trim(name, ".") == "" {
		return placeholder
	}
	return name
}

// Split separates a name into base and extension (including the dot).
// Leading-dot names such as ".env" have no extension.
func Split(name string) (string, string) {
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return name, ""
	}
	return name[:i], name[i:]
}

// Extension returns the lowercase extension without the dot.
func Extension(name string) string {
	_, ext := Split(name)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// Variant returns the n-th disambiguated form of name: bork.txt -> bork(2).txt.
func Variant(name string, n int) string {
	if n <= 1 {
		return name
	}
	base, ext := Split(name)
	return fmt.Sprintf("%s(%d)%s", base, n, ext)
}

// Resolve finds a usable name for name inside dir. It returns the first free
// variant, or an existing variant whose content matches according to
// sameContent (reused=true).
func Resolve(dir, name string, sameContent func(existing string) (bool, error)) (string, bool, error) {
	for n := 1; n <= maxVariants; n++ {
		candidate := Variant(name, n)
		path := filepath.Join(dir, candidate)
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, false, nil
		}
		if err != nil {
			return "", false, err
		}
		if info.IsDir() || sameContent == nil {
			continue
		}
		same, err := sameContent(path)
		if err != nil {
			return "", false, err
		}
		if same {
			return candidate, true, nil
		}
	}
	return "", false, fmt.Errorf("no free name for %s", name)
}

// Deduplicate returns name, or its first variant not present in taken.
func Deduplicate(name string, taken []string) string {
	used := make(map[string]struct{}, len(taken))
	for _, t := range taken {
		used[t] = struct{}{}
	}
	for n := 1; n <= maxVariants; n++ {
		candidate := Variant(name, n)
		if _, ok := used[candidate]; !ok {
			return candidate
		}
	}
	return name
}

// Digest returns the BLAKE2b-256 digest of a file.
func Digest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
