package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"carrier/internal/uploader"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultFilename    = "download"
	defaultConcurrency = 4
)

// ErrTooLarge is returned when a response body exceeds the configured cap.
var ErrTooLarge = errors.New("remote file exceeds size limit")

// Response is the raw result of a GET.
type Response struct {
	Body   io.ReadCloser
	Status int
	Header http.Header
}

// Getter performs the HTTP request behind a fetch.
type Getter interface {
	Get(ctx context.Context, rawURL string, headers http.Header) (*Response, error)
}

// HTTPGetter is the net/http implementation of Getter.
type HTTPGetter struct {
	http      *http.Client
	userAgent string
}

// NewHTTPGetter returns a getter with the given timeout (0 uses the default).
func NewHTTPGetter(timeout time.Duration, userAgent string) *HTTPGetter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPGetter{
		http:      &http.Client{Timeout: timeout},
		userAgent: strings.TrimSpace(userAgent),
	}
}

// Get issues the request. Only http and https URLs are accepted.
func (g *HTTPGetter) Get(ctx context.Context, rawURL string, headers http.Header) (*Response, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, err
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if g.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", g.userAgent)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, err
	}
	return &Response{Body: resp.Body, Status: resp.StatusCode, Header: resp.Header}, nil
}

// Download is a fetched file waiting in a temp location.
type Download struct {
	URL      string
	Filename string
	Path     string
	Size     int64
}

// Open returns a reader on the downloaded bytes.
func (d *Download) Open() (*os.File, error) {
	return os.Open(d.Path)
}

// Close removes the temp file.
func (d *Download) Close() error {
	if d == nil || d.Path == "" {
		return nil
	}
	if err := os.Remove(d.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Options configures a Fetcher.
type Options struct {
	TempDir     string
	MaxBytes    int64
	Concurrency int
	Logger      *slog.Logger
}

// Fetcher turns URLs into local temp files.
type Fetcher struct {
	getter      Getter
	tempDir     string
	maxBytes    int64
	concurrency int
	logger      *slog.Logger
}

// NewFetcher wraps getter.
func NewFetcher(getter Getter, opts Options) *Fetcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Fetcher{
		getter:      getter,
		tempDir:     opts.TempDir,
		maxBytes:    opts.MaxBytes,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
	}
}

// Fetch downloads rawURL. Network failures and non-2xx statuses are
// returned as *uploader.DownloadError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, headers http.Header) (*Download, error) {
	resp, err := f.getter.Get(ctx, rawURL, headers)
	if err != nil {
		return nil, &uploader.DownloadError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.Status < 200 || resp.Status > 299 {
		return nil, &uploader.DownloadError{URL: rawURL, Status: resp.Status}
	}

	tmp, err := os.CreateTemp(f.tempDir, "fetch-*")
	if err != nil {
		return nil, &uploader.DownloadError{URL: rawURL, Status: resp.Status, Err: err}
	}
	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	n, err := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && f.maxBytes > 0 && n > f.maxBytes {
		err = fmt.Errorf("%w (%s)", ErrTooLarge, humanize.IBytes(uint64(f.maxBytes)))
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, &uploader.DownloadError{URL: rawURL, Status: resp.Status, Err: err}
	}

	d := &Download{
		URL:      rawURL,
		Filename: filenameFor(rawURL, resp.Header),
		Path:     tmp.Name(),
		Size:     n,
	}
	f.logger.Debug("remote.fetched", "url", rawURL, "filename", d.Filename, "size", humanize.IBytes(uint64(n)))
	return d, nil
}

// Request is one URL to fetch with its request headers.
type Request struct {
	URL    string
	Header http.Header
}

// FetchAll downloads reqs concurrently. Results are indexed like reqs; a
// failed fetch leaves a nil download and its error at the same index.
func (f *Fetcher) FetchAll(ctx context.Context, reqs []Request) ([]*Download, []error) {
	downloads := make([]*Download, len(reqs))
	errs := make([]error, len(reqs))

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			downloads[i], errs[i] = f.Fetch(ctx, req.URL, req.Header)
			return nil
		})
	}
	_ = g.Wait()
	return downloads, errs
}

func filenameFor(rawURL string, header http.Header) string {
	if disposition := header.Get("Content-Disposition"); disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := strings.TrimSpace(params["filename"]); name != "" {
				return name
			}
		}
	}
	if parsed, err := url.Parse(rawURL); err == nil {
		base := path.Base(parsed.Path)
		if unescaped, err := url.PathUnescape(base); err == nil {
			base = unescaped
		}
		if base != "" && base != "." && base != "/" {
			return base
		}
	}
	return defaultFilename
}
