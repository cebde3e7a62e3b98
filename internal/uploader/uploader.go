package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"carrier/internal/blobstore"
	"carrier/internal/sanitize"
)

// State is the lifecycle position of an Uploader.
type State int

const (
	StateUnset State = iota
	StateCached
	StateStored
)

func (s State) String() string {
	switch s {
	case StateCached:
		return "cached"
	case StateStored:
		return "stored"
	default:
		return "unset"
	}
}

// Env is the runtime shared by every uploader of a slot.
type Env struct {
	Cache       *CacheArea
	Backend     blobstore.Backend
	Registry    *Registry
	StorePrefix string
	Logger      *slog.Logger
}

func (e *Env) logger() *slog.Logger {
	if e == nil || e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Env) registry() *Registry {
	if e == nil || e.Registry == nil {
		return DefaultRegistry()
	}
	return e.Registry
}

// Source is what an uploader can be cached from.
type Source interface {
	isSource()
}

// FileSource is a readable byte stream with its client-supplied name.
// RemoteURL is set when the bytes came from a remote fetch.
type FileSource struct {
	Name      string
	Reader    io.Reader
	RemoteURL string
}

// CacheNameSource re-attaches a file cached earlier, "<token>/<name>".
type CacheNameSource struct {
	Name string
}

// UploaderSource copies the current bytes of another uploader.
type UploaderSource struct {
	Uploader *Uploader
}

func (FileSource) isSource()      {}
func (CacheNameSource) isSource() {}
func (UploaderSource) isSource()  {}

// Uploader is one physical file moving through unset, cached and stored,
// together with its version children.
type Uploader struct {
	def     *Definition
	env     *Env
	version string
	prefix  string
	parent  *Uploader

	identifier  string
	cacheToken  string
	filename    string
	state       State
	currentPath string
	remoteURL   string

	integrityErrors  []error
	processingErrors []error

	children []*Uploader
}

// New returns an unset uploader for def.
func New(def *Definition, env *Env) *Uploader {
	return &Uploader{def: def, env: env}
}

// RetrieveFromStore returns a stored uploader for an existing identifier.
func RetrieveFromStore(def *Definition, env *Env, identifier string) *Uploader {
	u := New(def, env)
	u.markStored(identifier)
	return u
}

func (u *Uploader) markStored(identifier string) {
	u.identifier = identifier
	u.filename = identifier
	u.state = StateStored
	u.currentPath = u.storePath(identifier)
	for _, child := range u.children {
		child.markStored(identifier)
	}
}

// Definition returns the definition driving this uploader.
func (u *Uploader) Definition() *Definition { return u.def }

// VersionName returns the version name, "" for the root.
func (u *Uploader) VersionName() string { return u.version }

// Parent returns the owning uploader of a version, nil for the root.
func (u *Uploader) Parent() *Uploader { return u.parent }

// State returns the lifecycle state.
func (u *Uploader) State() State { return u.state }

// Identifier returns the stored basename, "" until stored.
func (u *Uploader) Identifier() string { return u.identifier }

// Filename returns the sanitized file name of the root file.
func (u *Uploader) Filename() string { return u.filename }

// Path returns the current physical location: a cache path or a backend key.
func (u *Uploader) Path() string { return u.currentPath }

// CacheToken returns the token scoping the cached file.
func (u *Uploader) CacheToken() string { return u.cacheToken }

// Remote reports whether the bytes came from a remote fetch.
func (u *Uploader) Remote() bool { return u.remoteURL != "" }

// RemoteURL returns the URL the bytes were fetched from.
func (u *Uploader) RemoteURL() string { return u.remoteURL }

// IntegrityErrors returns errors recorded by the integrity checks.
func (u *Uploader) IntegrityErrors() []error { return append([]error(nil), u.integrityErrors...) }

// ProcessingErrors returns errors recorded by processing steps.
func (u *Uploader) ProcessingErrors() []error { return append([]error(nil), u.processingErrors...) }

// CacheName returns "<token>/<filename>" while cached, "" otherwise.
func (u *Uploader) CacheName() string {
	if u.cacheToken == "" || u.filename == "" || u.state != StateCached {
		return ""
	}
	return u.cacheToken + "/" + u.filename
}

// URL returns the backend URL of a stored file.
func (u *Uploader) URL() string {
	if u.state != StateStored || u.env == nil || u.env.Backend == nil {
		return ""
	}
	return u.env.Backend.URL(u.currentPath)
}

// Version returns the memoized child for name.
func (u *Uploader) Version(name string) (*Uploader, bool) {
	for _, child := range u.versions() {
		if child.version == name {
			return child, true
		}
	}
	return nil, false
}

// Versions returns every child in declaration order.
func (u *Uploader) Versions() []*Uploader {
	return append([]*Uploader(nil), u.versions()...)
}

func (u *Uploader) versions() []*Uploader {
	if u.children != nil || u.def == nil {
		return u.children
	}
	names := u.def.VersionNames()
	u.children = make([]*Uploader, 0, len(names))
	for _, name := range names {
		def, _ := u.def.Version(name)
		child := &Uploader{
			def:     def,
			env:     u.env,
			version: name,
			prefix:  u.prefix + name + "_",
			parent:  u,
		}
		switch u.state {
		case StateStored:
			child.markStored(u.identifier)
		case StateCached:
			child.state = StateCached
			child.cacheToken = u.cacheToken
			child.filename = u.filename
			child.currentPath = filepath.Join(filepath.Dir(u.currentPath), child.prefix+u.filename)
		}
		u.children = append(u.children, child)
	}
	return u.children
}

// Cache stages src under token and runs integrity checks and processing. An
// empty token allocates a fresh one. Failures leave the uploader unset.
func (u *Uploader) Cache(ctx context.Context, src Source, token string) error {
	if u.state != StateUnset {
		return ErrOccupied
	}
	if u.env == nil || u.env.Cache == nil {
		return fmt.Errorf("uploader cache area is not configured")
	}
	u.integrityErrors = nil
	u.processingErrors = nil

	switch s := src.(type) {
	case FileSource:
		return u.cacheReader(ctx, s.Name, s.Reader, s.RemoteURL, token)
	case *FileSource:
		return u.cacheReader(ctx, s.Name, s.Reader, s.RemoteURL, token)
	case CacheNameSource:
		return u.retrieveFromCache(s.Name)
	case UploaderSource:
		return u.cacheFromUploader(ctx, s.Uploader, token)
	default:
		return fmt.Errorf("unsupported source %T", src)
	}
}

func (u *Uploader) cacheFromUploader(ctx context.Context, other *Uploader, token string) error {
	if other == nil || other.state == StateUnset {
		return ErrNotCached
	}
	rc, err := other.Open(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()
	return u.cacheReader(ctx, other.filename, rc, other.remoteURL, token)
}

func (u *Uploader) cacheReader(ctx context.Context, name string, r io.Reader, remoteURL, token string) error {
	if r == nil {
		return fmt.Errorf("file source has no reader")
	}
	if token == "" {
		token = NewToken()
	}
	filename := sanitize.Name(name)
	log := u.env.logger()

	staged, err := u.env.Cache.Stage()
	if err != nil {
		return fmt.Errorf("stage upload: %w", err)
	}
	stagedPath := staged.Name()
	defer os.Remove(stagedPath)
	if _, err := io.Copy(staged, r); err != nil {
		_ = staged.Close()
		return fmt.Errorf("stage upload: %w", err)
	}
	if err := staged.Close(); err != nil {
		return fmt.Errorf("stage upload: %w", err)
	}

	if err := checkIntegrity(u.def.policy, filename, stagedPath); err != nil {
		var integrityErr *IntegrityError
		if errors.As(err, &integrityErr) {
			u.integrityErrors = append(u.integrityErrors, err)
			log.Debug("uploader.integrity_rejected", "filename", filename, "reason", integrityErr.Reason)
		}
		return err
	}

	rawDigest, err := sanitize.Digest(stagedPath)
	if err != nil {
		return fmt.Errorf("stage upload: %w", err)
	}
	dir, err := u.env.Cache.Dir(token)
	if err != nil {
		return err
	}
	unlock, err := u.env.Cache.Lock(token)
	if err != nil {
		return err
	}
	// Cached files may already be processed; match on the raw input instead.
	resolved, reused, err := sanitize.Resolve(dir, filename, func(existing string) (bool, error) {
		return u.env.Cache.sameRaw(token, filepath.Base(existing), rawDigest), nil
	})
	if err == nil && !reused {
		err = copyFile(stagedPath, filepath.Join(dir, resolved))
		if err == nil {
			err = u.env.Cache.setRawDigest(token, resolved, rawDigest)
		}
	}
	unlock()
	if err != nil {
		return fmt.Errorf("cache %s: %w", filename, err)
	}

	u.cacheToken = token
	u.filename = resolved
	u.currentPath = filepath.Join(dir, resolved)
	u.remoteURL = remoteURL
	u.state = StateCached
	u.children = nil

	if reused {
		missing := u.missingVersionPaths()
		if err := u.attachVersions(ctx, stagedPath); err != nil {
			// The root file is shared with earlier instances.
			for _, p := range missing {
				_ = os.Remove(p)
			}
			u.resetCache()
			return err
		}
		log.Debug("uploader.cache_reused", "cache_name", u.CacheName())
		return nil
	}

	// Versions start from the raw bytes, so copy them before the root chain runs.
	if err := u.copyVersions(stagedPath); err != nil {
		u.discardCache()
		return fmt.Errorf("cache versions of %s: %w", resolved, err)
	}
	if err := u.processTree(ctx, u); err != nil {
		u.discardCache()
		return err
	}
	log.Debug("uploader.cached", "cache_name", u.CacheName(), "remote", remoteURL != "")
	return nil
}

func (u *Uploader) copyVersions(rawPath string) error {
	for _, child := range u.versions() {
		if err := copyFile(rawPath, child.currentPath); err != nil {
			return err
		}
		if err := child.copyVersions(rawPath); err != nil {
			return err
		}
	}
	return nil
}

// missingVersionPaths lists version files of a cached uploader that are not
// on disk yet.
func (u *Uploader) missingVersionPaths() []string {
	var out []string
	for _, child := range u.versions() {
		if _, err := os.Stat(child.currentPath); err != nil {
			out = append(out, child.currentPath)
		}
		out = append(out, child.missingVersionPaths()...)
	}
	return out
}

// attachVersions re-links children of a reused cache path; children whose
// files are gone are rebuilt from rawPath.
func (u *Uploader) attachVersions(ctx context.Context, rawPath string) error {
	for _, child := range u.versions() {
		if _, err := os.Stat(child.currentPath); err == nil {
			if err := child.attachVersions(ctx, rawPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(rawPath, child.currentPath); err != nil {
			return err
		}
		if err := child.copyVersions(rawPath); err != nil {
			return err
		}
		if err := child.processTree(ctx, u.root()); err != nil {
			return err
		}
	}
	return nil
}

// processTree runs u's chain, then each child's, depth first. Errors are
// recorded on report.
func (u *Uploader) processTree(ctx context.Context, report *Uploader) error {
	registry := u.env.registry()
	file := &File{Path: u.currentPath, Filename: u.filename, Version: u.version}
	for _, step := range u.def.steps {
		if !step.AppliesTo(u.version) {
			continue
		}
		if err := registry.Run(ctx, step.Name, file, step.Args); err != nil {
			perr := &ProcessingError{Step: step.Name, Version: strings.TrimSuffix(u.prefix, "_"), Err: err}
			report.processingErrors = append(report.processingErrors, perr)
			u.env.logger().Debug("uploader.processing_failed", "step", step.Name, "version", perr.Version, "error", err)
			return perr
		}
	}
	for _, child := range u.versions() {
		if err := child.processTree(ctx, report); err != nil {
			return err
		}
	}
	return nil
}

func (u *Uploader) root() *Uploader {
	for u.parent != nil {
		u = u.parent
	}
	return u
}

func (u *Uploader) retrieveFromCache(cacheName string) error {
	token, name, ok := strings.Cut(strings.TrimSpace(cacheName), "/")
	if !ok || !ValidToken(token) || name == "" || sanitize.Name(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidCacheName, cacheName)
	}
	p, err := u.env.Cache.Lookup(token, name)
	if err != nil {
		return err
	}
	u.cacheToken = token
	u.filename = name
	u.currentPath = p
	u.state = StateCached
	u.children = nil
	if err := u.checkCachedVersions(); err != nil {
		u.state = StateUnset
		u.cacheToken, u.filename, u.currentPath = "", "", ""
		u.children = nil
		return err
	}
	return nil
}

func (u *Uploader) checkCachedVersions() error {
	for _, child := range u.versions() {
		if _, err := os.Stat(child.currentPath); err != nil {
			return fmt.Errorf("%w: version %s of %s is not cached", ErrInvalidCacheName, child.version, u.CacheName())
		}
		if err := child.checkCachedVersions(); err != nil {
			return err
		}
	}
	return nil
}

func (u *Uploader) discardCache() {
	u.removeCached()
	if u.cacheToken != "" {
		if unlock, err := u.env.Cache.Lock(u.cacheToken); err == nil {
			u.env.Cache.dropRawDigest(u.cacheToken, u.filename)
			unlock()
		}
	}
	u.resetCache()
}

func (u *Uploader) resetCache() {
	u.state = StateUnset
	u.cacheToken = ""
	u.filename = ""
	u.currentPath = ""
	u.remoteURL = ""
	u.children = nil
}

func (u *Uploader) removeCached() {
	for _, child := range u.children {
		child.removeCached()
	}
	if u.currentPath != "" {
		_ = os.Remove(u.currentPath)
	}
}

// Store copies the cached file and its versions to the backend under
// identifier (the cached filename when empty).
func (u *Uploader) Store(ctx context.Context, identifier string) error {
	if u.state != StateCached {
		return ErrNotCached
	}
	if u.env == nil || u.env.Backend == nil {
		return fmt.Errorf("uploader backend is not configured")
	}
	if identifier == "" {
		identifier = u.filename
	}
	if err := u.put(ctx, identifier); err != nil {
		return err
	}
	u.markStored(identifier)
	u.env.logger().Debug("uploader.stored", "identifier", identifier, "backend", u.env.Backend.Name())
	return nil
}

func (u *Uploader) put(ctx context.Context, identifier string) error {
	dest := u.storePath(identifier)
	if err := u.env.Backend.Put(ctx, u.currentPath, dest); err != nil {
		return fmt.Errorf("store %s: %w", dest, err)
	}
	for _, child := range u.versions() {
		if err := child.put(ctx, identifier); err != nil {
			return err
		}
	}
	return nil
}

func (u *Uploader) storePath(identifier string) string {
	var prefix string
	if u.env != nil {
		prefix = u.env.StorePrefix
	}
	storeDir := defaultStoreDir
	if u.def != nil {
		storeDir = u.def.storeDir
	}
	return path.Join(storeDir, prefix, u.prefix+identifier)
}

// Remove deletes the current file and every version file. Removing an unset
// uploader is a no-op.
func (u *Uploader) Remove(ctx context.Context) error {
	var errs []error
	for _, child := range u.versions() {
		if err := child.Remove(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	switch u.state {
	case StateStored:
		if err := u.env.Backend.Delete(ctx, u.currentPath); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", u.currentPath, err))
		}
	case StateCached:
		if err := os.Remove(u.currentPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", u.currentPath, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	u.state = StateUnset
	u.currentPath = ""
	u.children = nil
	return nil
}

// Open returns a reader on the current bytes.
func (u *Uploader) Open(ctx context.Context) (io.ReadCloser, error) {
	switch u.state {
	case StateStored:
		return u.env.Backend.Open(ctx, u.currentPath)
	case StateCached:
		return os.Open(u.currentPath)
	default:
		return nil, ErrNotCached
	}
}

// Exists reports whether the current file is physically present.
func (u *Uploader) Exists(ctx context.Context) (bool, error) {
	switch u.state {
	case StateStored:
		return u.env.Backend.Exists(ctx, u.currentPath)
	case StateCached:
		_, err := os.Stat(u.currentPath)
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return err == nil, err
	default:
		return false, nil
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
