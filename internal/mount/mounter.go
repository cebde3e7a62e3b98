package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"carrier/internal/idcodec"
	"carrier/internal/remote"
	"carrier/internal/sanitize"
	"carrier/internal/uploader"
)

const defaultConcurrency = 4

// AttributeStore persists the identifier column of a host record.
type AttributeStore interface {
	ReadAttribute(ctx context.Context, kind, recordID, name string) (idcodec.Value, error)
	WriteAttribute(ctx context.Context, kind, recordID, name string, value idcodec.Value) error
}

// Options tunes one mounted slot.
type Options struct {
	Multiple    bool
	Policy      Policy
	Concurrency int
	Fetcher     *remote.Fetcher
	Logger      *slog.Logger
}

// Config binds a Mounter to one slot of one record.
type Config struct {
	Kind       string
	RecordID   string
	Slot       string
	Definition *uploader.Definition
	Env        *uploader.Env
	Attributes AttributeStore
	Options
}

// Mounter owns the uploaders of one slot and reconciles assignments against
// what is already stored. A Mounter is not safe for concurrent use.
type Mounter struct {
	cfg    Config
	logger *slog.Logger

	current []*uploader.Uploader
	removed []*uploader.Uploader
	column  idcodec.Value
	loaded  bool
	changed bool

	removeFlag    any
	removeFlagSet bool
	remoteURLs    []string

	integrityErrs  []error
	processingErrs []error
	downloadErrs   []error
	missingErrs    []error
}

// New returns a Mounter for cfg.
func New(cfg Config) (*Mounter, error) {
	if cfg.Definition == nil {
		return nil, fmt.Errorf("mount %s: uploader definition is required", cfg.Slot)
	}
	if cfg.Env == nil {
		return nil, fmt.Errorf("mount %s: uploader env is required", cfg.Slot)
	}
	if cfg.Attributes == nil {
		return nil, fmt.Errorf("mount %s: attribute store is required", cfg.Slot)
	}
	if strings.TrimSpace(cfg.Slot) == "" {
		return nil, fmt.Errorf("mount: slot name is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Mounter{cfg: cfg, logger: logger.With("kind", cfg.Kind, "record", cfg.RecordID, "slot", cfg.Slot)}, nil
}

// Slot returns the slot name.
func (m *Mounter) Slot() string { return m.cfg.Slot }

// Multiple reports whether the slot holds a list of files.
func (m *Mounter) Multiple() bool { return m.cfg.Multiple }

// Changed reports whether the slot has unwritten changes.
func (m *Mounter) Changed() bool { return m.changed }

// Column returns the identifier value last read or written.
func (m *Mounter) Column() idcodec.Value { return m.column }

func (m *Mounter) load(ctx context.Context) error {
	if m.loaded {
		return nil
	}
	value, err := m.cfg.Attributes.ReadAttribute(ctx, m.cfg.Kind, m.cfg.RecordID, m.cfg.Slot)
	if err != nil {
		return fmt.Errorf("read %s identifiers: %w", m.cfg.Slot, err)
	}
	ids := idcodec.DecodeIdentifiers(value)
	if !m.cfg.Multiple && len(ids) > 1 {
		ids = ids[:1]
	}
	m.current = make([]*uploader.Uploader, 0, len(ids))
	for _, id := range ids {
		m.current = append(m.current, uploader.RetrieveFromStore(m.cfg.Definition, m.cfg.Env, id))
	}
	m.column = value
	m.loaded = true
	return nil
}

// Read returns the current uploaders, hydrating them from the stored
// identifiers on first use.
func (m *Mounter) Read(ctx context.Context) ([]*uploader.Uploader, error) {
	if err := m.load(ctx); err != nil {
		return nil, err
	}
	return slices.Clone(m.current), nil
}

// Present reports whether the slot holds at least one file.
func (m *Mounter) Present(ctx context.Context) (bool, error) {
	if err := m.load(ctx); err != nil {
		return false, err
	}
	return len(m.current) > 0, nil
}

// Identifiers returns the identifiers of stored current uploaders in order.
func (m *Mounter) Identifiers(ctx context.Context) ([]string, error) {
	if err := m.load(ctx); err != nil {
		return nil, err
	}
	return storedIdentifiers(m.current), nil
}

// URLs returns one URL per stored uploader for version ("" is the root,
// nested versions are joined with "_").
func (m *Mounter) URLs(ctx context.Context, version string) ([]string, error) {
	if err := m.load(ctx); err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(m.current))
	for _, u := range m.current {
		target, ok := VersionOf(u, version)
		if !ok {
			continue
		}
		if url := target.URL(); url != "" {
			urls = append(urls, url)
		}
	}
	return urls, nil
}

// VersionOf walks a "_"-joined version path from u. "" returns u itself.
func VersionOf(u *uploader.Uploader, version string) (*uploader.Uploader, bool) {
	if version == "" {
		return u, true
	}
	target := u
	for _, name := range strings.Split(version, "_") {
		child, ok := target.Version(name)
		if !ok {
			return nil, false
		}
		target = child
	}
	return target, true
}

// Assign reconciles inputs against the current uploaders. Each input, in
// order, either yields an accepted uploader, is dropped silently, or records
// an error. Previous uploaders that are not selected again are queued for
// RemovePrevious. Under a Raise policy the offending error is returned and
// the inputs before it stay accepted.
func (m *Mounter) Assign(ctx context.Context, inputs []Input) error {
	if err := m.load(ctx); err != nil {
		return err
	}
	m.resetErrors()

	b := &batch{
		token:    uploader.NewToken(),
		previous: m.current,
		checked:  map[*uploader.Uploader]bool{},
	}
	b.downloads, b.fetchErrs = m.prefetch(ctx, inputs)
	defer b.closeDownloads()

	var accepted []*uploader.Uploader
	var fatal error
	for i, in := range inputs {
		if !m.cfg.Multiple && len(accepted) == 1 {
			break
		}
		u, err := m.resolve(ctx, b, i, in, accepted)
		if err != nil {
			if fatal = m.recordFailure(err); fatal != nil {
				break
			}
			continue
		}
		if u != nil {
			accepted = append(accepted, u)
		}
	}

	m.commit(b.previous, accepted)
	m.logger.Debug("mount.assigned", "inputs", len(inputs), "accepted", len(accepted), "queued", len(m.removed))
	return fatal
}

type batch struct {
	token     string
	previous  []*uploader.Uploader
	checked   map[*uploader.Uploader]bool
	downloads []*remote.Download
	fetchErrs []error
}

func (b *batch) closeDownloads() {
	for _, d := range b.downloads {
		_ = d.Close()
	}
}

func (m *Mounter) prefetch(ctx context.Context, inputs []Input) ([]*remote.Download, []error) {
	var reqs []remote.Request
	var index []int
	for i, in := range inputs {
		if u, ok := in.(URLInput); ok {
			reqs = append(reqs, remote.Request{URL: u.URL, Header: u.Header})
			index = append(index, i)
		}
	}
	downloads := make([]*remote.Download, len(inputs))
	errs := make([]error, len(inputs))
	if len(reqs) == 0 {
		return downloads, errs
	}
	if m.cfg.Fetcher == nil {
		for j, i := range index {
			errs[i] = &uploader.DownloadError{URL: reqs[j].URL, Err: ErrNoFetcher}
		}
		return downloads, errs
	}
	got, gotErrs := m.cfg.Fetcher.FetchAll(ctx, reqs)
	for j, i := range index {
		downloads[i], errs[i] = got[j], gotErrs[j]
	}
	return downloads, errs
}

func (m *Mounter) resolve(ctx context.Context, b *batch, i int, in Input, accepted []*uploader.Uploader) (*uploader.Uploader, error) {
	switch v := in.(type) {
	case FileInput:
		return m.cacheNew(ctx, uploader.FileSource{Name: v.Name, Reader: v.Reader}, b.token)
	case PathInput:
		f, err := os.Open(v.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", v.Path, err)
		}
		defer f.Close()
		return m.cacheNew(ctx, uploader.FileSource{Name: filepath.Base(v.Path), Reader: f}, b.token)
	case URLInput:
		if b.fetchErrs[i] != nil {
			return nil, b.fetchErrs[i]
		}
		d := b.downloads[i]
		f, err := d.Open()
		if err != nil {
			return nil, &uploader.DownloadError{URL: d.URL, Err: err}
		}
		defer f.Close()
		return m.cacheNew(ctx, uploader.FileSource{Name: d.Filename, Reader: f, RemoteURL: d.URL}, b.token)
	case CacheNameInput:
		return m.cacheNew(ctx, uploader.CacheNameSource{Name: v.Name}, b.token)
	case IdentifierInput:
		return m.reuseIdentifier(ctx, b, strings.TrimSpace(v.Identifier))
	case UploaderInput:
		if v.Uploader == nil || v.Uploader.State() == uploader.StateUnset {
			return nil, nil
		}
		if m.owns(v.Uploader, b.previous, accepted) {
			return v.Uploader, nil
		}
		return m.cacheNew(ctx, uploader.UploaderSource{Uploader: v.Uploader}, b.token)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("mount %s: unsupported input %T", m.cfg.Slot, in)
	}
}

func (m *Mounter) cacheNew(ctx context.Context, src uploader.Source, token string) (*uploader.Uploader, error) {
	u := uploader.New(m.cfg.Definition, m.cfg.Env)
	if err := u.Cache(ctx, src, token); err != nil {
		return nil, err
	}
	return u, nil
}

// reuseIdentifier looks an identifier up among the uploaders present before
// this assignment, including those already queued for removal.
func (m *Mounter) reuseIdentifier(ctx context.Context, b *batch, id string) (*uploader.Uploader, error) {
	if id == "" {
		return nil, nil
	}
	var found *uploader.Uploader
	for _, u := range slices.Concat(b.previous, m.removed) {
		if u.State() == uploader.StateStored && u.Identifier() == id {
			found = u
			break
		}
	}
	if found == nil {
		return nil, nil
	}
	exists, seen := b.checked[found]
	if !seen {
		var err error
		exists, err = found.Exists(ctx)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", id, err)
		}
		b.checked[found] = exists
		if !exists {
			m.missingErrs = append(m.missingErrs, fmt.Errorf("%w: %s", ErrMissingFile, id))
			m.logger.Warn("mount.missing_file", "identifier", id)
		}
	}
	if !exists {
		return nil, nil
	}
	return found, nil
}

func (m *Mounter) owns(u *uploader.Uploader, previous, accepted []*uploader.Uploader) bool {
	return slices.Contains(previous, u) || slices.Contains(accepted, u) || slices.Contains(m.removed, u)
}

// recordFailure files err under its class and returns nil. Under a Raise
// policy for that class, or for errors outside the recoverable classes, err
// is returned unrecorded.
func (m *Mounter) recordFailure(err error) error {
	var (
		downloadErr   *uploader.DownloadError
		integrityErr  *uploader.IntegrityError
		processingErr *uploader.ProcessingError
		mode          ErrorMode
		list          *[]error
	)
	switch {
	case errors.As(err, &downloadErr):
		mode, list = m.cfg.Policy.Download, &m.downloadErrs
	case errors.As(err, &integrityErr):
		mode, list = m.cfg.Policy.Integrity, &m.integrityErrs
	case errors.As(err, &processingErr):
		mode, list = m.cfg.Policy.Processing, &m.processingErrs
	case errors.Is(err, uploader.ErrInvalidCacheName):
		m.logger.Debug("mount.cache_name_dropped", "error", err)
		return nil
	default:
		return err
	}
	m.logger.Debug("mount.item_rejected", "error", err, "mode", mode.String())
	if mode == Raise {
		return err
	}
	*list = append(*list, err)
	return nil
}

func (m *Mounter) commit(previous, accepted []*uploader.Uploader) {
	m.removed = slices.DeleteFunc(m.removed, func(u *uploader.Uploader) bool {
		return slices.Contains(accepted, u)
	})
	for _, u := range previous {
		if slices.Contains(accepted, u) || slices.Contains(m.removed, u) {
			continue
		}
		m.removed = append(m.removed, u)
	}
	m.current = accepted
	m.changed = true
}

func (m *Mounter) resetErrors() {
	m.integrityErrs = nil
	m.processingErrs = nil
	m.downloadErrs = nil
	m.missingErrs = nil
}

// Store stores every cached uploader, then writes the identifier column.
// Filenames are deduplicated against identifiers still on the backend.
func (m *Mounter) Store(ctx context.Context) error {
	if err := m.load(ctx); err != nil {
		return err
	}
	if m.Remove() {
		m.clearCurrent()
	}

	var pending []*uploader.Uploader
	for _, u := range m.current {
		if u.State() == uploader.StateCached && !slices.Contains(pending, u) {
			pending = append(pending, u)
		}
	}
	taken := append(storedIdentifiers(m.current), storedIdentifiers(m.removed)...)
	ids := make([]string, len(pending))
	for i, u := range pending {
		ids[i] = sanitize.Deduplicate(u.Filename(), taken)
		taken = append(taken, ids[i])
	}

	errs := make([]error, len(pending))
	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for i, u := range pending {
		g.Go(func() error {
			errs[i] = u.Store(ctx, ids[i])
			return nil
		})
	}
	_ = g.Wait()
	storeErr := errors.Join(errs...)
	if storeErr != nil {
		m.logger.Error("mount.store_failed", "error", storeErr)
	}

	if err := m.WriteIdentifier(ctx); err != nil {
		return errors.Join(storeErr, err)
	}
	return storeErr
}

// WriteIdentifier writes the identifiers of stored current uploaders, or an
// absent value when the remove flag is set.
func (m *Mounter) WriteIdentifier(ctx context.Context) error {
	if err := m.load(ctx); err != nil {
		return err
	}
	applied := m.Remove()
	if applied {
		m.clearCurrent()
	}
	value := idcodec.EncodeIdentifiers(storedIdentifiers(m.current), m.cfg.Multiple)
	if err := m.cfg.Attributes.WriteAttribute(ctx, m.cfg.Kind, m.cfg.RecordID, m.cfg.Slot, value); err != nil {
		return fmt.Errorf("write %s identifiers: %w", m.cfg.Slot, err)
	}
	m.column = value
	m.changed = false
	if applied {
		m.removeFlag, m.removeFlagSet = nil, false
	}
	return nil
}

// RemovePrevious deletes every queued uploader whose file is not also held by
// a current uploader. Failed removals stay queued.
func (m *Mounter) RemovePrevious(ctx context.Context) error {
	inUse := map[string]bool{}
	for _, u := range m.current {
		if p := u.Path(); p != "" {
			inUse[p] = true
		}
	}
	var errs []error
	var kept []*uploader.Uploader
	for _, u := range m.removed {
		if inUse[u.Path()] {
			continue
		}
		if err := u.Remove(ctx); err != nil {
			errs = append(errs, err)
			kept = append(kept, u)
			continue
		}
		m.logger.Debug("mount.removed_previous", "identifier", u.Identifier())
	}
	m.removed = kept
	return errors.Join(errs...)
}

// RemoveAll deletes every current file and empties the slot.
func (m *Mounter) RemoveAll(ctx context.Context) error {
	if err := m.load(ctx); err != nil {
		return err
	}
	var errs []error
	var seen []*uploader.Uploader
	for _, u := range m.current {
		if slices.Contains(seen, u) {
			continue
		}
		seen = append(seen, u)
		if err := u.Remove(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.current = nil
	m.changed = true
	return errors.Join(errs...)
}

func (m *Mounter) clearCurrent() {
	m.commit(m.current, nil)
}

// Queued returns the uploaders waiting for RemovePrevious.
func (m *Mounter) Queued() []*uploader.Uploader {
	return slices.Clone(m.removed)
}

// SetRemoveFlag records an explicit remove request.
func (m *Mounter) SetRemoveFlag(v any) {
	m.removeFlag = v
	m.removeFlagSet = true
	m.changed = true
}

// RemoveFlag returns the raw flag and whether it was set.
func (m *Mounter) RemoveFlag() (any, bool) {
	return m.removeFlag, m.removeFlagSet
}

// Remove reports whether the remove flag is truthy.
func (m *Mounter) Remove() bool {
	return m.removeFlagSet && Truthy(m.removeFlag)
}

// CacheNames encodes the cache names of cached current uploaders.
func (m *Mounter) CacheNames() (string, error) {
	var names []string
	for _, u := range m.current {
		if name := u.CacheName(); name != "" {
			names = append(names, name)
		}
	}
	return idcodec.EncodeCacheNames(names)
}

// SetCacheNames re-attaches cached files, typically after a failed form
// submission. Multi-file slots keep their current uploaders.
func (m *Mounter) SetCacheNames(ctx context.Context, raw string) error {
	names := idcodec.DecodeCacheNames(raw)
	if len(names) == 0 {
		return nil
	}
	inputs, err := m.keptInputs(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		inputs = append(inputs, CacheNameInput{Name: name})
	}
	return m.Assign(ctx, inputs)
}

// RemoteURLs returns the URLs last passed to SetRemoteURLs.
func (m *Mounter) RemoteURLs() []string {
	return slices.Clone(m.remoteURLs)
}

// SetRemoteURLs fetches urls and assigns the downloads. Multi-file slots keep
// their current uploaders.
func (m *Mounter) SetRemoteURLs(ctx context.Context, urls []string, header http.Header) error {
	var clean []string
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			clean = append(clean, u)
		}
	}
	m.remoteURLs = clean
	if len(clean) == 0 {
		return nil
	}
	inputs, err := m.keptInputs(ctx)
	if err != nil {
		return err
	}
	for _, u := range clean {
		inputs = append(inputs, URLInput{URL: u, Header: header})
	}
	return m.Assign(ctx, inputs)
}

func (m *Mounter) keptInputs(ctx context.Context) ([]Input, error) {
	if !m.cfg.Multiple {
		return nil, nil
	}
	if err := m.load(ctx); err != nil {
		return nil, err
	}
	inputs := make([]Input, 0, len(m.current))
	for _, u := range m.current {
		inputs = append(inputs, UploaderInput{Uploader: u})
	}
	return inputs, nil
}

// IntegrityErrors returns integrity failures of the last assignment.
func (m *Mounter) IntegrityErrors() []error { return slices.Clone(m.integrityErrs) }

// ProcessingErrors returns processing failures of the last assignment.
func (m *Mounter) ProcessingErrors() []error { return slices.Clone(m.processingErrs) }

// DownloadErrors returns fetch failures of the last assignment.
func (m *Mounter) DownloadErrors() []error { return slices.Clone(m.downloadErrs) }

// MissingFileErrors returns identifiers dropped because their file was gone.
func (m *Mounter) MissingFileErrors() []error { return slices.Clone(m.missingErrs) }

func storedIdentifiers(list []*uploader.Uploader) []string {
	ids := make([]string, 0, len(list))
	for _, u := range list {
		if u.State() == uploader.StateStored && u.Identifier() != "" {
			ids = append(ids, u.Identifier())
		}
	}
	return ids
}
