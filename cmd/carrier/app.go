package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"carrier/internal/blobstore"
	"carrier/internal/config"
	"carrier/internal/manifest"
	"carrier/internal/mount"
	"carrier/internal/remote"
	"carrier/internal/store"
	"carrier/internal/uploader"
)

var errManifestMissing = errors.New("uploader manifest not found")

// app holds the runtime every record command works against.
type app struct {
	cfg      *config.Config
	store    *store.Store
	cache    *uploader.CacheArea
	backend  blobstore.Backend
	registry *uploader.Registry
	defs     map[string]*uploader.Definition
	fetcher  *remote.Fetcher
	logger   *slog.Logger
}

func withApp(cfg *config.Config, fn func(*app) error) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func openApp(cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := slog.Default()
	registry := uploader.DefaultRegistry()

	if _, err := os.Stat(cfg.ManifestPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errManifestMissing, cfg.ManifestPath)
		}
		return nil, err
	}
	defs, err := manifest.Load(cfg.ManifestPath, registry)
	if err != nil {
		return nil, err
	}

	cache, err := uploader.NewCacheArea(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	backend, err := newBackend(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	fetcher, err := newFetcher(cfg, logger)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &app{
		cfg:      cfg,
		store:    st,
		cache:    cache,
		backend:  backend,
		registry: registry,
		defs:     defs,
		fetcher:  fetcher,
		logger:   logger,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func newBackend(cfg config.StorageConfig) (blobstore.Backend, error) {
	switch cfg.Backend {
	case "s3":
		s3, err := blobstore.NewS3(blobstore.S3Config{
			Endpoint:       cfg.S3Endpoint,
			Region:         cfg.S3Region,
			Bucket:         cfg.S3Bucket,
			Prefix:         cfg.S3Prefix,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			Insecure:       cfg.S3Insecure,
			ForcePathStyle: cfg.S3ForcePathStyle,
			BaseURL:        cfg.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		return s3, nil
	default:
		local, err := blobstore.NewLocal(cfg.Root, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return local, nil
	}
}

func newFetcher(cfg *config.Config, logger *slog.Logger) (*remote.Fetcher, error) {
	timeout, err := cfg.RemoteTimeout()
	if err != nil {
		return nil, err
	}
	maxBytes, err := cfg.RemoteMaxBytes()
	if err != nil {
		return nil, err
	}
	getter := remote.NewHTTPGetter(timeout, cfg.Remote.UserAgent)
	return remote.NewFetcher(getter, remote.Options{
		MaxBytes:    maxBytes,
		Concurrency: cfg.Concurrency,
		Logger:      logger,
	}), nil
}

// host mounts every slot declared for kind on record id.
func (a *app) host(kind, id string) (*mount.Host, error) {
	mounts := a.cfg.MountsFor(kind)
	if len(mounts) == 0 {
		return nil, fmt.Errorf("no mounts declared for kind %q", kind)
	}
	env := uploader.Env{
		Cache:    a.cache,
		Backend:  a.backend,
		Registry: a.registry,
		Logger:   a.logger,
	}
	h := mount.NewHost(kind, id, a.store, env)
	for _, m := range mounts {
		def, ok := a.defs[m.Uploader]
		if !ok {
			return nil, fmt.Errorf("mount %s/%s: unknown uploader %q", kind, m.Slot, m.Uploader)
		}
		if _, err := h.Mount(m.Slot, def, mountOptions(m, a)); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (a *app) slot(kind, id, name string) (*mount.Host, *mount.Slot, error) {
	if _, ok := a.cfg.FindMount(kind, name); !ok && len(a.cfg.MountsFor(kind)) > 0 {
		return nil, nil, fmt.Errorf("slot %q is not mounted on %s", name, kind)
	}
	h, err := a.host(kind, id)
	if err != nil {
		return nil, nil, err
	}
	s, ok := h.Slot(name)
	if !ok {
		return nil, nil, fmt.Errorf("slot %q is not mounted on %s (available: %v)", name, kind, h.Slots())
	}
	return h, s, nil
}

func mountOptions(m config.MountConfig, a *app) mount.Options {
	return mount.Options{
		Multiple: m.Multiple,
		Policy: mount.Policy{
			Integrity:  errorMode(m.RaiseIntegrityErrors),
			Processing: errorMode(m.RaiseProcessingErrors),
			Download:   errorMode(m.RaiseDownloadErrors),
		},
		Concurrency: a.cfg.Concurrency,
		Fetcher:     a.fetcher,
		Logger:      a.logger,
	}
}

func errorMode(raise bool) mount.ErrorMode {
	if raise {
		return mount.Raise
	}
	return mount.Ignore
}
