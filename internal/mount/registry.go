package mount

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"slices"

	"carrier/internal/uploader"
)

// Slot is the set of operations bound to one mounted slot.
type Slot struct {
	Name string

	Read          func(ctx context.Context) ([]*uploader.Uploader, error)
	Assign        func(ctx context.Context, inputs ...Input) error
	Present       func(ctx context.Context) (bool, error)
	URLs          func(ctx context.Context, version string) ([]string, error)
	Identifiers   func(ctx context.Context) ([]string, error)
	CacheNames    func() (string, error)
	SetCacheNames func(ctx context.Context, raw string) error
	RemoteURLs    func() []string
	SetRemoteURLs func(ctx context.Context, urls []string, header http.Header) error

	Store           func(ctx context.Context) error
	RemovePrevious  func(ctx context.Context) error
	RemoveAll       func(ctx context.Context) error
	WriteIdentifier func(ctx context.Context) error

	RemoveFlag    func() (any, bool)
	SetRemoveFlag func(v any)
	Remove        func() bool

	IntegrityErrors   func() []error
	ProcessingErrors  func() []error
	DownloadErrors    func() []error
	MissingFileErrors func() []error

	mounter *Mounter
}

// Mounter returns the mounter behind the slot.
func (s *Slot) Mounter() *Mounter {
	return s.mounter
}

func bindSlot(m *Mounter) *Slot {
	return &Slot{
		Name: m.Slot(),
		Read: m.Read,
		Assign: func(ctx context.Context, inputs ...Input) error {
			return m.Assign(ctx, inputs)
		},
		Present:           m.Present,
		URLs:              m.URLs,
		Identifiers:       m.Identifiers,
		CacheNames:        m.CacheNames,
		SetCacheNames:     m.SetCacheNames,
		RemoteURLs:        m.RemoteURLs,
		SetRemoteURLs:     m.SetRemoteURLs,
		Store:             m.Store,
		RemovePrevious:    m.RemovePrevious,
		RemoveAll:         m.RemoveAll,
		WriteIdentifier:   m.WriteIdentifier,
		RemoveFlag:        m.RemoveFlag,
		SetRemoveFlag:     m.SetRemoveFlag,
		Remove:            m.Remove,
		IntegrityErrors:   m.IntegrityErrors,
		ProcessingErrors:  m.ProcessingErrors,
		DownloadErrors:    m.DownloadErrors,
		MissingFileErrors: m.MissingFileErrors,
		mounter:           m,
	}
}

// Host is one record carrying mounted slots.
type Host struct {
	kind  string
	id    string
	attrs AttributeStore
	env   uploader.Env
	slots map[string]*Slot
	order []string
}

// NewHost returns a host record. env is the template every slot's uploader
// env is derived from; its StorePrefix is replaced per slot.
func NewHost(kind, id string, attrs AttributeStore, env uploader.Env) *Host {
	return &Host{
		kind:  kind,
		id:    id,
		attrs: attrs,
		env:   env,
		slots: map[string]*Slot{},
	}
}

// Kind returns the record kind.
func (h *Host) Kind() string { return h.kind }

// ID returns the record id.
func (h *Host) ID() string { return h.id }

// Mount registers slot name backed by def. Files are stored under
// <kind>/<name>/<id> inside the definition's store dir.
func (h *Host) Mount(name string, def *uploader.Definition, opts Options) (*Slot, error) {
	if _, exists := h.slots[name]; exists {
		return nil, fmt.Errorf("slot %s is already mounted on %s", name, h.kind)
	}
	env := h.env
	env.StorePrefix = path.Join(h.kind, name, h.id)
	m, err := New(Config{
		Kind:       h.kind,
		RecordID:   h.id,
		Slot:       name,
		Definition: def,
		Env:        &env,
		Attributes: h.attrs,
		Options:    opts,
	})
	if err != nil {
		return nil, err
	}
	slot := bindSlot(m)
	h.slots[name] = slot
	h.order = append(h.order, name)
	return slot, nil
}

// Slot looks up a mounted slot by name.
func (h *Host) Slot(name string) (*Slot, bool) {
	s, ok := h.slots[name]
	return s, ok
}

// Slots lists slot names in mount order.
func (h *Host) Slots() []string {
	return slices.Clone(h.order)
}

// Save stores and writes every changed slot, then removes files no slot
// references anymore. Removal only runs when every store succeeded.
func (h *Host) Save(ctx context.Context) error {
	var errs []error
	for _, name := range h.order {
		m := h.slots[name].mounter
		if !m.Changed() {
			continue
		}
		if err := m.Store(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	for _, name := range h.order {
		if err := h.slots[name].mounter.RemovePrevious(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Destroy deletes every file of every slot and clears the columns.
func (h *Host) Destroy(ctx context.Context) error {
	var errs []error
	for _, name := range h.order {
		m := h.slots[name].mounter
		if err := m.RemoveAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if err := m.RemovePrevious(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		if err := m.WriteIdentifier(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
