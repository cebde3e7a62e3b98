package store

import (
	"context"

	"carrier/internal/mount"
)

// RecordStore abstracts record and attribute storage backends.
type RecordStore interface {
	mount.AttributeStore
	EnsureRecord(ctx context.Context, kind, recordID string) error
	GetRecord(ctx context.Context, kind, recordID string) (*Record, error)
	DeleteRecord(ctx context.Context, kind, recordID string) error
	ListAttributes(ctx context.Context, kind, recordID string) ([]Attribute, error)
	StoreInfo(ctx context.Context) (*Info, error)
}

var _ RecordStore = (*Store)(nil)
