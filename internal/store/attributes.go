package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"carrier/internal/idcodec"
)

// Attribute is one persisted slot column.
type Attribute struct {
	Kind      string        `json:"kind"`
	RecordID  string        `json:"record_id"`
	Name      string        `json:"name"`
	Value     idcodec.Value `json:"-"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Record is a host record known to the store.
type Record struct {
	Kind      string    `json:"kind"`
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Info summarizes store contents.
type Info struct {
	Path           string `json:"path"`
	SchemaVersion  int    `json:"schema_version"`
	RecordCount    int    `json:"record_count"`
	AttributeCount int    `json:"attribute_count"`
}

func validateKey(kind, recordID string) error {
	if strings.TrimSpace(kind) == "" {
		return fmt.Errorf("record kind is required")
	}
	if strings.TrimSpace(recordID) == "" {
		return fmt.Errorf("record id is required")
	}
	return nil
}

// EnsureRecord creates the record row if it does not exist yet.
func (s *Store) EnsureRecord(ctx context.Context, kind, recordID string) error {
	if err := validateKey(kind, recordID); err != nil {
		return err
	}
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO records (kind, id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		kind, recordID, now, now)
	return err
}

// GetRecord returns a record, or nil when it does not exist.
func (s *Store) GetRecord(ctx context.Context, kind, recordID string) (*Record, error) {
	var createdAt, updatedAt string
	rec := &Record{Kind: kind, ID: recordID}
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM records WHERE kind = ? AND id = ?`,
		kind, recordID).Scan(&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return rec, nil
}

// DeleteRecord removes a record and every attribute it carries.
func (s *Store) DeleteRecord(ctx context.Context, kind, recordID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND id = ?`, kind, recordID)
	return err
}

// ReadAttribute returns the stored value of one attribute. A missing row
// reads as an absent value.
func (s *Store) ReadAttribute(ctx context.Context, kind, recordID, name string) (idcodec.Value, error) {
	var valueKind, valueText string
	err := s.db.QueryRowContext(ctx,
		`SELECT value_kind, value_text FROM record_attributes WHERE kind = ? AND record_id = ? AND name = ?`,
		kind, recordID, name).Scan(&valueKind, &valueText)
	if errors.Is(err, sql.ErrNoRows) {
		return idcodec.Value{}, nil
	}
	if err != nil {
		return idcodec.Value{}, err
	}
	value, err := idcodec.ParseText(valueKind, valueText)
	if err != nil {
		return idcodec.Value{}, fmt.Errorf("attribute %s/%s/%s: %w", kind, recordID, name, err)
	}
	return value, nil
}

// WriteAttribute upserts one attribute, creating the record on first write.
// Writing an absent value deletes the row.
func (s *Store) WriteAttribute(ctx context.Context, kind, recordID, name string, value idcodec.Value) (err error) {
	if err := validateKey(kind, recordID); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("attribute name is required")
	}
	text, err := value.Text()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := formatTime(time.Now())
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO records (kind, id, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(kind, id) DO UPDATE SET updated_at = excluded.updated_at`,
		kind, recordID, now, now); err != nil {
		return err
	}

	if !value.Present() {
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM record_attributes WHERE kind = ? AND record_id = ? AND name = ?`,
			kind, recordID, name); err != nil {
			return err
		}
		return tx.Commit()
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO record_attributes (kind, record_id, name, value_kind, value_text, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(kind, record_id, name) DO UPDATE SET
		   value_kind = excluded.value_kind,
		   value_text = excluded.value_text,
		   updated_at = excluded.updated_at`,
		kind, recordID, name, value.Kind(), text, now); err != nil {
		return err
	}
	return tx.Commit()
}

// ListAttributes returns every attribute of a record ordered by name.
func (s *Store) ListAttributes(ctx context.Context, kind, recordID string) ([]Attribute, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value_kind, value_text, updated_at FROM record_attributes
		 WHERE kind = ? AND record_id = ? ORDER BY name`,
		kind, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attribute
	for rows.Next() {
		var name, valueKind, valueText, updatedAt string
		if err := rows.Scan(&name, &valueKind, &valueText, &updatedAt); err != nil {
			return nil, err
		}
		value, err := idcodec.ParseText(valueKind, valueText)
		if err != nil {
			return nil, fmt.Errorf("attribute %s/%s/%s: %w", kind, recordID, name, err)
		}
		parsed, err := parseTime(updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, Attribute{
			Kind:      kind,
			RecordID:  recordID,
			Name:      name,
			Value:     value,
			UpdatedAt: parsed,
		})
	}
	return out, rows.Err()
}

// StoreInfo returns summary counts for the store.
func (s *Store) StoreInfo(ctx context.Context) (*Info, error) {
	info := &Info{Path: s.path}
	version, err := currentVersion(s.db)
	if err != nil {
		return nil, err
	}
	info.SchemaVersion = version
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&info.RecordCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM record_attributes`).Scan(&info.AttributeCount); err != nil {
		return nil, err
	}
	return info, nil
}
