// Package store persists sync state across process restarts: the per-tenant
// sync cursor and the last fully-applied snapshot for offline startup.
// Backed by SQLite; records are stored as CBOR blobs since the engine never
// queries into their fields.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opsuite/opsync/pkg/codec"
	"github.com/opsuite/opsync/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_cursors (
    company_id      TEXT PRIMARY KEY,
    token           TEXT NOT NULL DEFAULT '',
    last_applied_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS offline_records (
    company_id TEXT NOT NULL,
    kind       TEXT NOT NULL,
    record_id  TEXT NOT NULL,
    payload    BLOB NOT NULL,
    PRIMARY KEY (company_id, kind, record_id)
);
CREATE INDEX IF NOT EXISTS idx_offline_company ON offline_records(company_id);
`

// Store wraps the SQLite database holding local sync state.
type Store struct {
	db          *sql.DB
	marshaler   codec.Marshaler
	unmarshaler codec.Unmarshaler
}

// Open opens (or creates) the database at path and initializes the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	c := codec.NewCBOR()
	return &Store{db: db, marshaler: c, unmarshaler: c}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveCursor upserts the hydration watermark for one tenant.
func (s *Store) SaveCursor(ctx context.Context, cur models.SyncCursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (company_id, token, last_applied_at)
		VALUES (?, ?, ?)
		ON CONFLICT(company_id) DO UPDATE SET
			token = excluded.token,
			last_applied_at = excluded.last_applied_at`,
		cur.CompanyID, cur.Token, cur.LastAppliedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// LoadCursor returns the stored cursor for a tenant. A missing row yields a
// zero cursor, which forces a full hydration.
func (s *Store) LoadCursor(ctx context.Context, companyID string) (models.SyncCursor, error) {
	var (
		cur models.SyncCursor
		ts  string
	)
	cur.CompanyID = companyID

	row := s.db.QueryRowContext(ctx,
		`SELECT token, last_applied_at FROM sync_cursors WHERE company_id = ?`, companyID)
	switch err := row.Scan(&cur.Token, &ts); {
	case errors.Is(err, sql.ErrNoRows):
		return cur, nil
	case err != nil:
		return cur, fmt.Errorf("failed to load cursor: %w", err)
	}

	if ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return cur, fmt.Errorf("corrupt cursor timestamp %q: %w", ts, err)
		}
		cur.LastAppliedAt = parsed
	}
	return cur, nil
}

// DeleteCursor removes a tenant's watermark, forcing the next hydration to
// be full.
func (s *Store) DeleteCursor(ctx context.Context, companyID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_cursors WHERE company_id = ?`, companyID)
	return err
}

// SaveSnapshot replaces the offline snapshot for one tenant with records.
// The swap is transactional so a crash mid-save never leaves a mixed
// snapshot behind.
func (s *Store) SaveSnapshot(ctx context.Context, companyID string, records []models.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM offline_records WHERE company_id = ?`, companyID); err != nil {
		return fmt.Errorf("failed to clear previous snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO offline_records (company_id, kind, record_id, payload)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		rec := &records[i]
		if rec.CompanyID != companyID {
			return fmt.Errorf("record %s belongs to %s, snapshot is for %s",
				rec.ID, rec.CompanyID, companyID)
		}
		payload, err := s.marshaler.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, companyID, string(rec.Kind), rec.ID, payload); err != nil {
			return fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
		}
	}

	return tx.Commit()
}

// LoadSnapshot returns the stored records for one tenant.
func (s *Store) LoadSnapshot(ctx context.Context, companyID string) ([]models.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM offline_records WHERE company_id = ?`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		var rec models.Record
		if err := s.unmarshaler.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("corrupt snapshot payload: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
