// Package sqlite persists engine writes in an embedded SQLite database. The
// driver is pure Go, so tests and single-node deployments need no external
// service.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/medstack/recordstore/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS record_versions (
	record_type  TEXT NOT NULL,
	record_id    TEXT NOT NULL,
	version      INTEGER NOT NULL,
	last_updated TEXT NOT NULL,
	deleted      INTEGER NOT NULL DEFAULT 0,
	content      TEXT,
	PRIMARY KEY (record_type, record_id, version)
);
CREATE TABLE IF NOT EXISTS search_index (
	record_type TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	entry       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_search_index_record ON search_index (record_type, record_id);
CREATE TABLE IF NOT EXISTS reference_edges (
	source_type TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	path        TEXT NOT NULL,
	target_type TEXT NOT NULL,
	target_id   TEXT NOT NULL,
	raw         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edges_source ON reference_edges (source_type, source_id);
CREATE INDEX IF NOT EXISTS idx_edges_target ON reference_edges (target_type, target_id);
CREATE TABLE IF NOT EXISTS compartments (
	compartment_type TEXT NOT NULL,
	compartment_id   TEXT NOT NULL,
	member_type      TEXT NOT NULL,
	member_id        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_compartments_member ON compartments (member_type, member_id);
`

// Backend stores record versions and derived rows in SQLite.
type Backend struct {
	db *sql.DB
}

// Open opens or creates the database file and ensures the schema.
func Open(ctx context.Context, path string) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// The engine serializes writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return &Backend{db: db}, nil
}

// Apply writes the record version and replaces the derived rows for the
// record inside one transaction.
func (b *Backend) Apply(ctx context.Context, tx store.WriteTx) error {
	rec := tx.Record
	content, err := json.Marshal(rec.Content)
	if err != nil {
		return fmt.Errorf("encode content for %s: %w", rec.Key(), err)
	}

	dbtx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer dbtx.Rollback()

	deleted := 0
	if rec.Deleted {
		deleted = 1
	}
	if _, err := dbtx.ExecContext(ctx,
		`INSERT INTO record_versions (record_type, record_id, version, last_updated, deleted, content)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Type, rec.ID, rec.Version, rec.LastUpdated.UTC().Format(time.RFC3339Nano), deleted, string(content),
	); err != nil {
		return fmt.Errorf("insert version %s: %w", rec.Key(), err)
	}

	for _, stmt := range []string{
		`DELETE FROM search_index WHERE record_type = ? AND record_id = ?`,
		`DELETE FROM reference_edges WHERE source_type = ? AND source_id = ?`,
		`DELETE FROM compartments WHERE member_type = ? AND member_id = ?`,
	} {
		if _, err := dbtx.ExecContext(ctx, stmt, rec.Type, rec.ID); err != nil {
			return fmt.Errorf("clear derived rows for %s: %w", rec.Key(), err)
		}
	}

	for _, e := range tx.Entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry for %s: %w", rec.Key(), err)
		}
		if _, err := dbtx.ExecContext(ctx,
			`INSERT INTO search_index (record_type, record_id, entry) VALUES (?, ?, ?)`,
			rec.Type, rec.ID, string(raw),
		); err != nil {
			return fmt.Errorf("insert entry for %s: %w", rec.Key(), err)
		}
	}
	for _, edge := range tx.Edges {
		if _, err := dbtx.ExecContext(ctx,
			`INSERT INTO reference_edges (source_type, source_id, path, target_type, target_id, raw)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			edge.SourceType, edge.SourceID, edge.Path, edge.TargetType, edge.TargetID, edge.Raw,
		); err != nil {
			return fmt.Errorf("insert edge for %s: %w", rec.Key(), err)
		}
	}
	for _, m := range tx.Memberships {
		if _, err := dbtx.ExecContext(ctx,
			`INSERT INTO compartments (compartment_type, compartment_id, member_type, member_id)
			 VALUES (?, ?, ?, ?)`,
			m.CompartmentType, m.CompartmentID, m.MemberType, m.MemberID,
		); err != nil {
			return fmt.Errorf("insert membership for %s: %w", rec.Key(), err)
		}
	}

	return dbtx.Commit()
}

// Load streams every stored version oldest first.
func (b *Backend) Load(ctx context.Context) ([]*store.Record, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT record_type, record_id, version, last_updated, deleted, content
		 FROM record_versions ORDER BY record_type, record_id, version`)
	if err != nil {
		return nil, fmt.Errorf("load versions: %w", err)
	}
	defer rows.Close()

	var out []*store.Record
	for rows.Next() {
		var (
			rec     store.Record
			updated string
			deleted int
			content sql.NullString
		)
		if err := rows.Scan(&rec.Type, &rec.ID, &rec.Version, &updated, &deleted, &content); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		rec.LastUpdated, err = time.Parse(time.RFC3339Nano, updated)
		if err != nil {
			return nil, fmt.Errorf("parse last_updated for %s: %w", rec.Key(), err)
		}
		rec.Deleted = deleted != 0
		if content.Valid && content.String != "" && content.String != "null" {
			if err := json.Unmarshal([]byte(content.String), &rec.Content); err != nil {
				return nil, fmt.Errorf("decode content for %s: %w", rec.Key(), err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (b *Backend) Close() error { return b.db.Close() }

var _ store.Backend = (*Backend)(nil)
