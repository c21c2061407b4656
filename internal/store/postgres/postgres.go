// Package postgres persists engine writes in PostgreSQL for multi-process
// durability. Schema and write shape mirror the sqlite backend.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medstack/recordstore/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS record_versions (
	record_type  TEXT NOT NULL,
	record_id    TEXT NOT NULL,
	version      INTEGER NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL,
	deleted      BOOLEAN NOT NULL DEFAULT FALSE,
	content      JSONB,
	PRIMARY KEY (record_type, record_id, version)
);
CREATE TABLE IF NOT EXISTS search_index (
	record_type TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	entry       JSONB NOT NULL
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

// Backend stores record versions and derived rows in PostgreSQL.
type Backend struct {
	pool *pgxpool.Pool
}

// Open connects to the database and ensures the schema.
func Open(ctx context.Context, databaseURL string) (*Backend, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return &Backend{pool: pool}, nil
}

// Apply writes the record version and replaces the derived rows inside one
// transaction.
func (b *Backend) Apply(ctx context.Context, tx store.WriteTx) error {
	rec := tx.Record
	var content []byte
	if rec.Content != nil {
		var err error
		content, err = json.Marshal(rec.Content)
		if err != nil {
			return fmt.Errorf("encode content for %s: %w", rec.Key(), err)
		}
	}

	return pgx.BeginFunc(ctx, b.pool, func(dbtx pgx.Tx) error {
		if _, err := dbtx.Exec(ctx,
			`INSERT INTO record_versions (record_type, record_id, version, last_updated, deleted, content)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.Type, rec.ID, rec.Version, rec.LastUpdated, rec.Deleted, content,
		); err != nil {
			return fmt.Errorf("insert version %s: %w", rec.Key(), err)
		}

		for _, stmt := range []string{
			`DELETE FROM search_index WHERE record_type = $1 AND record_id = $2`,
			`DELETE FROM reference_edges WHERE source_type = $1 AND source_id = $2`,
			`DELETE FROM compartments WHERE member_type = $1 AND member_id = $2`,
		} {
			if _, err := dbtx.Exec(ctx, stmt, rec.Type, rec.ID); err != nil {
				return fmt.Errorf("clear derived rows for %s: %w", rec.Key(), err)
			}
		}

		for _, e := range tx.Entries {
			raw, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode entry for %s: %w", rec.Key(), err)
			}
			if _, err := dbtx.Exec(ctx,
				`INSERT INTO search_index (record_type, record_id, entry) VALUES ($1, $2, $3)`,
				rec.Type, rec.ID, raw,
			); err != nil {
				return fmt.Errorf("insert entry for %s: %w", rec.Key(), err)
			}
		}
		for _, edge := range tx.Edges {
			if _, err := dbtx.Exec(ctx,
				`INSERT INTO reference_edges (source_type, source_id, path, target_type, target_id, raw)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				edge.SourceType, edge.SourceID, edge.Path, edge.TargetType, edge.TargetID, edge.Raw,
			); err != nil {
				return fmt.Errorf("insert edge for %s: %w", rec.Key(), err)
			}
		}
		for _, m := range tx.Memberships {
			if _, err := dbtx.Exec(ctx,
				`INSERT INTO compartments (compartment_type, compartment_id, member_type, member_id)
				 VALUES ($1, $2, $3, $4)`,
				m.CompartmentType, m.CompartmentID, m.MemberType, m.MemberID,
			); err != nil {
				return fmt.Errorf("insert membership for %s: %w", rec.Key(), err)
			}
		}
		return nil
	})
}

// Load streams every stored version oldest first.
func (b *Backend) Load(ctx context.Context) ([]*store.Record, error) {
	rows, err := b.pool.Query(ctx,
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
			content []byte
		)
		if err := rows.Scan(&rec.Type, &rec.ID, &rec.Version, &rec.LastUpdated, &rec.Deleted, &content); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		if len(content) > 0 {
			if err := json.Unmarshal(content, &rec.Content); err != nil {
				return nil, fmt.Errorf("decode content for %s: %w", rec.Key(), err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

var _ store.Backend = (*Backend)(nil)
