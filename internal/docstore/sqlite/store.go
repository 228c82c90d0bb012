// Package sqlite is the embedded document store backend used for local workspaces
// and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"phasegate/internal/db"
	"phasegate/internal/docstore"
	"phasegate/internal/migrate"
)

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

var _ docstore.Store = (*Store)(nil)

// Open opens (and migrates) the workspace database.
func Open(ctx context.Context, cfg db.Config) (*Store, error) {
	conn, err := db.Open(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn, migrate.SQLite); err != nil {
		conn.Close()
		return nil, err
	}
	return &Store{DB: conn, Now: time.Now}, nil
}

func (s *Store) now() string {
	if s.Now == nil {
		return time.Now().UTC().Format(time.RFC3339Nano)
	}
	return s.Now().UTC().Format(time.RFC3339Nano)
}

func (s *Store) Create(ctx context.Context, collection string, record docstore.Record) (string, error) {
	id, err := docstore.NewID()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", collection, err)
	}
	ts := s.now()
	_, err = s.DB.ExecContext(ctx, `INSERT INTO documents(collection,id,data,created_at,updated_at) VALUES (?,?,?,?,?)`,
		collection, id, string(data), ts, ts)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Record, error) {
	return getTx(ctx, s.DB, collection, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTx(ctx context.Context, q queryer, collection, id string) (docstore.Record, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT data FROM documents WHERE collection=? AND id=?`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func (s *Store) Set(ctx context.Context, collection, id string, record docstore.Record, opts docstore.SetOptions) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if opts.Merge {
		existing, err := getTx(ctx, tx, collection, id)
		switch {
		case err == nil:
			record = docstore.MergeTop(existing, record)
		case !errors.Is(err, docstore.ErrNotFound):
			return err
		}
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	ts := s.now()
	_, err = tx.ExecContext(ctx, `INSERT INTO documents(collection,id,data,created_at,updated_at) VALUES (?,?,?,?,?)
		ON CONFLICT(collection,id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		collection, id, string(data), ts, ts)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Update(ctx context.Context, collection, id string, partial docstore.Record) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	existing, err := getTx(ctx, tx, collection, id)
	if err != nil {
		return err
	}
	data, err := json.Marshal(docstore.MergeTop(existing, partial))
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET data=?, updated_at=? WHERE collection=? AND id=?`,
		string(data), s.now(), collection, id); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateVersion checks the version again inside the UPDATE, so writers in other
// processes sharing the database file cannot overwrite each other.
func (s *Store) UpdateVersion(ctx context.Context, collection, id string, version int64, partial docstore.Record) error {
	existing, err := getTx(ctx, s.DB, collection, id)
	if err != nil {
		return err
	}
	if docstore.StoredVersion(existing) != version {
		return docstore.ErrConflict
	}
	data, err := json.Marshal(docstore.MergeTop(existing, docstore.NextVersion(partial, version)))
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE documents SET data=?, updated_at=?
		WHERE collection=? AND id=? AND IFNULL(json_extract(data, ?), 0)=?`,
		string(data), s.now(), collection, id, "$."+docstore.VersionField, version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return docstore.ErrConflict
	}
	return nil
}

// Query scans the collection in insertion order and filters in process.
func (s *Store) Query(ctx context.Context, collection string, preds ...docstore.Predicate) ([]docstore.Snapshot, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,data FROM documents WHERE collection=? ORDER BY rowid`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []docstore.Snapshot
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		rec, err := decode(raw)
		if err != nil {
			return nil, err
		}
		if docstore.MatchAll(rec, preds) {
			out = append(out, docstore.Snapshot{ID: id, Data: rec})
		}
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return s.DB.Close() }

func decode(raw string) (docstore.Record, error) {
	var rec docstore.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return rec, nil
}
