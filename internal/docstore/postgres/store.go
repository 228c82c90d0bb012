// Package postgres stores documents as JSONB rows through the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"phasegate/internal/docstore"
	"phasegate/internal/migrate"
)

type Store struct {
	DB *sql.DB
}

var _ docstore.Store = (*Store)(nil)

func Open(ctx context.Context, dsn string) (*Store, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := migrate.Migrate(ctx, conn, migrate.Postgres); err != nil {
		conn.Close()
		return nil, err
	}
	return &Store{DB: conn}, nil
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
	if _, err := s.DB.ExecContext(ctx,
		`INSERT INTO documents(collection,id,data) VALUES ($1,$2,$3::jsonb)`, collection, id, string(data)); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Record, error) {
	var raw []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection=$1 AND id=$2`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func (s *Store) Set(ctx context.Context, collection, id string, record docstore.Record, opts docstore.SetOptions) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	onConflict := `data = EXCLUDED.data`
	if opts.Merge {
		// jsonb || replaces top-level keys and keeps the rest.
		onConflict = `data = documents.data || EXCLUDED.data`
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO documents(collection,id,data) VALUES ($1,$2,$3::jsonb)
		ON CONFLICT (collection,id) DO UPDATE SET `+onConflict+`, updated_at = now()`,
		collection, id, string(data))
	return err
}

func (s *Store) Update(ctx context.Context, collection, id string, partial docstore.Record) error {
	data, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE documents SET data = data || $3::jsonb, updated_at = now() WHERE collection=$1 AND id=$2`,
		collection, id, string(data))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateVersion(ctx context.Context, collection, id string, version int64, partial docstore.Record) error {
	data, err := json.Marshal(docstore.NextVersion(partial, version))
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE documents SET data = data || $3::jsonb, updated_at = now()
		WHERE collection=$1 AND id=$2 AND COALESCE((data ->> $4)::bigint, 0) = $5`,
		collection, id, string(data), docstore.VersionField, version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, collection, id); err != nil {
		return err
	}
	return docstore.ErrConflict
}

func (s *Store) Query(ctx context.Context, collection string, preds ...docstore.Predicate) ([]docstore.Snapshot, error) {
	where, args, err := buildWhere(collection, preds)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id,data FROM documents WHERE `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []docstore.Snapshot
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		rec, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, docstore.Snapshot{ID: id, Data: rec})
	}
	return out, rows.Err()
}

// buildWhere translates predicates into JSONB containment tests.
func buildWhere(collection string, preds []docstore.Predicate) (string, []any, error) {
	clauses := []string{"collection = $1"}
	args := []any{collection}
	for _, p := range preds {
		var needle docstore.Record
		switch p.Op {
		case docstore.OpEq, docstore.OpNeq:
			needle = docstore.Record{p.Field: p.Value}
		case docstore.OpArrayContains:
			needle = docstore.Record{p.Field: []any{p.Value}}
		default:
			return "", nil, fmt.Errorf("unsupported operator %q", p.Op)
		}
		b, err := json.Marshal(needle)
		if err != nil {
			return "", nil, err
		}
		args = append(args, string(b))
		n := len(args)
		switch p.Op {
		case docstore.OpNeq:
			args = append(args, p.Field)
			clauses = append(clauses, fmt.Sprintf("(data ? $%d AND NOT data @> $%d::jsonb)", n+1, n))
		case docstore.OpArrayContains:
			args = append(args, p.Field)
			clauses = append(clauses, fmt.Sprintf("(jsonb_typeof(data -> $%d) = 'array' AND data @> $%d::jsonb)", n+1, n))
		default:
			clauses = append(clauses, fmt.Sprintf("data @> $%d::jsonb", n))
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func decode(raw []byte) (docstore.Record, error) {
	var rec docstore.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return rec, nil
}
