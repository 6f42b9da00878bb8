// Package postgres is an [artifact.Store] on PostgreSQL. Recordings are stored
// inline in a bytea column of the recordings table.
package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/tutorcall/pkg/artifact"
)

// Compile-time interface assertion.
var _ artifact.Store = (*Store)(nil)

// Schema is the SQL DDL for the recordings table. [Open] applies it; use
// [Store.Migrate] when constructing a Store around an existing connection.
const Schema = `
CREATE TABLE IF NOT EXISTS recordings (
    id          TEXT PRIMARY KEY,
    mime_type   TEXT NOT NULL DEFAULT 'audio/wav',
    size        BIGINT NOT NULL,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    data        BYTEA NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_recordings_created ON recordings(created_at);
`

// DB is the subset of pgx used by [Store]. Both *pgxpool.Pool and *pgx.Conn
// satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a PostgreSQL-backed [artifact.Store]. URIs have the form
// postgres://recordings/<id>.
type Store struct {
	db    DB
	close func()
}

// New wraps an existing connection or pool. The caller owns db.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn, verifies the connection and migrates the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("artifact postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("artifact postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("artifact postgres: ping: %w", err)
	}
	s := &Store{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("artifact postgres: migrate: %w", err)
	}
	return nil
}

// Put implements [artifact.Store].
func (s *Store) Put(ctx context.Context, a artifact.Artifact, data []byte) (artifact.Artifact, error) {
	a, err := artifact.Prepare(a, data)
	if err != nil {
		return artifact.Artifact{}, err
	}
	a.URI = "postgres://recordings/" + a.ID

	const query = `
		INSERT INTO recordings (id, mime_type, size, duration_ms, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			mime_type = EXCLUDED.mime_type,
			size = EXCLUDED.size,
			duration_ms = EXCLUDED.duration_ms,
			data = EXCLUDED.data`
	_, err = s.db.Exec(ctx, query, a.ID, a.MIMEType, a.Size, a.Duration.Milliseconds(), data, a.CreatedAt)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("artifact postgres: put %s: %w", a.ID, err)
	}
	return a, nil
}

// Get implements [artifact.Store].
func (s *Store) Get(ctx context.Context, id string) (artifact.Artifact, io.ReadCloser, error) {
	const query = `
		SELECT id, mime_type, size, duration_ms, data, created_at
		FROM recordings
		WHERE id = $1`

	var (
		a          artifact.Artifact
		durationMS int64
		data       []byte
	)
	err := s.db.QueryRow(ctx, query, id).Scan(&a.ID, &a.MIMEType, &a.Size, &durationMS, &data, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return artifact.Artifact{}, nil, artifact.ErrNotFound
	}
	if err != nil {
		return artifact.Artifact{}, nil, fmt.Errorf("artifact postgres: get %s: %w", id, err)
	}
	a.Duration = time.Duration(durationMS) * time.Millisecond
	a.URI = "postgres://recordings/" + a.ID
	return a, io.NopCloser(bytes.NewReader(data)), nil
}

// Close releases the pool opened by [Open]. Stores built with [New] leave the
// connection to the caller.
func (s *Store) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
