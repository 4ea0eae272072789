package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hamed0406/safealert/internal/repo"
)

var _ repo.Store = (*Store)(nil)

// Schema is applied by Migrate. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS alert_events (
  id              TEXT PRIMARY KEY,
  cause           TEXT NOT NULL,
  zone_id         TEXT NOT NULL DEFAULT '',
  sample          JSONB NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL,
  state           TEXT NOT NULL,
  attempt_count   INTEGER NOT NULL DEFAULT 0,
  last_attempt_at TIMESTAMPTZ NULL,
  next_attempt_at TIMESTAMPTZ NOT NULL,
  recipients      TEXT[] NOT NULL DEFAULT '{}',
  reached         TEXT[] NOT NULL DEFAULT '{}',
  unreachable     TEXT[] NOT NULL DEFAULT '{}',
  updated_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alert_events_open ON alert_events (created_at)
  WHERE state IN ('PENDING', 'DISPATCHING');

CREATE TABLE IF NOT EXISTS delivery_attempts (
  seq          BIGSERIAL PRIMARY KEY,
  alert_id     TEXT NOT NULL REFERENCES alert_events(id) ON DELETE CASCADE,
  contact_id   TEXT NOT NULL,
  channel      TEXT NOT NULL DEFAULT '',
  attempted_at TIMESTAMPTZ NOT NULL,
  result       TEXT NOT NULL,
  detail       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_delivery_attempts_alert ON delivery_attempts (alert_id, seq);

CREATE TABLE IF NOT EXISTS safety_zones (
  id  TEXT PRIMARY KEY,
  doc JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS trusted_contacts (
  id  TEXT PRIMARY KEY,
  doc JSONB NOT NULL
);
`

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{pool: pool, log: log}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// putDoc upserts a JSON document row.
func (s *Store) putDoc(ctx context.Context, table, id string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+table+` (id, doc) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, id, b)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func (s *Store) deleteDoc(ctx context.Context, table, kind, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s", repo.ErrNotFound, kind, id)
	}
	return nil
}

// listDocs decodes every doc in table ordered by id.
func listDocs[T any](ctx context.Context, pool *pgxpool.Pool, table string) ([]T, error) {
	rows, err := pool.Query(ctx, `SELECT doc FROM `+table+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", table, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func notFound(err error) bool { return errors.Is(err, pgx.ErrNoRows) }
