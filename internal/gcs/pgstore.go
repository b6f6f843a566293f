package gcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps the control store in PostgreSQL so head restarts do not
// lose cluster state. One table, upsert semantics.
type PGStore struct {
	l    *slog.Logger
	pool *pgxpool.Pool
}

var _ Store = &PGStore{}

const pgstoreDDL = `
CREATE TABLE IF NOT EXISTS raygo_kv (
	ns         text        NOT NULL,
	k          text        NOT NULL,
	v          bytea       NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (ns, k)
)
`

// NewPGStore connects with exponential backoff and prepares the schema.
// The retry budget is deliberately finite: a head that cannot reach its
// external store within it should fail loudly instead of limping.
func NewPGStore(ctx context.Context, connString string) (*PGStore, error) {
	l := slog.With(slog.String("component", "pgstore"))

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse gcs.conn_string: %w", err)
	}

	var pool *pgxpool.Pool
	b := backoff.New(ctx, backoff.Config{
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 10 * time.Second,
		MaxRetries: 10,
	})
	for b.Ongoing() {
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			err = pool.Ping(ctx)
			if err == nil {
				break
			}
			pool.Close()
			pool = nil
		}
		l.Warn("cannot connect to control store, retrying",
			slog.Any("err", err),
			slog.Int("attempt", b.NumRetries()),
		)
		b.Wait()
	}
	if pool == nil {
		if err == nil {
			err = b.Err()
		}
		return nil, fmt.Errorf("connect to control store: %w", err)
	}

	if _, err := pool.Exec(ctx, pgstoreDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init control store schema: %w", err)
	}

	l.Info("control store connected", slog.String("table", "raygo_kv"))
	return &PGStore{l: l, pool: pool}, nil
}

func (s *PGStore) Put(ctx context.Context, ns, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO raygo_kv (ns, k, v, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (ns, k)
		DO UPDATE SET v = EXCLUDED.v, updated_at = now()`,
		ns, key, value,
	)
	if err != nil {
		return fmt.Errorf("gcs put %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, ns, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT v FROM raygo_kv WHERE ns = $1 AND k = $2`,
		ns, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gcs get %s/%s: %w", ns, key, err)
	}
	return value, nil
}

func (s *PGStore) Delete(ctx context.Context, ns, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM raygo_kv WHERE ns = $1 AND k = $2`,
		ns, key,
	)
	if err != nil {
		return fmt.Errorf("gcs delete %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *PGStore) Exists(ctx context.Context, ns, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM raygo_kv WHERE ns = $1 AND k = $2)`,
		ns, key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("gcs exists %s/%s: %w", ns, key, err)
	}
	return exists, nil
}

func (s *PGStore) Keys(ctx context.Context, ns string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT k FROM raygo_kv WHERE ns = $1 ORDER BY k`,
		ns,
	)
	if err != nil {
		return nil, fmt.Errorf("gcs keys %s: %w", ns, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PGStore) All(ctx context.Context, ns string) (map[string][]byte, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT k, v FROM raygo_kv WHERE ns = $1`,
		ns,
	)
	if err != nil {
		return nil, fmt.Errorf("gcs all %s: %w", ns, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *PGStore) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT ns FROM raygo_kv ORDER BY ns`)
	if err != nil {
		return nil, fmt.Errorf("gcs namespaces: %w", err)
	}
	defer rows.Close()

	var nss []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		nss = append(nss, ns)
	}
	return nss, rows.Err()
}

func (s *PGStore) Close() {
	s.pool.Close()
}
