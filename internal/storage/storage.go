// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

// Postgres maps the KV surface onto four tables. The pgx pool serves the
// single-row statements; the database/sql handle runs migrations and the
// statements that take array parameters.
type Postgres struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	const op = "storage.NewPostgres"

	if dsn == "" {
		return nil, fmt.Errorf("%s: database url is required", op)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Postgres{pool: pool, db: db}, nil
}

func (s *Postgres) Close() error {
	err := s.db.Close()
	s.pool.Close()
	return err
}

func (s *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	const op = "storage.Postgres.Get"
	var v []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv_strings WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return v, nil
}

func (s *Postgres) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	const op = "storage.Postgres.MGet"
	out := make([][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv_strings WHERE key = ANY($1)`, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	found := make(map[string][]byte, len(keys))
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		found[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for i, k := range keys {
		out[i] = found[k]
	}
	return out, nil
}

func (s *Postgres) Set(ctx context.Context, key string, value []byte) error {
	const op = "storage.Postgres.Set"
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv_strings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Postgres) Del(ctx context.Context, keys ...string) (err error) {
	const op = "storage.Postgres.Del"
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
		}
	}()

	for _, table := range []string{"kv_strings", "kv_zsets", "kv_sets", "kv_hashes"} {
		if _, err = tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE key = ANY($1)`, pq.Array(keys)); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Postgres) ZAdd(ctx context.Context, key string, score float64, member string) error {
	const op = "storage.Postgres.ZAdd"
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv_zsets (key, member, score) VALUES ($1, $2, $3)
		 ON CONFLICT (key, member) DO UPDATE SET score = excluded.score`, key, member, score)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Postgres) ZRem(ctx context.Context, key string, members ...string) error {
	return s.deleteMembers(ctx, "storage.Postgres.ZRem", "kv_zsets", "member", key, members)
}

func (s *Postgres) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	const op = "storage.Postgres.ZRevRange"

	n, err := s.ZCard(ctx, key)
	if err != nil {
		return nil, err
	}
	lo, hi, ok := rangeBounds(n, start, stop)
	if !ok {
		return []string{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT member FROM kv_zsets WHERE key = $1
		 ORDER BY score DESC, member DESC OFFSET $2 LIMIT $3`, key, lo, hi-lo)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return members, nil
}

func (s *Postgres) ZCard(ctx context.Context, key string) (int64, error) {
	const op = "storage.Postgres.ZCard"
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM kv_zsets WHERE key = $1`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

func (s *Postgres) SAdd(ctx context.Context, key string, members ...string) error {
	const op = "storage.Postgres.SAdd"
	if len(members) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_sets (key, member) SELECT $1, unnest($2::text[])
		 ON CONFLICT (key, member) DO NOTHING`, key, pq.Array(members))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Postgres) SRem(ctx context.Context, key string, members ...string) error {
	return s.deleteMembers(ctx, "storage.Postgres.SRem", "kv_sets", "member", key, members)
}

func (s *Postgres) SMembers(ctx context.Context, key string) ([]string, error) {
	const op = "storage.Postgres.SMembers"
	rows, err := s.pool.Query(ctx, `SELECT member FROM kv_sets WHERE key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return members, nil
}

func (s *Postgres) HGet(ctx context.Context, key, field string) (string, error) {
	const op = "storage.Postgres.HGet"
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv_hashes WHERE key = $1 AND field = $2`, key, field).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNil
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return v, nil
}

func (s *Postgres) HSet(ctx context.Context, key string, values map[string]string) error {
	const op = "storage.Postgres.HSet"
	if len(values) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for f, v := range values {
		batch.Queue(`INSERT INTO kv_hashes (key, field, value) VALUES ($1, $2, $3)
			ON CONFLICT (key, field) DO UPDATE SET value = excluded.value`, key, f, v)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Postgres) HDel(ctx context.Context, key string, fields ...string) error {
	return s.deleteMembers(ctx, "storage.Postgres.HDel", "kv_hashes", "field", key, fields)
}

func (s *Postgres) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	const op = "storage.Postgres.HGetAll"
	rows, err := s.pool.Query(ctx, `SELECT field, value FROM kv_hashes WHERE key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out[f] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *Postgres) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	const op = "storage.Postgres.HIncrBy"
	var n int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO kv_hashes (key, field, value) VALUES ($1, $2, ($3::bigint)::text)
		 ON CONFLICT (key, field) DO UPDATE SET value = ((kv_hashes.value)::bigint + $3::bigint)::text
		 RETURNING value::bigint`, key, field, incr).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

func (s *Postgres) deleteMembers(ctx context.Context, op, table, column, key string, members []string) error {
	if len(members) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE key = $1 AND `+column+` = ANY($2)`, key, pq.Array(members))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
