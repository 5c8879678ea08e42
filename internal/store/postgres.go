package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS batch_executions (
	id              BIGSERIAL PRIMARY KEY,
	guid            TEXT NOT NULL UNIQUE,
	status          TEXT NOT NULL,
	partition_count INTEGER NOT NULL,
	chunk_size      INTEGER NOT NULL,
	parameters      TEXT NOT NULL DEFAULT '',
	archive_path    TEXT NOT NULL DEFAULT '',
	archive_key     TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS batch_executions_finished_at_idx ON batch_executions (finished_at);
`

const postgresColumns = `id, guid, status, partition_count, chunk_size, parameters,
	archive_path, archive_key, error_message, created_at, updated_at, finished_at`

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects using cfg.URL and the pool settings of cfg.
func OpenPostgres(ctx context.Context, cfg Config) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Create(ctx context.Context, e NewExecution) (Execution, error) {
	now := time.Now().UTC()
	row := p.pool.QueryRow(ctx, `
		INSERT INTO batch_executions (guid, status, partition_count, chunk_size, parameters, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING `+postgresColumns,
		e.GUID, e.Status, e.PartitionCount, e.ChunkSize, e.Parameters, now)

	out, err := scanPostgres(row)
	if err != nil {
		return Execution{}, fmt.Errorf("insert execution: %w", err)
	}
	return out, nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, id int64, status string) error {
	return p.exec(ctx, id, `UPDATE batch_executions SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC())
}

func (p *Postgres) Finish(ctx context.Context, id int64, status, errMsg string) error {
	now := time.Now().UTC()
	return p.exec(ctx, id, `
		UPDATE batch_executions
		SET status = $2, error_message = $3, updated_at = $4, finished_at = $4
		WHERE id = $1`,
		id, status, errMsg, now)
}

func (p *Postgres) SetArchive(ctx context.Context, id int64, path, key string) error {
	return p.exec(ctx, id, `
		UPDATE batch_executions SET archive_path = $2, archive_key = $3, updated_at = $4 WHERE id = $1`,
		id, path, key, time.Now().UTC())
}

func (p *Postgres) Get(ctx context.Context, id int64) (Execution, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM batch_executions WHERE id = $1`, id)
	e, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Execution{}, fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Execution{}, fmt.Errorf("get execution %d: %w", id, err)
	}
	return e, nil
}

func (p *Postgres) List(ctx context.Context, limit int) ([]Execution, error) {
	query := `SELECT ` + postgresColumns + ` FROM batch_executions ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		e, err := scanPostgres(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteFinishedBefore(ctx context.Context, t time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM batch_executions WHERE finished_at IS NOT NULL AND finished_at < $1`, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) exec(ctx context.Context, id int64, query string, args ...any) error {
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update execution %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	return nil
}

func scanPostgres(row pgx.Row) (Execution, error) {
	var e Execution
	err := row.Scan(&e.ID, &e.GUID, &e.Status, &e.PartitionCount, &e.ChunkSize, &e.Parameters,
		&e.ArchivePath, &e.ArchiveKey, &e.Error, &e.CreatedAt, &e.UpdatedAt, &e.FinishedAt)
	return e, err
}
