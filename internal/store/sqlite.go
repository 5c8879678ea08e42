package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS batch_executions (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	guid            TEXT NOT NULL UNIQUE,
	status          TEXT NOT NULL,
	partition_count INTEGER NOT NULL,
	chunk_size      INTEGER NOT NULL,
	parameters      TEXT NOT NULL DEFAULT '',
	archive_path    TEXT NOT NULL DEFAULT '',
	archive_key     TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	finished_at     DATETIME
);
CREATE INDEX IF NOT EXISTS batch_executions_finished_at_idx ON batch_executions (finished_at);
`

const sqliteColumns = `id, guid, status, partition_count, chunk_size, parameters,
	archive_path, archive_key, error_message, created_at, updated_at, finished_at`

// SQLite is a Store backed by a single SQLite file.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Create(ctx context.Context, e NewExecution) (Execution, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_executions (guid, status, partition_count, chunk_size, parameters, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.GUID, e.Status, e.PartitionCount, e.ChunkSize, e.Parameters, now, now)
	if err != nil {
		return Execution{}, fmt.Errorf("insert execution: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Execution{}, fmt.Errorf("insert execution: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *SQLite) UpdateStatus(ctx context.Context, id int64, status string) error {
	return s.exec(ctx, id, `UPDATE batch_executions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
}

func (s *SQLite) Finish(ctx context.Context, id int64, status, errMsg string) error {
	now := time.Now().UTC()
	return s.exec(ctx, id, `
		UPDATE batch_executions
		SET status = ?, error_message = ?, updated_at = ?, finished_at = ?
		WHERE id = ?`,
		status, errMsg, now, now, id)
}

func (s *SQLite) SetArchive(ctx context.Context, id int64, path, key string) error {
	return s.exec(ctx, id, `
		UPDATE batch_executions SET archive_path = ?, archive_key = ?, updated_at = ? WHERE id = ?`,
		path, key, time.Now().UTC(), id)
}

func (s *SQLite) Get(ctx context.Context, id int64) (Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM batch_executions WHERE id = ?`, id)
	e, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Execution{}, fmt.Errorf("get execution %d: %w", id, err)
	}
	return e, nil
}

func (s *SQLite) List(ctx context.Context, limit int) ([]Execution, error) {
	query := `SELECT ` + sqliteColumns + ` FROM batch_executions ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		e, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteFinishedBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM batch_executions WHERE finished_at IS NOT NULL AND finished_at < ?`, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete executions: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) exec(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update execution %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update execution %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (Execution, error) {
	var e Execution
	var finished sql.NullTime
	err := row.Scan(&e.ID, &e.GUID, &e.Status, &e.PartitionCount, &e.ChunkSize, &e.Parameters,
		&e.ArchivePath, &e.ArchiveKey, &e.Error, &e.CreatedAt, &e.UpdatedAt, &finished)
	if err != nil {
		return Execution{}, err
	}
	if finished.Valid {
		t := finished.Time
		e.FinishedAt = &t
	}
	return e, nil
}
