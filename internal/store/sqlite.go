package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	bucket TEXT NOT NULL,
	key    TEXT NOT NULL,
	value  BLOB NOT NULL,
	PRIMARY KEY (bucket, key)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS sequences (
	bucket TEXT PRIMARY KEY,
	value  INTEGER NOT NULL
);`

// SQLiteStore persists buckets in a single SQLite file (pure Go driver)
type SQLiteStore struct {
	db     *sql.DB
	logger logrus.FieldLogger
}

// OpenSQLite opens or creates the store file at path
func OpenSQLite(path string, logger logrus.FieldLogger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// SQLite allows one writer; a single connection also serializes transactions
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create store schema: %w", err)
	}

	logger.Infof("Opened SQLite store at %s", path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *SQLiteStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) run(ctx context.Context, readOnly bool, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&sqliteTx{ctx: ctx, tx: sqlTx, writable: !readOnly}); err != nil {
		if rollbackErr := sqlTx.Rollback(); rollbackErr != nil {
			s.logger.Warnf("Rollback failed: %v", rollbackErr)
		}
		return err
	}

	if readOnly {
		return sqlTx.Rollback()
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type sqliteTx struct {
	ctx      context.Context
	tx       *sql.Tx
	writable bool
}

func (tx *sqliteTx) Get(bucket, key string) ([]byte, error) {
	var value []byte
	err := tx.tx.QueryRowContext(tx.ctx, `SELECT value FROM kv WHERE bucket = ? AND key = ?`, bucket, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", bucket, key, err)
	}
	return value, nil
}

func (tx *sqliteTx) Put(bucket, key string, value []byte) error {
	if !tx.writable {
		return errReadOnly
	}
	_, err := tx.tx.ExecContext(tx.ctx,
		`INSERT INTO kv (bucket, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value`,
		bucket, key, value)
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (tx *sqliteTx) Delete(bucket, key string) error {
	if !tx.writable {
		return errReadOnly
	}
	if _, err := tx.tx.ExecContext(tx.ctx, `DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (tx *sqliteTx) NextSequence(bucket string) (int64, error) {
	if !tx.writable {
		return 0, errReadOnly
	}
	var value int64
	err := tx.tx.QueryRowContext(tx.ctx,
		`INSERT INTO sequences (bucket, value) VALUES (?, 1)
		 ON CONFLICT (bucket) DO UPDATE SET value = value + 1
		 RETURNING value`,
		bucket).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", bucket, err)
	}
	return value, nil
}

// ForEach loads the bucket before calling fn so fn may write through the same transaction
func (tx *sqliteTx) ForEach(bucket string, fn func(key string, value []byte) error) error {
	rows, err := tx.tx.QueryContext(tx.ctx, `SELECT key, value FROM kv WHERE bucket = ? ORDER BY key`, bucket)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", bucket, err)
	}

	type entry struct {
		key   string
		value []byte
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.key, &e.value); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan %s: %w", bucket, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range entries {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

func (tx *sqliteTx) Count(bucket string) (int, error) {
	var count int
	if err := tx.tx.QueryRowContext(tx.ctx, `SELECT COUNT(*) FROM kv WHERE bucket = ?`, bucket).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", bucket, err)
	}
	return count, nil
}
