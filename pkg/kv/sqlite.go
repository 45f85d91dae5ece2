// Dcm-common is the shared service library of the Digital Curation Manager.
// Copyright (C) 2026 LZV.nrw
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package kv

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteBusyTimeout = 5 * time.Second

// SQLiteStore is a Store persisted in a single SQLite database file.
// Safe for concurrent use within one process; WAL mode allows multiple
// processes to share the file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteStore opens (or creates) the database at path, applies
// connection pragmas and loads the schema.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, int(sqliteBusyTimeout.Milliseconds()),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= 1 {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS store (
  key        TEXT NOT NULL PRIMARY KEY,
  value      TEXT NOT NULL,
  written_at INTEGER NOT NULL,
  expires_at INTEGER NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_store_written_at ON store(written_at);`,
		`PRAGMA user_version = 1;`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) expiresAt(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return s.now().Add(ttl).Unix()
}

func (s *SQLiteStore) Write(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	const q = `
INSERT INTO store(key, value, written_at, expires_at) VALUES(?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
  value=excluded.value, written_at=excluded.written_at,
  expires_at=excluded.expires_at;`
	if _, err := s.db.ExecContext(
		ctx, q, key, string(value), s.now().UnixNano(), s.expiresAt(ttl),
	); err != nil {
		return fmt.Errorf("write key %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context, key string, pop bool) (json.RawMessage, error) {
	var value string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const q = `
SELECT value FROM store
WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`
		err := tx.QueryRowContext(ctx, q, key, s.now().Unix()).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read key %q: %w", key, err)
		}
		if pop {
			if _, err := tx.ExecContext(
				ctx, `DELETE FROM store WHERE key = ?`, key,
			); err != nil {
				return fmt.Errorf("pop key %q: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

func (s *SQLiteStore) Push(ctx context.Context, value json.RawMessage, ttl time.Duration) (string, error) {
	key := uuid.NewString()
	const q = `INSERT INTO store(key, value, written_at, expires_at) VALUES(?, ?, ?, ?)`
	if _, err := s.db.ExecContext(
		ctx, q, key, string(value), s.now().UnixNano(), s.expiresAt(ttl),
	); err != nil {
		return "", fmt.Errorf("push: %w", err)
	}
	return key, nil
}

func (s *SQLiteStore) Next(ctx context.Context, pop bool) (string, json.RawMessage, error) {
	var (
		key   string
		value string
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const q = `
SELECT key, value FROM store
WHERE expires_at IS NULL OR expires_at > ?
ORDER BY written_at ASC, key ASC LIMIT 1`
		err := tx.QueryRowContext(ctx, q, s.now().Unix()).Scan(&key, &value)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read next: %w", err)
		}
		if pop {
			if _, err := tx.ExecContext(
				ctx, `DELETE FROM store WHERE key = ?`, key,
			); err != nil {
				return fmt.Errorf("pop next: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return key, json.RawMessage(value), nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(
		ctx, `DELETE FROM store WHERE key = ?`, key,
	); err != nil {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	const q = `
SELECT key FROM store WHERE expires_at IS NULL OR expires_at > ?
ORDER BY written_at ASC, key ASC`
	rows, err := s.db.QueryContext(ctx, q, s.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// Cleanup removes expired entries eagerly. Expiry is otherwise applied
// passively at read time.
func (s *SQLiteStore) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM store WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
