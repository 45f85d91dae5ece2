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

package orchestra

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lzv-nrw/dcm-common/pkg/models"
	"github.com/lzv-nrw/dcm-common/pkg/orchestra/metrics"
)

const sqliteBusyTimeout = 5 * time.Second

// SQLiteControllerConfig configures a SQLiteController. Zero values
// are replaced by defaults; a negative TTL disables expiration for
// the respective records.
type SQLiteControllerConfig struct {
	// Path of the database file.
	Path string
	// Name tags this controller in logs and job metadata. Defaults to
	// "Controller-<hostname>-<random>".
	Name string

	// Requeue re-enqueues jobs whose worker died instead of marking
	// them aborted.
	Requeue bool
	// RequeueLimit caps how often a single job is requeued (default
	// 1). Beyond the limit the job is marked aborted.
	RequeueLimit int

	// LockTTL is the lease duration on popped jobs (default 10s).
	// Size it with slack above the workers' refresh interval; lock
	// expiry is the only defense against replica clock drift.
	LockTTL time.Duration
	// TokenTTL is the retention of registry records (default 1h).
	TokenTTL time.Duration
	// MessageTTL is the retention of control messages (default 6m).
	MessageTTL time.Duration

	// Logger is optional; if nil, logging is suppressed.
	Logger *slog.Logger
}

func (c *SQLiteControllerConfig) applyDefaults() {
	if c.Name == "" {
		host, _ := os.Hostname()
		c.Name = fmt.Sprintf("Controller-%s-%.8s", host, uuid.NewString())
	}
	if c.RequeueLimit == 0 {
		c.RequeueLimit = 1
	}
	if c.LockTTL == 0 {
		c.LockTTL = 10 * time.Second
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = time.Hour
	}
	if c.MessageTTL == 0 {
		c.MessageTTL = 6 * time.Minute
	}
}

// SQLiteController is a Controller working on a SQLite database. Safe
// for concurrent use within one process; WAL mode allows worker
// processes on the same host to share the file.
type SQLiteController struct {
	db  *sql.DB
	cfg SQLiteControllerConfig
	now func() time.Time
}

// OpenSQLiteController opens (or creates) the controller database and
// loads the schema.
func OpenSQLiteController(ctx context.Context, cfg SQLiteControllerConfig) (*SQLiteController, error) {
	cfg.applyDefaults()
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		cfg.Path, int(sqliteBusyTimeout.Milliseconds()),
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

	c := &SQLiteController{db: db, cfg: cfg, now: time.Now}
	if err := c.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return c, nil
}

// Close closes the underlying database connection.
func (c *SQLiteController) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Name implements Controller.
func (c *SQLiteController) Name() string { return c.cfg.Name }

func (c *SQLiteController) logger() *slog.Logger {
	if c.cfg.Logger != nil {
		return c.cfg.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (c *SQLiteController) migrate(ctx context.Context) error {
	var version int
	if err := c.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= 1 {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS registry (
  token      TEXT NOT NULL PRIMARY KEY,
  status     TEXT NOT NULL CHECK(
    status IN ('queued', 'running', 'completed', 'aborted')
  ),
  info       TEXT NOT NULL,
  requeues   INTEGER NOT NULL DEFAULT 0,
  expires_at INTEGER NULL
);`,
		`CREATE TABLE IF NOT EXISTS locks (
  id         TEXT NOT NULL PRIMARY KEY,
  name       TEXT NOT NULL,
  token      TEXT NOT NULL UNIQUE
    REFERENCES registry (token) ON DELETE CASCADE,
  expires_at INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS messages (
  token       TEXT NOT NULL
    REFERENCES registry (token) ON DELETE CASCADE,
  instruction TEXT NOT NULL CHECK( instruction IN ('abort') ),
  origin      TEXT NOT NULL,
  content     TEXT NOT NULL,
  received_at INTEGER NOT NULL,
  expires_at  INTEGER NULL
);`,
		`PRAGMA user_version = 1;`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (c *SQLiteController) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
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

func expiresIn(now time.Time, ttl time.Duration) any {
	if ttl < 0 {
		return nil
	}
	return now.Add(ttl).Unix()
}

// QueuePush implements Controller.
func (c *SQLiteController) QueuePush(ctx context.Context, token string, info *models.JobInfo) (models.Token, error) {
	if err := c.Cleanup(ctx); err != nil {
		return models.Token{}, err
	}

	tok := models.Token{Value: token}
	if c.cfg.TokenTTL >= 0 {
		at := c.now().Add(c.cfg.TokenTTL).Truncate(time.Second).UTC()
		tok.Expires = true
		tok.ExpiresAt = &at
	}

	submitted := *info
	submitted.Token = &tok
	submitted.Metadata.Produce(c.cfg.Name)
	if submitted.Report != nil {
		report := *submitted.Report
		report.Token = &tok
		submitted.Report = &report
	}
	raw, err := json.Marshal(&submitted)
	if err != nil {
		return models.Token{}, fmt.Errorf("encoding job info: %w", err)
	}

	_, err = c.db.ExecContext(
		ctx,
		`INSERT INTO registry(token, status, info, expires_at) VALUES(?, ?, ?, ?)`,
		token, models.StatusQueued, string(raw),
		expiresIn(c.now(), c.cfg.TokenTTL),
	)
	if err == nil {
		c.logger().Debug("accepted job", "controller", c.cfg.Name, "token", token)
		metrics.IncQueueOp(metrics.OpPush, metrics.ResultOK)
		return tok, nil
	}
	if !isConstraintError(err) {
		metrics.IncQueueOp(metrics.OpPush, metrics.ResultError)
		return models.Token{}, fmt.Errorf("enqueue job %q: %w", token, err)
	}

	// resubmission
	existing, infoErr := c.GetInfo(ctx, token)
	if infoErr != nil {
		return models.Token{}, fmt.Errorf("enqueue job %q: %w", token, infoErr)
	}
	if !existing.Config.SameOrigin(info.Config) {
		metrics.IncQueueOp(metrics.OpPush, metrics.ResultError)
		return models.Token{}, ErrResubmission
	}
	return c.GetToken(ctx, token)
}

// QueuePop implements Controller.
func (c *SQLiteController) QueuePop(ctx context.Context, name string) (*models.Lock, error) {
	if err := c.Cleanup(ctx); err != nil {
		return nil, err
	}

	lockID := uuid.NewString()
	expiresAt := c.now().Add(c.cfg.LockTTL).Truncate(time.Second)
	var token string
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		// lease the oldest queued, unlocked job
		if _, err := tx.ExecContext(
			ctx,
			`WITH available_tokens AS (
  SELECT token FROM registry
  WHERE status = 'queued'
    AND NOT EXISTS (SELECT 1 FROM locks WHERE locks.token = registry.token)
  ORDER BY rowid ASC LIMIT 1)
INSERT INTO locks SELECT ?, ?, token, ? FROM available_tokens`,
			lockID, name, expiresAt.Unix(),
		); err != nil {
			return fmt.Errorf("insert lock: %w", err)
		}
		err := tx.QueryRowContext(
			ctx, `SELECT token FROM locks WHERE id = ?`, lockID,
		).Scan(&token)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoWork
		}
		if err != nil {
			return fmt.Errorf("read lock: %w", err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNoWork) {
			metrics.IncQueueOp(metrics.OpPop, metrics.ResultError)
		}
		return nil, err
	}
	metrics.IncQueueOp(metrics.OpPop, metrics.ResultOK)
	metrics.IncLease(metrics.LeaseAcquired)
	return &models.Lock{
		ID: lockID, Name: name, Token: token, ExpiresAt: expiresAt,
	}, nil
}

// ReleaseLock implements Controller.
func (c *SQLiteController) ReleaseLock(ctx context.Context, lockID string) error {
	if _, err := c.db.ExecContext(
		ctx, `DELETE FROM locks WHERE id = ?`, lockID,
	); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	metrics.IncLease(metrics.LeaseReleased)
	return nil
}

// RefreshLock implements Controller.
func (c *SQLiteController) RefreshLock(ctx context.Context, lockID string) (*models.Lock, error) {
	if err := c.Cleanup(ctx); err != nil {
		return nil, err
	}

	var lock models.Lock
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		var expiresAt int64
		err := tx.QueryRowContext(
			ctx,
			`SELECT name, token, expires_at FROM locks WHERE id = ?`,
			lockID,
		).Scan(&lock.Name, &lock.Token, &expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrLeaseLost
		}
		if err != nil {
			return fmt.Errorf("read lock: %w", err)
		}
		now := c.now().Truncate(time.Second)
		// expiry at exactly now counts as expired, like Lock.Expired
		if expiresAt <= now.Unix() {
			return ErrLeaseLost
		}
		lock.ID = lockID
		lock.ExpiresAt = now.Add(c.cfg.LockTTL)
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE locks SET expires_at = ? WHERE id = ?`,
			lock.ExpiresAt.Unix(), lockID,
		); err != nil {
			return fmt.Errorf("update lock: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLeaseLost) {
			metrics.IncLease(metrics.LeaseLost)
		}
		return nil, err
	}
	metrics.IncLease(metrics.LeaseRefreshed)
	return &lock, nil
}

// Cleanup drops expired locks, registry records and messages, then
// finalizes running jobs that lost their lock: they are requeued (up
// to RequeueLimit times) or marked aborted.
func (c *SQLiteController) Cleanup(ctx context.Context) error {
	now := c.now().Unix()
	return c.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM locks WHERE expires_at <= ?`,
			`DELETE FROM registry WHERE expires_at IS NOT NULL AND expires_at < ?`,
			`DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at < ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, now); err != nil {
				return fmt.Errorf("cleanup expired records: %w", err)
			}
		}

		rows, err := tx.QueryContext(
			ctx,
			`SELECT token, info, requeues FROM registry
WHERE status = 'running'
  AND NOT EXISTS (SELECT 1 FROM locks WHERE locks.token = registry.token)`,
		)
		if err != nil {
			return fmt.Errorf("find failed jobs: %w", err)
		}
		type failed struct {
			token    string
			info     string
			requeues int
		}
		var failures []failed
		for rows.Next() {
			var f failed
			if err := rows.Scan(&f.token, &f.info, &f.requeues); err != nil {
				rows.Close()
				return fmt.Errorf("scan failed job: %w", err)
			}
			failures = append(failures, f)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("find failed jobs: %w", err)
		}

		for _, f := range failures {
			requeue := c.cfg.Requeue && f.requeues < c.cfg.RequeueLimit
			status, raw, err := c.finalizeFailed(f.info, requeue)
			if err != nil {
				// still finalize the status to unblock the token
				c.logger().Error("failed to handle report of a failed job",
					"controller", c.cfg.Name, "token", f.token, "error", err)
				raw = f.info
			}
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE registry SET status = ?, info = ?, requeues = requeues + 1
WHERE token = ?`,
				status, raw, f.token,
			); err != nil {
				return fmt.Errorf("finalize failed job %q: %w", f.token, err)
			}
			if requeue {
				metrics.IncJobOutcome(metrics.OutcomeRequeued)
				c.logger().Info("requeued a failed job",
					"controller", c.cfg.Name, "token", f.token)
			} else {
				metrics.IncJobOutcome(metrics.OutcomeOrphaned)
				c.logger().Info("finalized a failed job",
					"controller", c.cfg.Name, "token", f.token)
			}
		}
		return nil
	})
}

// finalizeFailed rewrites the info document of a job whose worker
// died and returns the new status together with the serialized info.
func (c *SQLiteController) finalizeFailed(rawInfo string, requeue bool) (models.Status, string, error) {
	var info models.JobInfo
	if err := json.Unmarshal([]byte(rawInfo), &info); err != nil {
		status := models.StatusAborted
		if requeue {
			status = models.StatusQueued
		}
		return status, "", fmt.Errorf("decoding job info: %w", err)
	}
	if info.Report == nil {
		info.Report = &models.Report{}
	}
	var status models.Status
	if requeue {
		status = models.StatusQueued
		info.Report.Progress = models.Progress{
			Status:  models.StatusQueued,
			Verbose: fmt.Sprintf("requeued by controller '%s'", c.cfg.Name),
		}
		info.Report.Log.Add(
			models.LogEvent, c.cfg.Name,
			fmt.Sprintf(
				"Requeued by controller '%s' due to failed state.", c.cfg.Name,
			),
		)
		info.Metadata.Consumed = nil
		info.Metadata.Completed = nil
		info.Metadata.Aborted = nil
	} else {
		status = models.StatusAborted
		info.Report.Progress = models.Progress{
			Status:  models.StatusAborted,
			Verbose: fmt.Sprintf("aborted by controller '%s'", c.cfg.Name),
		}
		info.Report.Log.Add(
			models.LogError, c.cfg.Name,
			fmt.Sprintf(
				"Aborted by controller '%s' due to failed state.", c.cfg.Name,
			),
		)
		info.Metadata.Abort(c.cfg.Name)
	}
	raw, err := json.Marshal(&info)
	if err != nil {
		return status, "", fmt.Errorf("encoding job info: %w", err)
	}
	return status, string(raw), nil
}

// GetToken implements Controller.
func (c *SQLiteController) GetToken(ctx context.Context, token string) (models.Token, error) {
	if err := c.Cleanup(ctx); err != nil {
		return models.Token{}, err
	}
	var expiresAt sql.NullInt64
	err := c.db.QueryRowContext(
		ctx, `SELECT expires_at FROM registry WHERE token = ?`, token,
	).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Token{}, fmt.Errorf("%w: %q", ErrUnknownToken, token)
	}
	if err != nil {
		return models.Token{}, fmt.Errorf("read token %q: %w", token, err)
	}
	tok := models.Token{Value: token}
	if expiresAt.Valid {
		at := time.Unix(expiresAt.Int64, 0).UTC()
		tok.Expires = true
		tok.ExpiresAt = &at
	}
	return tok, nil
}

// GetInfo implements Controller.
func (c *SQLiteController) GetInfo(ctx context.Context, token string) (*models.JobInfo, error) {
	if err := c.Cleanup(ctx); err != nil {
		return nil, err
	}
	var raw string
	err := c.db.QueryRowContext(
		ctx, `SELECT info FROM registry WHERE token = ?`, token,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownToken, token)
	}
	if err != nil {
		return nil, fmt.Errorf("read info %q: %w", token, err)
	}
	var info models.JobInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("decoding info %q: %w", token, err)
	}
	return &info, nil
}

// GetStatus implements Controller.
func (c *SQLiteController) GetStatus(ctx context.Context, token string) (models.Status, error) {
	if err := c.Cleanup(ctx); err != nil {
		return "", err
	}
	var status models.Status
	err := c.db.QueryRowContext(
		ctx, `SELECT status FROM registry WHERE token = ?`, token,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %q", ErrUnknownToken, token)
	}
	if err != nil {
		return "", fmt.Errorf("read status %q: %w", token, err)
	}
	return status, nil
}

// RegistryPush implements Controller.
func (c *SQLiteController) RegistryPush(ctx context.Context, lockID string, status models.Status, info *models.JobInfo) error {
	if err := c.Cleanup(ctx); err != nil {
		return err
	}
	if status == "" && info == nil {
		return nil
	}

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		var (
			token     string
			expiresAt int64
		)
		err := tx.QueryRowContext(
			ctx,
			`SELECT token, expires_at FROM locks WHERE id = ?`, lockID,
		).Scan(&token, &expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrLeaseLost
		}
		if err != nil {
			return fmt.Errorf("read lock: %w", err)
		}
		if c.now().Unix() >= expiresAt {
			return ErrLeaseLost
		}

		set := make([]string, 0, 2)
		args := make([]any, 0, 3)
		if status != "" {
			set = append(set, "status = ?")
			args = append(args, status)
		}
		if info != nil {
			raw, err := json.Marshal(info)
			if err != nil {
				return fmt.Errorf("encoding job info: %w", err)
			}
			set = append(set, "info = ?")
			args = append(args, string(raw))
		}
		args = append(args, token)
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE registry SET `+strings.Join(set, ", ")+` WHERE token = ?`,
			args...,
		); err != nil {
			return fmt.Errorf("update registry: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLeaseLost) {
			metrics.IncLease(metrics.LeaseLost)
		}
		return err
	}
	metrics.IncRegistryPush()
	return nil
}

// MessagePush implements Controller.
func (c *SQLiteController) MessagePush(ctx context.Context, token string, instruction models.Instruction, origin, content string) error {
	now := c.now()
	_, err := c.db.ExecContext(
		ctx,
		`INSERT INTO messages(token, instruction, origin, content, received_at, expires_at)
VALUES(?, ?, ?, ?, ?, ?)`,
		token, instruction, origin, content, now.Unix(),
		expiresIn(now, c.cfg.MessageTTL),
	)
	if err != nil {
		if isForeignKeyError(err) {
			// token already dropped or never existed, discard
			c.logger().Info("received message for unknown token",
				"controller", c.cfg.Name, "token", token)
			return nil
		}
		return fmt.Errorf("push message for %q: %w", token, err)
	}
	metrics.IncMessage(string(instruction))
	return nil
}

// MessageGet implements Controller.
func (c *SQLiteController) MessageGet(ctx context.Context, since time.Time) ([]models.Message, error) {
	if err := c.Cleanup(ctx); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(
		ctx,
		`SELECT token, instruction, origin, content, received_at, expires_at
FROM messages WHERE received_at >= ?`,
		since.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()
	var messages []models.Message
	for rows.Next() {
		var (
			m          models.Message
			receivedAt int64
			expiresAt  sql.NullInt64
		)
		if err := rows.Scan(
			&m.Token, &m.Instruction, &m.Origin, &m.Content,
			&receivedAt, &expiresAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ReceivedAt = time.Unix(receivedAt, 0).UTC()
		if expiresAt.Valid {
			at := time.Unix(expiresAt.Int64, 0).UTC()
			m.ExpiresAt = &at
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	return messages, nil
}

// QueueSize implements Controller.
func (c *SQLiteController) QueueSize(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(
		ctx, `SELECT COUNT(*) FROM registry WHERE status = 'queued'`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// RegistrySize implements Controller.
func (c *SQLiteController) RegistrySize(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(
		ctx, `SELECT COUNT(*) FROM registry`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count registry: %w", err)
	}
	return n, nil
}

func isConstraintError(err error) bool {
	return err != nil &&
		strings.Contains(strings.ToLower(err.Error()), "constraint")
}

func isForeignKeyError(err error) bool {
	return err != nil &&
		strings.Contains(strings.ToLower(err.Error()), "foreign key constraint")
}
