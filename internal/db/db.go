package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrConflict is returned when an optimistic version check loses to a concurrent writer.
// WithTx retries the whole unit of work when it sees it.
var ErrConflict = errors.New("concurrent modification")

type Options struct {
	BusyTimeout     time.Duration
	MaxRetryElapsed time.Duration
}

type DB struct {
	conn *sql.DB
	opts Options

	// OnRetry is called before a transaction is retried.
	OnRetry func(err error)
}

func Open(path string, opts Options) (*DB, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.MaxRetryElapsed <= 0 {
		opts.MaxRetryElapsed = 10 * time.Second
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")

	conn, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{conn: conn, opts: opts}, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'member',
		weekly_quota_minutes INTEGER,
		active INTEGER NOT NULL DEFAULT 1,
		shadow INTEGER NOT NULL DEFAULT 0,
		token_hash TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS users_active_username ON users(username) WHERE active = 1;

	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		hostname TEXT NOT NULL UNIQUE,
		agent_version TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		last_seen_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS gpus (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		uuid TEXT NOT NULL UNIQUE,
		idx INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		memory_mb INTEGER NOT NULL DEFAULT 0,
		placeholder INTEGER NOT NULL DEFAULT 0,
		last_seen_at INTEGER NOT NULL,
		FOREIGN KEY (node_id) REFERENCES nodes(id)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		gpu_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		state TEXT NOT NULL,
		origin TEXT NOT NULL,
		reserved_from INTEGER,
		reserved_until INTEGER,
		started_at INTEGER,
		heartbeat_at INTEGER,
		ended_at INTEGER,
		pids_json TEXT NOT NULL DEFAULT '[]',
		note TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY (user_id) REFERENCES users(id),
		FOREIGN KEY (gpu_id) REFERENCES gpus(id),
		FOREIGN KEY (node_id) REFERENCES nodes(id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_active
		ON sessions(user_id, gpu_id) WHERE state IN ('RESERVED', 'RUNNING');
	CREATE INDEX IF NOT EXISTS sessions_state ON sessions(state);

	CREATE TABLE IF NOT EXISTS usage_logs (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		user_id TEXT NOT NULL,
		gpu_id TEXT,
		node_id TEXT,
		start_ts INTEGER NOT NULL,
		end_ts INTEGER NOT NULL,
		minutes INTEGER NOT NULL,
		tag TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);
	CREATE INDEX IF NOT EXISTS usage_logs_user_start ON usage_logs(user_id, start_ts);
	CREATE INDEX IF NOT EXISTS usage_logs_session ON usage_logs(session_id);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		type TEXT NOT NULL,
		session_id TEXT,
		user_id TEXT,
		gpu_id TEXT,
		payload_json TEXT
	);
	`

	_, err := d.conn.Exec(schema)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	return nil
}

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.conn.ExecContext(ctx, query, args...)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.conn.QueryContext(ctx, query, args...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.conn.QueryRowContext(ctx, query, args...)
}

// WithTx runs fn in a single transaction. The transaction is committed when fn
// returns nil and rolled back otherwise. Conflicts and busy/locked errors roll
// back and rerun fn from the start, so fn must re-read everything it relies on.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = d.opts.MaxRetryElapsed

	operation := func() error {
		err := d.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		if d.OnRetry != nil {
			d.OnRetry(err)
		}
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

func (d *DB) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Retryable reports whether err is worth rerunning the transaction for.
func Retryable(err error) bool {
	if errors.Is(err, ErrConflict) {
		return true
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

// Millis converts a time to the storage representation (unix milliseconds, UTC).
func Millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// NullMillis is Millis for optional columns.
func NullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: Millis(*t), Valid: true}
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// FromNullMillis is the inverse of NullMillis.
func FromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMillis(v.Int64)
	return &t
}
