package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS kv_changes (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	deleted INTEGER NOT NULL,
	origin TEXT NOT NULL
);`

// changeLogKeep is how many change rows survive a trim.
const changeLogKeep = 1024

// SQLite is a Surface stored in a SQLite database file. Several processes can
// open the same file; each handle has its own origin id so Watch can skip
// the handle's own writes. Watch polls the change log.
type SQLite struct {
	db           *sql.DB
	origin       string
	maxValue     int
	pollInterval time.Duration
	now          func() time.Time
}

var _ Surface = (*SQLite)(nil)

// NewSQLite opens the database at dbPath (":memory:" allowed).
func NewSQLite(dbPath string, maxValue int) (*SQLite, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// busy_timeout first so the following statements wait on locks held by
	// other processes.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}
	if err := execWithRetry(db, sqliteSchema, 5, 10*time.Millisecond); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if maxValue <= 0 {
		maxValue = DefaultMaxValueSize
	}
	return &SQLite{
		db:           db,
		origin:       uuid.NewString(),
		maxValue:     maxValue,
		pollInterval: 250 * time.Millisecond,
		now:          time.Now,
	}, nil
}

// execWithRetry executes a statement with exponential backoff on lock errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// SetPollInterval sets how often Watch polls the change log.
func (s *SQLite) SetPollInterval(d time.Duration) {
	s.pollInterval = d
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key.
func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	var value string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if expiresAt > 0 && s.now().UnixMilli() >= expiresAt {
		s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ? AND expires_at = ?`, key, expiresAt)
		return "", ErrNotFound
	}
	return value, nil
}

// Set stores value under key and appends to the change log.
func (s *SQLite) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if len(value) > s.maxValue {
		return fmt.Errorf("%w: %d bytes for %s, limit %d", ErrQuota, len(value), key, s.maxValue)
	}
	var expiresAt int64
	if exp := expiry(s.now(), ttl); !exp.IsZero() {
		expiresAt = exp.UnixMilli()
	}
	return s.write(ctx, key, value, false, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
			key, value, expiresAt)
		return err
	})
}

// Delete removes key.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	return s.write(ctx, key, "", true, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return err
	})
}

func (s *SQLite) write(ctx context.Context, key, value string, deleted bool, op func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	if err := op(tx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO kv_changes (key, value, deleted, origin) VALUES (?, ?, ?, ?)`,
		key, value, deleted, s.origin)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if seq, err := res.LastInsertId(); err == nil && seq%256 == 0 {
		tx.ExecContext(ctx, `DELETE FROM kv_changes WHERE seq <= ?`, seq-changeLogKeep)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Keys lists live keys starting with prefix in sorted order.
func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? AND (expires_at = 0 OR expires_at > ?) ORDER BY key`,
		len(prefix), prefix, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Watch polls the change log for writes by other handles until ctx is done.
func (s *SQLite) Watch(ctx context.Context) (<-chan Change, error) {
	var last int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM kv_changes`).Scan(&last); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := make(chan Change, watchBuffer)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				last = s.poll(ctx, last, out)
			}
		}
	}()
	return out, nil
}

func (s *SQLite) poll(ctx context.Context, after int64, out chan Change) int64 {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, key, value, deleted, origin FROM kv_changes WHERE seq > ? ORDER BY seq`, after)
	if err != nil {
		// Transient errors are retried on the next tick.
		return after
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int64
			c       Change
			deleted bool
			origin  string
		)
		if err := rows.Scan(&seq, &c.Key, &c.Value, &deleted, &origin); err != nil {
			return after
		}
		after = seq
		if origin == s.origin {
			continue
		}
		c.Deleted = deleted
		notify(out, c)
	}
	return after
}
