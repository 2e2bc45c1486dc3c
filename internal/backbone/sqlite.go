package backbone

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/polyglot-sync/relay/pkg/protocol"
)

// SQLiteResults implements ResultStore on an embedded SQLite database.
// expires_at holds unix milliseconds, 0 for entries that never expire.
type SQLiteResults struct {
	db *sql.DB
}

// NewSQLiteResults opens the database and creates the results table.
func NewSQLiteResults(dsn string) (*SQLiteResults, error) {
	// In-memory databases need a shared cache so every pooled connection
	// sees the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS results (
		key TEXT PRIMARY KEY,
		event TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT 'null',
		expires_at INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_results_expires ON results(expires_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteResults{db: db}, nil
}

func (s *SQLiteResults) GetResult(ctx context.Context, key string) (protocol.Result, error) {
	var res protocol.Result
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT event, data FROM results WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, time.Now().UnixMilli()).Scan(&res.Event, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Result{}, ErrNotFound
	}
	if err != nil {
		return protocol.Result{}, fmt.Errorf("get result %s: %w", key, err)
	}
	res.Data = []byte(data)
	return res, nil
}

func (s *SQLiteResults) PutResult(ctx context.Context, key string, res protocol.Result, ttl time.Duration) error {
	var expires int64
	if ttl > 0 {
		expires = time.Now().Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results (key, event, data, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET event = excluded.event, data = excluded.data, expires_at = excluded.expires_at`,
		key, res.Event, string(dataOrNull(res.Data)), expires)
	if err != nil {
		return fmt.Errorf("put result %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteResults) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM results WHERE expires_at != 0 AND expires_at <= ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteResults) Close() error {
	return s.db.Close()
}
