// Package memory provides durable backends for conversation history.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"afaqbot/internal/domain"

	_ "modernc.org/sqlite"
)

const maxPoolSize = 5

// SQLiteStore implements domain.HistoryStore using SQLite. Each user key is
// one row holding the whole conversation as a JSON array.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.HistoryStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// applies pending migrations. poolSize is clamped to 1..5.
func NewSQLiteStore(dbPath string, poolSize int, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ensureDir(dbPath); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", driverDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	poolSize = min(max(poolSize, 1), maxPoolSize)
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	logger.Info("history store opened", "backend", BackendSQLite, "path", dbPath, "pool_size", poolSize)
	return &SQLiteStore{db: db, logger: logger}, nil
}

// driverDSN adds WAL and a busy timeout to plain paths. URIs are used as given.
func driverDSN(path string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Save replaces the stored history for key.
func (s *SQLiteStore) Save(ctx context.Context, key string, history []domain.Message) error {
	data, err := encodeHistory(history)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_history (user_key, history, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_key) DO UPDATE SET history = excluded.history, updated_at = excluded.updated_at`,
		key, string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save history %s: %w", key, err)
	}
	return nil
}

// LoadAll returns every stored conversation. Rows that fail to decode are
// logged and skipped.
func (s *SQLiteStore) LoadAll(ctx context.Context) (map[string][]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_key, history FROM conversation_history`)
	if err != nil {
		return nil, fmt.Errorf("load histories: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.Message)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		msgs, err := decodeHistory([]byte(raw))
		if err != nil {
			s.logger.Warn("skipping malformed history row", "user_key", key, "err", err)
			continue
		}
		out[key] = msgs
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

// Delete removes key's row. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_history WHERE user_key = ?`, key); err != nil {
		return fmt.Errorf("delete history %s: %w", key, err)
	}
	return nil
}

// Count returns the number of stored conversations.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count histories: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
