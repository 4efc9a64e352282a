package memory

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"afaqbot/internal/domain"
)

// ErrNoDSN is returned by Open when no database is configured. Callers fall
// back to in-memory history.
var ErrNoDSN = errors.New("memory: no database configured")

// Backend identifies a store implementation.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendBolt   Backend = "bolt"
)

// ParseDSN resolves a configured database URL into a backend and a filesystem
// path or driver DSN. Accepted forms:
//
//	/var/lib/afaqbot/history.db     bare path, SQLite
//	sqlite:///var/lib/history.db    SQLite
//	file:history.db?mode=rwc        SQLite URI, passed through
//	bolt:///var/lib/history.bolt    bbolt
func ParseDSN(dsn string) (Backend, string, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return "", "", ErrNoDSN
	case strings.HasPrefix(dsn, "sqlite://"):
		return withPath(BackendSQLite, dsn, "sqlite://")
	case strings.HasPrefix(dsn, "bolt://"):
		return withPath(BackendBolt, dsn, "bolt://")
	case strings.HasPrefix(dsn, "file:"):
		return BackendSQLite, dsn, nil
	case strings.Contains(dsn, "://"):
		scheme, _, _ := strings.Cut(dsn, "://")
		return "", "", fmt.Errorf("unsupported database scheme %q", scheme)
	default:
		return BackendSQLite, dsn, nil
	}
}

func withPath(backend Backend, dsn, prefix string) (Backend, string, error) {
	p := strings.TrimPrefix(dsn, prefix)
	if p == "" {
		return "", "", fmt.Errorf("database URL %q has no path", dsn)
	}
	return backend, p, nil
}

// Open parses dsn and opens the matching store. poolSize applies to SQLite
// only.
func Open(dsn string, poolSize int, logger *slog.Logger) (domain.HistoryStore, error) {
	backend, target, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	switch backend {
	case BackendBolt:
		return NewBoltStore(target, logger)
	default:
		return NewSQLiteStore(target, poolSize, logger)
	}
}

// ensureDir creates the parent directory of a file-backed database.
func ensureDir(path string) error {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}
	return nil
}
