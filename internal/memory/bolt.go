package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"afaqbot/internal/domain"

	bolt "go.etcd.io/bbolt"
)

var historyBucket = []byte("conversation_history")

// BoltStore implements domain.HistoryStore on a single bbolt file. Keys are
// user keys, values the same JSON arrays SQLiteStore writes.
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
}

var _ domain.HistoryStore = (*BoltStore)(nil)

// NewBoltStore opens (creating if needed) the bbolt file at path.
func NewBoltStore(path string, logger *slog.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cannot open bolt database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(historyBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history bucket: %w", err)
	}

	logger.Info("history store opened", "backend", BackendBolt, "path", path)
	return &BoltStore{db: db, logger: logger}, nil
}

// Save replaces the stored history for key.
func (s *BoltStore) Save(ctx context.Context, key string, history []domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeHistory(history)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(historyBucket).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("save history %s: %w", key, err)
	}
	return nil
}

// LoadAll returns every stored conversation, skipping malformed values.
func (s *BoltStore) LoadAll(ctx context.Context) (map[string][]domain.Message, error) {
	out := make(map[string][]domain.Message)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(historyBucket).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			msgs, err := decodeHistory(v)
			if err != nil {
				s.logger.Warn("skipping malformed history row", "user_key", string(k), "err", err)
				return nil
			}
			out[string(k)] = msgs
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load histories: %w", err)
	}
	return out, nil
}

func (s *BoltStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(historyBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete history %s: %w", key, err)
	}
	return nil
}

// Count returns the number of stored conversations.
func (s *BoltStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(historyBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Ping verifies the file is still open and readable.
func (s *BoltStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(historyBucket) == nil {
			return errors.New("history bucket missing")
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
