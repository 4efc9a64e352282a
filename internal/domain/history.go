package domain

import (
	"context"
	"time"
)

// Role identifies who authored a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry of a user's conversation history.
type Message struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	OccurredAt time.Time `json:"occurred_at"`
}

// UserKey builds the history key "<channel>:<external-id>".
func UserKey(channel, externalID string) string {
	return channel + ":" + externalID
}

// HistoryStore is the durable backing store for conversation histories.
// Implementations must be safe for concurrent use and must report an
// unavailable backend as an error rather than panicking.
type HistoryStore interface {
	// Save replaces the whole stored history for key.
	Save(ctx context.Context, key string, history []Message) error
	LoadAll(ctx context.Context) (map[string][]Message, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}
