// Package history keeps per-user conversation state in memory, persists it
// in the background and evicts conversations that have gone quiet.
//
// Manager is the only type request handlers should use. Persister runs the
// periodic save loop against the same Manager.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"afaqbot/internal/domain"
)

const (
	defaultMaxHistory    = 30
	defaultContextLimit  = 10
	defaultRetentionDays = 30
	displayRuneBudget    = 120
)

// NoHistory is the display text returned by Context for an unknown or empty
// conversation.
const NoHistory = "No previous conversation."

// Labels are the speaker prefixes used in the rendered transcript.
type Labels struct {
	User      string
	Assistant string
}

// UserStats is a per-user projection of a conversation.
type UserStats struct {
	MessageCount      int `json:"message_count"`      // user-authored messages
	ConversationCount int `json:"conversation_count"` // len(history) / 2
}

// Config holds the dependencies and limits of a Manager.
type Config struct {
	MaxHistory    int
	RetentionDays int
	Store         domain.HistoryStore // nil runs in memory-only mode
	Labels        Labels
	Logger        *slog.Logger
	Now           func() time.Time
}

// Manager is the conversation facade shared by request handlers, the
// persister and administrative callers.
type Manager struct {
	table         *Table
	store         domain.HistoryStore
	labels        Labels
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewManager creates a Manager with an empty table.
func NewManager(cfg Config) *Manager {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	if cfg.Labels.User == "" {
		cfg.Labels.User = "Customer"
	}
	if cfg.Labels.Assistant == "" {
		cfg.Labels.Assistant = "Bot"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		table:         NewTable(cfg.MaxHistory),
		store:         cfg.Store,
		labels:        cfg.Labels,
		retentionDays: cfg.RetentionDays,
		logger:        cfg.Logger,
		now:           cfg.Now,
	}
}

// Append records a message stamped with the current time.
func (m *Manager) Append(key string, role domain.Role, content string) {
	m.AppendAt(key, role, content, time.Time{})
}

// AppendAt records a message at the given time; a zero time means now.
func (m *Manager) AppendAt(key string, role domain.Role, content string, at time.Time) {
	if at.IsZero() {
		at = m.now()
	}
	m.table.Append(key, domain.Message{Role: role, Content: content, OccurredAt: at})
}

// Context renders the last limit messages of key's conversation twice: a
// labelled transcript with each message cut to a fixed budget, and the full
// contents joined by newlines for prompt injection.
func (m *Manager) Context(key string, limit int) (display, compact string) {
	if limit <= 0 {
		limit = defaultContextLimit
	}
	msgs := m.table.Messages(key)
	if len(msgs) == 0 {
		return NoHistory, ""
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	var disp, comp strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			disp.WriteByte('\n')
			comp.WriteByte('\n')
		}
		disp.WriteString(m.label(msg.Role))
		disp.WriteString(": ")
		disp.WriteString(truncateRunes(msg.Content, displayRuneBudget))
		comp.WriteString(msg.Content)
	}
	return disp.String(), comp.String()
}

func (m *Manager) label(role domain.Role) string {
	if role == domain.RoleUser {
		return m.labels.User
	}
	return m.labels.Assistant
}

// Clear empties key's conversation and reports whether there was one.
func (m *Manager) Clear(key string) bool {
	cleared := m.table.Clear(key)
	if cleared {
		m.logger.Info("conversation cleared", "user_key", key)
	}
	return cleared
}

// Stats returns the per-user counters for key. Unknown keys yield zeros.
func (m *Manager) Stats(key string) UserStats {
	msgs := m.table.Messages(key)
	var st UserStats
	for _, msg := range msgs {
		if msg.Role == domain.RoleUser {
			st.MessageCount++
		}
	}
	st.ConversationCount = len(msgs) / 2
	return st
}

// Messages returns a copy of key's conversation.
func (m *Manager) Messages(key string) []domain.Message {
	return m.table.Messages(key)
}

// Len returns the number of conversations held in memory.
func (m *Manager) Len() int {
	return m.table.Len()
}

// Persistent reports whether a backing store is configured.
func (m *Manager) Persistent() bool {
	return m.store != nil
}

// Ping probes the backing store.
func (m *Manager) Ping(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.store.Ping(ctx)
}

// Cleanup removes every conversation whose last message is older than
// maxAgeDays and returns how many were removed. Empty conversations and
// messages without a usable timestamp are kept. A non-positive maxAgeDays
// uses the configured retention.
//
// Removed keys are also deleted from the store so they are not hydrated
// again; store failures are returned but do not restore evicted keys.
func (m *Manager) Cleanup(ctx context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		maxAgeDays = m.retentionDays
	}
	cutoff := m.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)

	stale := func(msgs []domain.Message) bool {
		if len(msgs) == 0 {
			return false
		}
		last := msgs[len(msgs)-1].OccurredAt
		return !last.IsZero() && last.Before(cutoff)
	}

	var evicted []string
	for _, key := range m.table.Keys() {
		if m.table.EvictIf(key, stale) {
			evicted = append(evicted, key)
		}
	}

	m.logger.Info("conversation cleanup finished",
		"evicted", len(evicted),
		"remaining", m.table.Len(),
		"max_age_days", maxAgeDays,
	)

	if m.store == nil || len(evicted) == 0 {
		return len(evicted), nil
	}

	var errs []error
	for _, key := range evicted {
		if err := m.store.Delete(ctx, key); err != nil {
			m.logger.Warn("failed to delete evicted conversation from store", "user_key", key, "err", err)
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		// A conversation started after the eviction may have been saved
		// before the delete landed.
		m.table.markDirty(key)
	}
	return len(evicted), errors.Join(errs...)
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
