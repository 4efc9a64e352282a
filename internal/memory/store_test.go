package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"afaqbot/internal/domain"
)

func sampleHistory() []domain.Message {
	base := time.Date(2026, 10, 19, 9, 30, 15, 0, time.UTC)
	return []domain.Message{
		{Role: domain.RoleUser, Content: "مرحبا", OccurredAt: base},
		{Role: domain.RoleAssistant, Content: "Hello! How can I help?", OccurredAt: base.Add(2 * time.Second)},
		{Role: domain.RoleUser, Content: "line one\nline two", OccurredAt: base.Add(time.Minute)},
	}
}

func assertSameHistory(t *testing.T, want, got []domain.Message) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Role != want[i].Role || got[i].Content != want[i].Content {
			t.Fatalf("message %d: expected %+v, got %+v", i, want[i], got[i])
		}
		if !got[i].OccurredAt.Equal(want[i].OccurredAt) {
			t.Fatalf("message %d: expected time %v, got %v", i, want[i].OccurredAt, got[i].OccurredAt)
		}
	}
}

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "data", "history.db"), 1, testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	want := sampleHistory()
	if err := s.Save(ctx, "telegram:42", want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, "ws:abc", want[:1]); err != nil {
		t.Fatalf("Save: %v", err)
	}

	all, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(all))
	}
	assertSameHistory(t, want, all["telegram:42"])
	assertSameHistory(t, want[:1], all["ws:abc"])
}

func TestSQLiteStore_SaveReplaces(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	s.Save(ctx, "k", sampleHistory())
	if err := s.Save(ctx, "k", nil); err != nil {
		t.Fatalf("Save: %v", err)
	}

	all, _ := s.LoadAll(ctx)
	msgs, ok := all["k"]
	if !ok {
		t.Fatal("cleared conversation should still be stored")
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty history, got %d", len(msgs))
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Fatalf("upsert should keep a single row, got %d", n)
	}
}

func TestSQLiteStore_Delete(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	s.Save(ctx, "a", sampleHistory())
	s.Save(ctx, "b", sampleHistory())
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "missing"); err != nil {
		t.Fatalf("deleting a missing key should succeed: %v", err)
	}

	all, _ := s.LoadAll(ctx)
	if _, ok := all["a"]; ok {
		t.Fatal("deleted key still loaded")
	}
	if _, ok := all["b"]; !ok {
		t.Fatal("other key lost")
	}
}

func TestSQLiteStore_SkipsMalformedRows(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	s.Save(ctx, "good", sampleHistory())
	if _, err := s.db.Exec(
		`INSERT INTO conversation_history (user_key, history) VALUES ('bad', '{not json')`,
	); err != nil {
		t.Fatal(err)
	}

	all, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll should not fail on a bad row: %v", err)
	}
	if _, ok := all["bad"]; ok {
		t.Fatal("malformed row should be skipped")
	}
	if _, ok := all["good"]; !ok {
		t.Fatal("good row should load")
	}
}

func TestSQLiteStore_LegacyRows(t *testing.T) {
	s := newTestSQLiteStore(t)
	if _, err := s.db.Exec(
		`INSERT INTO conversation_history (user_key, history) VALUES (?, ?)`,
		"telegram:7",
		`[{"role":"user","text":"hi","time":"2024-01-05 14:30"},{"role":"bot","text":"hello","time":"yesterday"}]`,
	); err != nil {
		t.Fatal(err)
	}

	all, err := s.LoadAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	msgs := all["telegram:7"]
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	want := time.Date(2024, 1, 5, 14, 30, 0, 0, time.Local)
	if !msgs[0].OccurredAt.Equal(want) {
		t.Fatalf("legacy time: expected %v, got %v", want, msgs[0].OccurredAt)
	}
	if msgs[1].Role != domain.RoleAssistant {
		t.Fatalf("non-user role should map to assistant, got %q", msgs[1].Role)
	}
	if !msgs[1].OccurredAt.IsZero() {
		t.Fatalf("unparseable time should be zero, got %v", msgs[1].OccurredAt)
	}
}

func TestSQLiteStore_ClosedReturnsError(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "h.db"), 3, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	ctx := context.Background()
	if err := s.Ping(ctx); err == nil {
		t.Fatal("expected ping error on closed store")
	}
	if err := s.Save(ctx, "k", sampleHistory()); err == nil {
		t.Fatal("expected save error on closed store")
	}
}

func TestSQLiteStore_CancelledContext(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Save(ctx, "k", sampleHistory()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBoltStore_RoundTripAndDelete(t *testing.T) {
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "history.bolt"), testLogger())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	want := sampleHistory()
	if err := s.Save(ctx, "telegram:42", want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, "telegram:43", want[:2]); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	all, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	assertSameHistory(t, want, all["telegram:42"])

	if err := s.Delete(ctx, "telegram:42"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Fatalf("expected 1 conversation after delete, got %d", n)
	}
}

func TestBoltStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.bolt")
	s, err := NewBoltStore(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	s.Save(context.Background(), "k", sampleHistory())
	s.Close()

	s, err = NewBoltStore(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	all, err := s.LoadAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	assertSameHistory(t, sampleHistory(), all["k"])
}
