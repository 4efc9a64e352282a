package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"afaqbot/internal/history"
)

func TestDefaultReplies_Complete(t *testing.T) {
	r := DefaultReplies()
	fields := map[string]string{
		"persona":           r.Persona,
		"labels.user":       r.Labels.User,
		"labels.assistant":  r.Labels.Assistant,
		"commands.start":    r.Commands.Start,
		"commands.cleared":  r.Commands.Cleared,
		"commands.nothing":  r.Commands.NothingToClear,
		"commands.help":     r.Commands.Help,
		"commands.stats":    r.Commands.Stats,
		"media.photo":       r.Media.PhotoPrompt,
		"media.voice":       r.Media.VoicePrompt,
		"fallbacks.text":    r.Fallbacks.Text,
		"fallbacks.image":   r.Fallbacks.Image,
		"fallbacks.voice":   r.Fallbacks.Voice,
		"fallbacks.unavail": r.Fallbacks.VoiceUnavailable,
		"fallbacks.unsupp":  r.Fallbacks.Unsupported,
		"fallbacks.rate":    r.Fallbacks.RateLimited,
	}
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			t.Errorf("%s is empty", name)
		}
	}
	if r.Labels.User != "العميل" || r.Labels.Assistant != "البوت" {
		t.Fatalf("labels = %+v", r.Labels)
	}
}

func TestLoadReplies_MergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replies.yaml")
	data := "labels:\n  user: Customer\ncommands:\n  start: Welcome!\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := LoadReplies(path)
	if err != nil {
		t.Fatalf("LoadReplies: %v", err)
	}
	if r.Commands.Start != "Welcome!" || r.Labels.User != "Customer" {
		t.Fatalf("override not applied: %+v", r)
	}
	if r.Labels.Assistant != "البوت" || r.Commands.Help == "" {
		t.Fatal("unset keys should keep their defaults")
	}
}

func TestLoadReplies_Errors(t *testing.T) {
	if _, err := LoadReplies(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("commands: [unclosed"), 0o600)
	if _, err := LoadReplies(path); err == nil {
		t.Fatal("expected parse error")
	}
	r, err := LoadReplies("")
	if err != nil || r.Commands.Start == "" {
		t.Fatalf("empty path should return defaults, err=%v", err)
	}
}

func TestReplies_Stats(t *testing.T) {
	r := DefaultReplies()
	got := r.stats(history.UserStats{MessageCount: 3, ConversationCount: 2})
	want := "📊 إحصائياتك:\n- عدد رسائلك: 3\n- عدد المحادثات: 2"
	if got != want {
		t.Fatalf("stats = %q, want %q", got, want)
	}
}

func TestPromptBuilder_Build(t *testing.T) {
	r := DefaultReplies()
	pb := NewPromptBuilder(r, "You sell phones.")
	pb.now = func() time.Time { return time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC) }

	got := pb.Build("العميل: hi\nالبوت: hello", "hi\nhello", "price?")
	for _, want := range []string{
		"You sell phones.",
		"2026-10-19 09:30 (Monday)",
		"## Conversation so far\nالعميل: hi\nالبوت: hello",
		"## Recent messages\nhi\nhello",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("prompt missing %q:\n%s", want, got)
		}
	}
	if !strings.HasSuffix(got, "العميل: price?") {
		t.Fatalf("prompt tail:\n%s", got)
	}
	if strings.Contains(got, "آفاق ستورز") {
		t.Fatal("persona override should replace the catalog persona")
	}
}

func TestPromptBuilder_NoHistory(t *testing.T) {
	pb := NewPromptBuilder(DefaultReplies(), "")
	got := pb.Build(history.NoHistory, "", "hi")
	if strings.Contains(got, "## Recent messages") {
		t.Fatal("empty compact history should be omitted")
	}
	if !strings.Contains(got, history.NoHistory) || !strings.Contains(got, "آفاق ستورز") {
		t.Fatalf("unexpected prompt:\n%s", got)
	}
}

func TestParseCommand(t *testing.T) {
	if ParseCommand("hello") != nil {
		t.Fatal("plain text is not a command")
	}
	cmd := ParseCommand("  /Stats@afaq_bot now ")
	if cmd == nil || cmd.Name != "stats" || len(cmd.Args) != 1 || cmd.Args[0] != "now" {
		t.Fatalf("unexpected parse: %+v", cmd)
	}
}
