package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"afaqbot/internal/bus"
	"afaqbot/internal/domain"
	"afaqbot/internal/history"
	"afaqbot/internal/metrics"
)

type fakeProvider struct {
	mu       sync.Mutex
	requests []domain.ChatRequest
	reply    string
	err      error
}

func (p *fakeProvider) Name() string                  { return "fake" }
func (p *fakeProvider) Healthy(context.Context) error { return nil }

func (p *fakeProvider) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	return &domain.ChatResponse{Content: p.reply}, nil
}

func (p *fakeProvider) calls() []domain.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ChatRequest(nil), p.requests...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type testEnv struct {
	loop     *Loop
	provider *fakeProvider
	history  *history.Manager
	stats    *metrics.Aggregator
	bus      *bus.InMemoryBus
	replies  *Replies
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	replies := DefaultReplies()
	p := &fakeProvider{reply: "أهلاً بيك"}
	h := history.NewManager(history.Config{MaxHistory: 30, Labels: replies.HistoryLabels(), Logger: testLogger()})
	stats := metrics.NewAggregator(nil)
	b := bus.New(10, testLogger())
	l := NewLoop(LoopConfig{
		Provider:    p,
		History:     h,
		Replies:     replies,
		Stats:       stats,
		Bus:         b,
		Logger:      testLogger(),
		Concurrency: 2,
		RateLimiter: NewRateLimiter(100, 6000),
	})
	return &testEnv{loop: l, provider: p, history: h, stats: stats, bus: b, replies: replies}
}

func textMsg(content string) domain.InboundMessage {
	return domain.InboundMessage{Channel: "telegram", ChatID: "100", SenderID: "42", Content: content, Timestamp: time.Now()}
}

func TestHandle_TextRecordsBothTurns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if got := env.loop.Handle(ctx, textMsg("عندكم شواحن؟")); got != "أهلاً بيك" {
		t.Fatalf("reply = %q", got)
	}
	msgs := env.history.Messages("telegram:42")
	if len(msgs) != 2 || msgs[0].Role != domain.RoleUser || msgs[1].Role != domain.RoleAssistant {
		t.Fatalf("unexpected history: %+v", msgs)
	}

	env.loop.Handle(ctx, textMsg("بكام؟"))
	calls := env.provider.calls()
	if len(calls) != 2 {
		t.Fatalf("provider calls = %d", len(calls))
	}
	second := calls[1].Prompt
	if !strings.Contains(second, "العميل: عندكم شواحن؟") || !strings.Contains(second, "البوت: أهلاً بيك") {
		t.Fatalf("prompt lacks history:\n%s", second)
	}
	if !strings.HasSuffix(second, "العميل: بكام؟") {
		t.Fatalf("prompt should end with the new message:\n%s", second)
	}
}

func TestHandle_FirstPromptHasNoHistorySentinel(t *testing.T) {
	env := newTestEnv(t)
	env.loop.Handle(context.Background(), textMsg("hi"))
	if p := env.provider.calls()[0].Prompt; !strings.Contains(p, history.NoHistory) {
		t.Fatalf("expected sentinel in first prompt:\n%s", p)
	}
}

func TestHandle_Commands(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if got := env.loop.Handle(ctx, textMsg("/start")); got != env.replies.Commands.Start {
		t.Fatalf("/start = %q", got)
	}
	if got := env.loop.Handle(ctx, textMsg("/clear")); got != env.replies.Commands.NothingToClear {
		t.Fatalf("/clear on empty = %q", got)
	}

	env.loop.Handle(ctx, textMsg("hello"))
	if got := env.loop.Handle(ctx, textMsg("/stats")); !strings.Contains(got, "عدد رسائلك: 1") || !strings.Contains(got, "عدد المحادثات: 1") {
		t.Fatalf("/stats = %q", got)
	}
	if got := env.loop.Handle(ctx, textMsg("/RESET@afaq_bot")); got != env.replies.Commands.Cleared {
		t.Fatalf("/reset = %q", got)
	}
	if got := env.loop.Handle(ctx, textMsg("/help")); got != env.replies.Commands.Help {
		t.Fatalf("/help = %q", got)
	}
	if n := len(env.provider.calls()); n != 1 {
		t.Fatalf("commands must not reach the provider, calls=%d", n)
	}
	if env.stats.Snapshot().TotalMessages["command"] != 5 {
		t.Fatalf("command counter = %d", env.stats.Snapshot().TotalMessages["command"])
	}
}

func TestHandle_UnknownCommandGoesToProvider(t *testing.T) {
	env := newTestEnv(t)
	env.loop.Handle(context.Background(), textMsg("/price iphone"))
	calls := env.provider.calls()
	if len(calls) != 1 || !strings.HasSuffix(calls[0].Prompt, "/price iphone") {
		t.Fatalf("unknown command not forwarded: %+v", calls)
	}
}

func TestHandle_PhotoUsesMediaPrompt(t *testing.T) {
	env := newTestEnv(t)
	msg := textMsg("")
	msg.Attachments = []domain.Attachment{{Kind: domain.MediaImage, Data: []byte{1, 2, 3}}}

	env.loop.Handle(context.Background(), msg)
	calls := env.provider.calls()
	if len(calls) != 1 || len(calls[0].Attachments) != 1 {
		t.Fatalf("attachment not forwarded: %+v", calls)
	}
	if !strings.HasSuffix(calls[0].Prompt, env.replies.Media.PhotoPrompt) {
		t.Fatalf("prompt = %q", calls[0].Prompt)
	}
	if msgs := env.history.Messages("telegram:42"); msgs[0].Content != env.replies.Media.PhotoPrompt {
		t.Fatalf("history user turn = %q", msgs[0].Content)
	}
}

func TestHandle_ProviderErrorFallbacks(t *testing.T) {
	env := newTestEnv(t)
	env.provider.err = errors.New("boom")
	ctx := context.Background()

	if got := env.loop.Handle(ctx, textMsg("hi")); got != env.replies.Fallbacks.Text {
		t.Fatalf("text fallback = %q", got)
	}
	voice := textMsg("")
	voice.Attachments = []domain.Attachment{{Kind: domain.MediaAudio, Data: []byte{1}}}
	if got := env.loop.Handle(ctx, voice); got != env.replies.Fallbacks.Voice {
		t.Fatalf("voice fallback = %q", got)
	}
	if n := env.stats.Snapshot().TotalErrors["gemini"]; n != 2 {
		t.Fatalf("gemini errors = %d", n)
	}
	msgs := env.history.Messages("telegram:42")
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant {
			t.Fatal("failed call must not record an assistant turn")
		}
	}
}

func TestHandle_MissingMediaAndUnsupported(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	img := textMsg("")
	img.MissingMedia = domain.MediaImage
	if got := env.loop.Handle(ctx, img); got != env.replies.Fallbacks.Image {
		t.Fatalf("missing image = %q", got)
	}
	audio := textMsg("")
	audio.MissingMedia = domain.MediaAudio
	if got := env.loop.Handle(ctx, audio); got != env.replies.Fallbacks.VoiceUnavailable {
		t.Fatalf("missing audio = %q", got)
	}
	if got := env.loop.Handle(ctx, textMsg("")); got != env.replies.Fallbacks.Unsupported {
		t.Fatalf("unsupported = %q", got)
	}
	if len(env.provider.calls()) != 0 {
		t.Fatal("provider should not be called")
	}
}

func TestHandle_RateLimitedFallback(t *testing.T) {
	env := newTestEnv(t)
	env.loop.rateLimiter = NewRateLimiter(1, 0.001)
	env.loop.requestTimeout = 20 * time.Millisecond
	ctx := context.Background()

	env.loop.Handle(ctx, textMsg("first"))
	if got := env.loop.Handle(ctx, textMsg("second")); got != env.replies.Fallbacks.RateLimited {
		t.Fatalf("reply = %q", got)
	}
}

func TestRun_RepliesThroughBus(t *testing.T) {
	env := newTestEnv(t)
	replies := make(chan domain.OutboundMessage, 4)
	env.bus.OnOutbound("telegram", func(m domain.OutboundMessage) { replies <- m })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.loop.Run(ctx)
		close(done)
	}()

	if !env.bus.Publish(textMsg("hi")) {
		t.Fatal("publish failed")
	}
	select {
	case out := <-replies:
		if out.ChatID != "100" || out.Content != "أهلاً بيك" {
			t.Fatalf("unexpected outbound: %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	snap := env.stats.Snapshot()
	if snap.TotalMessages["received"] != 1 || snap.TotalMessages["sent"] != 1 {
		t.Fatalf("counters = %+v", snap.TotalMessages)
	}
}
