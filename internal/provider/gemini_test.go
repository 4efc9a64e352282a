package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"afaqbot/internal/domain"
)

func fastBackoff(t *testing.T) {
	t.Helper()
	old := backoffBase
	backoffBase = time.Millisecond
	t.Cleanup(func() { backoffBase = old })
}

func newTestGemini(srv *httptest.Server, retries int) *Gemini {
	return NewGemini(GeminiConfig{
		APIKey:     "secret-key",
		APIBase:    srv.URL + "/v1beta/",
		Model:      "gemini-2.0-flash",
		MaxRetries: retries,
		Client:     srv.Client(),
		Logger:     testLogger(),
	})
}

const okBody = `{"candidates":[{"content":{"parts":[{"text":"Hello "},{"text":"there "}]},"finishReason":"STOP"}],
"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}`

func TestGemini_ChatRequestShape(t *testing.T) {
	var got gemRequest
	var path, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.URL.Query().Get("key")
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte(okBody))
	}))
	defer srv.Close()

	g := newTestGemini(srv, 0)
	resp, err := g.Chat(context.Background(), domain.ChatRequest{
		Prompt: "describe",
		Attachments: []domain.Attachment{
			{Kind: domain.MediaImage, Data: []byte("jpg")},
			{Kind: domain.MediaAudio, MIMEType: "audio/mpeg", Data: []byte("mp3")},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "Hello there" {
		t.Fatalf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 5 || resp.FinishReason != "STOP" {
		t.Fatalf("unexpected response metadata: %+v", resp)
	}

	if path != "/v1beta/models/gemini-2.0-flash:generateContent" {
		t.Fatalf("path = %q", path)
	}
	if key != "secret-key" {
		t.Fatalf("key = %q", key)
	}
	if len(got.Contents) != 1 || len(got.Contents[0].Parts) != 3 {
		t.Fatalf("unexpected contents: %+v", got.Contents)
	}
	parts := got.Contents[0].Parts
	if parts[0].Text != "describe" {
		t.Fatalf("text part = %q", parts[0].Text)
	}
	if parts[1].InlineData == nil || parts[1].InlineData.MIMEType != "image/jpeg" {
		t.Fatalf("image part = %+v", parts[1].InlineData)
	}
	if parts[1].InlineData.Data != base64.StdEncoding.EncodeToString([]byte("jpg")) {
		t.Fatal("image data not base64 encoded")
	}
	if parts[2].InlineData == nil || parts[2].InlineData.MIMEType != "audio/mpeg" {
		t.Fatalf("audio part = %+v", parts[2].InlineData)
	}
	if got.GenerationConfig.Temperature != 0.9 || got.GenerationConfig.MaxOutputTokens != 2048 {
		t.Fatalf("generation config = %+v", got.GenerationConfig)
	}
	if len(got.SafetySettings) != 4 {
		t.Fatalf("safety settings = %d", len(got.SafetySettings))
	}
	for _, s := range got.SafetySettings {
		if s.Threshold != "BLOCK_ONLY_HIGH" {
			t.Fatalf("threshold = %q", s.Threshold)
		}
	}
}

func TestGemini_RetriesServerErrors(t *testing.T) {
	fastBackoff(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusInternalServerError)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.Write([]byte(okBody))
		}
	}))
	defer srv.Close()

	resp, err := newTestGemini(srv, 2).Chat(context.Background(), domain.ChatRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "Hello there" || calls.Load() != 3 {
		t.Fatalf("content=%q calls=%d", resp.Content, calls.Load())
	}
}

func TestGemini_GivesUpAfterRetries(t *testing.T) {
	fastBackoff(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestGemini(srv, 1).Chat(context.Background(), domain.ChatRequest{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	if strings.Contains(err.Error(), "secret-key") {
		t.Fatalf("error leaks API key: %v", err)
	}
}

func TestGemini_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"bad"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestGemini(srv, 3).Chat(context.Background(), domain.ChatRequest{Prompt: "hi"})
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected 400 error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestGemini_Blocked(t *testing.T) {
	cases := map[string]string{
		"prompt feedback": `{"promptFeedback":{"blockReason":"SAFETY"}}`,
		"finish reason":   `{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}))
			defer srv.Close()

			_, err := newTestGemini(srv, 0).Chat(context.Background(), domain.ChatRequest{Prompt: "hi"})
			if !errors.Is(err, ErrBlocked) {
				t.Fatalf("expected ErrBlocked, got %v", err)
			}
		})
	}
}

func TestGemini_NoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	_, err := newTestGemini(srv, 0).Chat(context.Background(), domain.ChatRequest{Prompt: "hi"})
	if err == nil || errors.Is(err, ErrBlocked) {
		t.Fatalf("expected plain error, got %v", err)
	}
}

func TestGemini_RequestOverrides(t *testing.T) {
	var got gemRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(okBody))
	}))
	defer srv.Close()

	_, err := newTestGemini(srv, 0).Chat(context.Background(), domain.ChatRequest{
		Prompt: "hi", Model: "gemini-1.5-pro", Temperature: 0.2, MaxTokens: 100,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !strings.HasSuffix(path, "/models/gemini-1.5-pro:generateContent") {
		t.Fatalf("path = %q", path)
	}
	if got.GenerationConfig.Temperature != 0.2 || got.GenerationConfig.MaxOutputTokens != 100 {
		t.Fatalf("generation config = %+v", got.GenerationConfig)
	}
}

func TestGemini_Healthy(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1beta/models/gemini-2.0-flash" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	g := newTestGemini(srv, 0)
	if err := g.Healthy(context.Background()); err != nil {
		t.Fatalf("Healthy: %v", err)
	}
	status.Store(http.StatusForbidden)
	if err := g.Healthy(context.Background()); err == nil {
		t.Fatal("expected error for 403")
	}
}

func TestRedactKey(t *testing.T) {
	err := redactKey(errors.New(`Post "http://x/models/m?key=abc+def": refused`), "abc def")
	if strings.Contains(err.Error(), "abc") {
		t.Fatalf("key not redacted: %v", err)
	}
	if redactKey(nil, "k") != nil {
		t.Fatal("nil error should stay nil")
	}
}
