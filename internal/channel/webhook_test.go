package channel

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"afaqbot/internal/bus"
	"afaqbot/internal/domain"
	"afaqbot/internal/metrics"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestWebhook(secret string) (*Webhook, *bus.InMemoryBus, *metrics.Aggregator) {
	b := bus.New(10, testLogger())
	stats := metrics.NewAggregator(nil)
	w := NewWebhook(WebhookConfig{Secret: secret, Bus: b, Stats: stats, Logger: testLogger()})
	return w, b, stats
}

func postWebhook(w *Webhook, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if sig != "" {
		req.Header.Set("X-Signature-256", sig)
	}
	rr := httptest.NewRecorder()
	w.handleWebhook(rr, req)
	return rr
}

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"content":"hello"}`)
	if !verifyHMAC(body, "test-secret", sign("test-secret", body)) {
		t.Error("valid HMAC should verify")
	}
	if verifyHMAC(body, "test-secret", "sha256=invalid") {
		t.Error("invalid HMAC should not verify")
	}
	if verifyHMAC(body, "test-secret", "") {
		t.Error("empty signature should not verify")
	}
}

func TestWebhookHandler_PublishesInbound(t *testing.T) {
	w, b, _ := newTestWebhook("s3cret")
	body := []byte(`{"channel":"crm","chat_id":"c1","user_id":"u9","content":"عايز أسعار الشاشات"}`)

	rr := postWebhook(w, body, sign("s3cret", body))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}

	msg := <-b.Subscribe()
	if msg.Channel != "webhook" || msg.ChatID != "c1" || msg.SenderID != "crm/u9" {
		t.Fatalf("unexpected inbound: %+v", msg)
	}
	if msg.Content != "عايز أسعار الشاشات" || msg.Timestamp.IsZero() {
		t.Fatalf("unexpected content or timestamp: %+v", msg)
	}
}

func TestWebhookHandler_Defaults(t *testing.T) {
	w, b, _ := newTestWebhook("")
	rr := postWebhook(w, []byte(`{"content":"hi"}`), "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
	msg := <-b.Subscribe()
	if msg.ChatID != "webhook-default" || msg.SenderID != "webhook/webhook-default" {
		t.Fatalf("unexpected defaults: %+v", msg)
	}
}

func TestWebhookHandler_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		secret string
		body   string
		sig    string
		code   int
		errors int64
	}{
		{"missing signature", "s", `{"content":"hi"}`, "", http.StatusUnauthorized, 1},
		{"bad signature", "s", `{"content":"hi"}`, "sha256=00", http.StatusForbidden, 1},
		{"invalid json", "", `{bad`, "", http.StatusBadRequest, 1},
		{"empty content", "", `{"chat_id":"c"}`, "", http.StatusBadRequest, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, _, stats := newTestWebhook(tc.secret)
			rr := postWebhook(w, []byte(tc.body), tc.sig)
			if rr.Code != tc.code {
				t.Fatalf("status = %d, want %d", rr.Code, tc.code)
			}
			if got := stats.Snapshot().TotalErrors["webhook"]; got != tc.errors {
				t.Fatalf("webhook errors = %d, want %d", got, tc.errors)
			}
		})
	}
}

func TestWebhookHandler_ClosedBus(t *testing.T) {
	w, b, _ := newTestWebhook("")
	b.Close()
	rr := postWebhook(w, []byte(`{"content":"hi"}`), "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestWebhookHandler_MethodNotAllowed(t *testing.T) {
	w, _, _ := newTestWebhook("")
	req := httptest.NewRequest(http.MethodPut, "/webhook", nil)
	rr := httptest.NewRecorder()
	w.handleWebhook(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestWebhook_RepliesQueuedAndDrained(t *testing.T) {
	w, b, _ := newTestWebhook("")
	b.SendOutbound(domain.OutboundMessage{Channel: "webhook", ChatID: "c1", Content: "أهلاً"})
	b.SendOutbound(domain.OutboundMessage{Channel: "webhook", ChatID: "c1", Content: "تحت أمرك"})
	b.SendOutbound(domain.OutboundMessage{Channel: "webhook", ChatID: "c2", Content: "other"})

	get := func(query string) map[string]any {
		rr := httptest.NewRecorder()
		w.handleReplies(rr, httptest.NewRequest(http.MethodGet, "/webhook?"+query, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		var out map[string]any
		if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		return out
	}

	got := get("chat_id=c1")["replies"].([]any)
	if len(got) != 2 || got[0] != "أهلاً" || got[1] != "تحت أمرك" {
		t.Fatalf("replies = %v", got)
	}
	if again := get("chat_id=c1")["replies"].([]any); len(again) != 0 {
		t.Fatalf("queue not drained: %v", again)
	}

	rr := httptest.NewRecorder()
	w.handleReplies(rr, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing chat_id: status = %d", rr.Code)
	}
}

func TestWebhook_ReplyQueueBounded(t *testing.T) {
	w, _, _ := newTestWebhook("")
	for i := 0; i < maxPendingReplies+5; i++ {
		w.Send(t.Context(), "c1", strings.Repeat("x", i+1))
	}
	q := w.replies["c1"]
	if len(q) != maxPendingReplies {
		t.Fatalf("queue length = %d", len(q))
	}
	if len(q[0]) != 6 {
		t.Fatalf("oldest kept reply has length %d, want 6", len(q[0]))
	}
}

func TestWebhook_RepliesRequireSignature(t *testing.T) {
	w, _, _ := newTestWebhook("s3cret")
	w.Send(t.Context(), "c1", "hi")

	rr := httptest.NewRecorder()
	w.handleReplies(rr, httptest.NewRequest(http.MethodGet, "/webhook?chat_id=c1", nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("unsigned: status = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/webhook?chat_id=c1", nil)
	req.Header.Set("X-Signature-256", sign("s3cret", []byte("chat_id=c1")))
	rr = httptest.NewRecorder()
	w.handleReplies(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("signed: status = %d", rr.Code)
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short message", 100); len(got) != 1 || got[0] != "short message" {
		t.Fatalf("short: %v", got)
	}
	if got := splitMessage("", 100); len(got) != 1 || got[0] != "" {
		t.Fatalf("empty: %v", got)
	}

	// Arabic letters are two bytes each; limits count runes.
	text := strings.Repeat("س", 9)
	got := splitMessage(text, 4)
	if len(got) != 3 || got[0] != "سسسس" || got[2] != "س" {
		t.Fatalf("runes: %q", got)
	}
}
