package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"afaqbot/internal/domain"
	"afaqbot/internal/metrics"
)

// WebhookConfig configures the webhook channel.
type WebhookConfig struct {
	Path   string // webhook URL path (default: /webhook)
	Secret string // HMAC secret for verifying webhook signatures
	Bus    domain.MessageBus
	Stats  *metrics.Aggregator
	Logger *slog.Logger
}

// Webhook accepts messages as signed JSON POSTs. Replies are kept per chat
// until fetched with GET on the same path.
type Webhook struct {
	path   string
	secret string
	bus    domain.MessageBus
	stats  *metrics.Aggregator
	logger *slog.Logger

	mu      sync.Mutex
	replies map[string][]string // chat ID -> undelivered replies
}

// WebhookPayload is the expected JSON body for webhook requests.
type WebhookPayload struct {
	Channel string `json:"channel"` // source channel identifier
	ChatID  string `json:"chat_id"` // target chat/conversation ID
	UserID  string `json:"user_id"` // sender identifier
	Content string `json:"content"` // message content
}

const maxPendingReplies = 20

// NewWebhook creates the channel and registers its outbound handler on the bus.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if cfg.Stats == nil {
		cfg.Stats = metrics.NewAggregator(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Webhook{
		path:    cfg.Path,
		secret:  cfg.Secret,
		bus:     cfg.Bus,
		stats:   cfg.Stats,
		logger:  cfg.Logger.With("channel", "webhook"),
		replies: make(map[string][]string),
	}
	cfg.Bus.OnOutbound("webhook", func(msg domain.OutboundMessage) {
		if msg.Content != "" {
			w.Send(context.Background(), msg.ChatID, msg.Content)
		}
	})
	return w
}

func (w *Webhook) Name() string { return "webhook" }

// Start blocks until ctx is cancelled; requests arrive through Routes.
func (w *Webhook) Start(ctx context.Context) error {
	w.logger.Info("webhook channel ready", "path", w.path, "signed", w.secret != "")
	<-ctx.Done()
	return nil
}

// Send queues a reply for chatID, dropping the oldest beyond a fixed bound.
func (w *Webhook) Send(_ context.Context, chatID string, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	q := append(w.replies[chatID], content)
	if len(q) > maxPendingReplies {
		q = q[len(q)-maxPendingReplies:]
	}
	w.replies[chatID] = q
	return nil
}

func (w *Webhook) Routes() []domain.Route {
	return []domain.Route{
		{Pattern: "POST " + w.path, Handler: http.HandlerFunc(w.handleWebhook)},
		{Pattern: "GET " + w.path, Handler: http.HandlerFunc(w.handleReplies)},
	}
}

func (w *Webhook) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if w.secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			w.stats.TrackError("webhook")
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, w.secret, sig) {
			w.stats.TrackError("webhook")
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.stats.TrackError("webhook")
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if payload.Content == "" {
		http.Error(rw, "Content is required", http.StatusBadRequest)
		return
	}

	// Replies are routed back by the bus channel name, so the payload's
	// channel only namespaces the sender.
	source := payload.Channel
	if source == "" {
		source = "webhook"
	}
	if payload.ChatID == "" {
		payload.ChatID = "webhook-default"
	}
	if payload.UserID == "" {
		payload.UserID = payload.ChatID
	}

	w.logger.Info("webhook received",
		"source", source,
		"chat_id", payload.ChatID,
		"user_id", payload.UserID,
		"content_len", len(payload.Content),
	)

	if !w.bus.Publish(domain.InboundMessage{
		Channel:   "webhook",
		ChatID:    payload.ChatID,
		SenderID:  source + "/" + payload.UserID,
		Content:   payload.Content,
		Timestamp: time.Now(),
	}) {
		w.stats.TrackError("webhook")
		http.Error(rw, "Busy", http.StatusServiceUnavailable)
		return
	}

	writeJSON(rw, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleReplies returns and clears the queued replies for ?chat_id=.
func (w *Webhook) handleReplies(rw http.ResponseWriter, r *http.Request) {
	if w.secret != "" && !verifyHMAC([]byte(r.URL.RawQuery), w.secret, r.Header.Get("X-Signature-256")) {
		http.Error(rw, "Invalid signature", http.StatusForbidden)
		return
	}
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		http.Error(rw, "chat_id is required", http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	replies := w.replies[chatID]
	delete(w.replies, chatID)
	w.mu.Unlock()

	if replies == nil {
		replies = []string{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"chat_id": chatID, "replies": replies})
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
