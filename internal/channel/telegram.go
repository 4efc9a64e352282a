package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"afaqbot/internal/domain"
	"afaqbot/internal/metrics"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramWebhookPath    = "/telegram"
	defaultMaxFileBytes    = 5 << 20
)

var errFileTooLarge = errors.New("file too large")

// telegramAPI is the subset of *tgbotapi.BotAPI the channel uses once
// connected.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Telegram implements domain.Channel for a Telegram bot, receiving updates
// by long polling or through the shared HTTP server in webhook mode.
type Telegram struct {
	token        string
	mode         string // polling | webhook
	webhookURL   string
	allowFrom    map[int64]bool // empty allows everyone
	maxFileBytes int64
	apiEndpoint  string
	client       *http.Client
	sendBackoff  time.Duration

	bus    domain.MessageBus
	stats  *metrics.Aggregator
	logger *slog.Logger

	mu  sync.RWMutex
	api telegramAPI
}

type TelegramConfig struct {
	Token         string
	Mode          string
	WebhookDomain string // host name without scheme, webhook mode only
	AllowFrom     []string
	MaxFileBytes  int64
	APIEndpoint   string       // defaults to tgbotapi.APIEndpoint
	Client        *http.Client // used for the Bot API and file downloads
	Bus           domain.MessageBus
	Stats         *metrics.Aggregator
	Logger        *slog.Logger
}

// NewTelegram creates the channel and registers its outbound handler on the bus.
func NewTelegram(cfg TelegramConfig) *Telegram {
	allowed := make(map[int64]bool)
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed[id] = true
		}
	}
	if cfg.Mode == "" {
		cfg.Mode = "polling"
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = defaultMaxFileBytes
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Stats == nil {
		cfg.Stats = metrics.NewAggregator(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	t := &Telegram{
		token:        cfg.Token,
		mode:         cfg.Mode,
		allowFrom:    allowed,
		maxFileBytes: cfg.MaxFileBytes,
		apiEndpoint:  cfg.APIEndpoint,
		client:       cfg.Client,
		sendBackoff:  time.Second,
		bus:          cfg.Bus,
		stats:        cfg.Stats,
		logger:       cfg.Logger.With("channel", "telegram"),
	}
	if cfg.WebhookDomain != "" {
		t.webhookURL = "https://" + cfg.WebhookDomain + telegramWebhookPath
	}

	cfg.Bus.OnOutbound("telegram", func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		if err := t.Send(context.Background(), msg.ChatID, msg.Content); err != nil {
			t.logger.Error("telegram outbound failed", "chat_id", msg.ChatID, "err", err)
		}
	})
	return t
}

func (t *Telegram) Name() string { return "telegram" }

// WebhookURL is the URL registered with Telegram, empty in polling mode.
func (t *Telegram) WebhookURL() string {
	if t.mode != "webhook" {
		return ""
	}
	return t.webhookURL
}

func (t *Telegram) setAPI(api telegramAPI) {
	t.mu.Lock()
	t.api = api
	t.mu.Unlock()
}

func (t *Telegram) getAPI() telegramAPI {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.api
}

// Start connects to Telegram. In polling mode it consumes updates until ctx
// is cancelled; in webhook mode it registers the webhook and waits.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.apiEndpoint, t.client)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.setAPI(bot)
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
		"mode", t.mode,
	)

	if t.mode == "webhook" {
		wh, err := tgbotapi.NewWebhook(t.webhookURL)
		if err != nil {
			return fmt.Errorf("telegram webhook config: %w", err)
		}
		if _, err := bot.Request(wh); err != nil {
			return fmt.Errorf("set telegram webhook: %w", err)
		}
		t.logger.Info("telegram webhook registered", "url", t.webhookURL)
		<-ctx.Done()
		return nil
	}

	if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		t.logger.Warn("could not delete telegram webhook", "err", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// Routes exposes the webhook endpoint in webhook mode.
func (t *Telegram) Routes() []domain.Route {
	if t.mode != "webhook" {
		return nil
	}
	return []domain.Route{{Pattern: "POST " + telegramWebhookPath, Handler: http.HandlerFunc(t.handleWebhook)}}
}

func (t *Telegram) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	if t.getAPI() == nil {
		http.Error(rw, "telegram not connected", http.StatusServiceUnavailable)
		return
	}
	var update tgbotapi.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&update); err != nil {
		t.logger.Warn("invalid telegram update", "err", err)
		t.stats.TrackError("webhook")
		http.Error(rw, "invalid update", http.StatusBadRequest)
		return
	}
	t.handleUpdate(r.Context(), update)
	rw.WriteHeader(http.StatusOK)
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return
	}

	userID := m.From.ID
	chatID := m.Chat.ID
	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user", "user_id", userID, "username", m.From.UserName)
		return
	}

	msg := domain.InboundMessage{
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(chatID, 10),
		SenderID:  strconv.FormatInt(userID, 10),
		Timestamp: time.Unix(int64(m.Date), 0),
	}

	switch {
	case m.Text != "":
		msg.Content = strings.TrimSpace(m.Text)
	case len(m.Photo) > 0:
		largest := m.Photo[len(m.Photo)-1]
		msg.Content = strings.TrimSpace(m.Caption)
		t.attach(ctx, &msg, domain.MediaImage, largest.FileID, int64(largest.FileSize), "image/jpeg")
	case m.Voice != nil:
		t.attach(ctx, &msg, domain.MediaAudio, m.Voice.FileID, int64(m.Voice.FileSize), m.Voice.MimeType)
	case m.Audio != nil:
		t.attach(ctx, &msg, domain.MediaAudio, m.Audio.FileID, int64(m.Audio.FileSize), m.Audio.MimeType)
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(msg.Content),
		"attachments", len(msg.Attachments),
	)

	if api := t.getAPI(); api != nil {
		_, _ = api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	}

	if !t.bus.Publish(msg) {
		t.stats.TrackError("telegram_processing")
	}
}

// attach downloads a file into msg, or marks it missing on failure.
func (t *Telegram) attach(ctx context.Context, msg *domain.InboundMessage, kind domain.MediaKind, fileID string, size int64, mime string) {
	data, err := t.download(ctx, fileID, size)
	if err != nil {
		t.logger.Warn("telegram file download failed", "kind", kind, "size", size, "err", err)
		msg.MissingMedia = kind
		return
	}
	t.logger.Info("telegram file downloaded", "kind", kind, "bytes", len(data))
	msg.Attachments = append(msg.Attachments, domain.Attachment{Kind: kind, MIMEType: mime, Data: data})
}

func (t *Telegram) download(ctx context.Context, fileID string, size int64) ([]byte, error) {
	if size > t.maxFileBytes {
		return nil, fmt.Errorf("%w: %d bytes", errFileTooLarge, size)
	}
	api := t.getAPI()
	if api == nil {
		return nil, errors.New("telegram not connected")
	}
	url, err := api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", redactToken(err, t.token))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if int64(len(data)) > t.maxFileBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", errFileTooLarge, t.maxFileBytes)
	}
	return data, nil
}

func (t *Telegram) isAllowed(userID int64) bool {
	return len(t.allowFrom) == 0 || t.allowFrom[userID]
}

// Send delivers content to chatID, split into Telegram-sized chunks.
func (t *Telegram) Send(ctx context.Context, chatID string, content string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	api := t.getAPI()
	if api == nil {
		return errors.New("telegram not connected")
	}
	for _, chunk := range splitMessage(content, telegramMaxMsgLen) {
		if err := t.sendChunk(ctx, api, id, chunk); err != nil {
			t.stats.TrackError("telegram_send")
			return err
		}
	}
	return nil
}

// sendChunk sends one chunk, backing off longer on rate limiting.
func (t *Telegram) sendChunk(ctx context.Context, api telegramAPI, chatID int64, text string) error {
	var err error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		if _, err = api.Send(tgbotapi.NewMessage(chatID, text)); err == nil {
			return nil
		}
		if attempt == telegramMaxSendRetries {
			break
		}

		backoff := time.Duration(attempt+1) * t.sendBackoff
		if strings.Contains(err.Error(), "Too Many Requests") || strings.Contains(err.Error(), "429") {
			backoff *= 3
			t.logger.Warn("telegram rate limited, backing off", "retry_after", backoff, "attempt", attempt+1)
		} else {
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", telegramMaxSendRetries+1, err)
}

// splitMessage cuts msg into chunks of at most maxLen runes, preferring to
// break after a newline in the second half of a chunk.
func splitMessage(msg string, maxLen int) []string {
	runes := []rune(msg)
	if len(runes) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			chunks = append(chunks, string(runes))
			break
		}
		cut := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

// redactToken strips the bot token from errors carrying a file URL.
func redactToken(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "REDACTED"))
}
