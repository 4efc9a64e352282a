// Package agent turns inbound messages into replies: commands are answered
// locally, everything else goes to the provider with the sender's history.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"afaqbot/internal/domain"
	"afaqbot/internal/history"
	"afaqbot/internal/metrics"
)

const (
	defaultConcurrency    = 10
	defaultRequestTimeout = 60 * time.Second
	defaultRateBurst      = 5
	defaultRatePerMinute  = 60.0
)

var errRateLimited = errors.New("rate limited")

// Loop is the worker pool between the bus and the provider.
type Loop struct {
	provider       domain.Provider
	history        *history.Manager
	prompt         *PromptBuilder
	replies        *Replies
	stats          *metrics.Aggregator
	bus            domain.MessageBus
	logger         *slog.Logger
	concurrency    int
	contextLimit   int
	requestTimeout time.Duration
	rateLimiter    *RateLimiter
}

// LoopConfig holds all dependencies and tuning parameters for the agent loop.
type LoopConfig struct {
	Provider       domain.Provider
	History        *history.Manager
	Prompt         *PromptBuilder // nil builds one from Replies
	Replies        *Replies       // nil uses the built-in catalog
	Stats          *metrics.Aggregator
	Bus            domain.MessageBus
	Logger         *slog.Logger
	Concurrency    int // max parallel messages
	ContextLimit   int // history messages rendered into each prompt
	RequestTimeout time.Duration
	RateLimiter    *RateLimiter
}

// NewLoop creates a new agent loop with the given configuration.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Replies == nil {
		cfg.Replies = DefaultReplies()
	}
	if cfg.Prompt == nil {
		cfg.Prompt = NewPromptBuilder(cfg.Replies, "")
	}
	if cfg.Stats == nil {
		cfg.Stats = metrics.NewAggregator(nil)
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = NewRateLimiter(defaultRateBurst, defaultRatePerMinute)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		provider:       cfg.Provider,
		history:        cfg.History,
		prompt:         cfg.Prompt,
		replies:        cfg.Replies,
		stats:          cfg.Stats,
		bus:            cfg.Bus,
		logger:         cfg.Logger,
		concurrency:    cfg.Concurrency,
		contextLimit:   cfg.ContextLimit,
		requestTimeout: cfg.RequestTimeout,
		rateLimiter:    cfg.RateLimiter,
	}
}

// Run consumes inbound messages and processes them with bounded concurrency.
// It returns once ctx is cancelled (or the bus is closed) and every
// in-flight message has been answered.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("agent loop started", "concurrency", l.concurrency)

	sem := make(chan struct{}, l.concurrency)
	inbound := l.bus.Subscribe()
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("agent loop stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				l.logger.Info("inbound channel closed, agent loop stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				l.logger.Warn("dropping message on shutdown", "channel", msg.Channel, "sender", msg.SenderID)
				return
			}
			wg.Add(1)
			go func(m domain.InboundMessage) {
				defer wg.Done()
				defer func() { <-sem }()
				l.processMessage(ctx, m)
			}(msg)
		}
	}
}

// processMessage answers one inbound message through the bus.
func (l *Loop) processMessage(ctx context.Context, msg domain.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic while processing message", "channel", msg.Channel, "sender", msg.SenderID, "panic", r)
			l.stats.TrackError(msg.Channel + "_processing")
		}
	}()

	l.logger.Info("processing message",
		"channel", msg.Channel,
		"sender", msg.SenderID,
		"content_len", len(msg.Content),
		"attachments", len(msg.Attachments),
	)
	l.stats.TrackMessage("received")

	reply := l.Handle(ctx, msg)
	if reply == "" {
		return
	}
	l.bus.SendOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: reply,
		Format:  "text",
	})
	l.stats.TrackMessage("sent")
}

// Handle produces the reply for msg. It never fails: provider errors turn
// into the matching fallback text from the reply catalog.
func (l *Loop) Handle(ctx context.Context, msg domain.InboundMessage) string {
	switch msg.MissingMedia {
	case domain.MediaImage:
		return l.replies.Fallbacks.Image
	case domain.MediaAudio:
		return l.replies.Fallbacks.VoiceUnavailable
	}

	if cmd := ParseCommand(msg.Content); cmd != nil && len(msg.Attachments) == 0 {
		if res := l.HandleCommand(cmd, msg); res.Handled {
			l.stats.TrackMessage("command")
			return res.Response
		}
	}

	text := msg.Content
	kind := mediaKind(msg.Attachments)
	if text == "" {
		switch kind {
		case domain.MediaImage:
			text = l.replies.Media.PhotoPrompt
		case domain.MediaAudio:
			text = l.replies.Media.VoicePrompt
		default:
			return l.replies.Fallbacks.Unsupported
		}
	}

	reply, err := l.ask(ctx, msg, text)
	if err != nil {
		l.logger.Error("provider call failed", "user", msg.UserKey(), "provider", l.provider.Name(), "error", err)
		l.stats.TrackError("gemini")
		return l.fallback(kind, err)
	}
	return reply
}

func (l *Loop) ask(ctx context.Context, msg domain.InboundMessage, text string) (string, error) {
	key := msg.UserKey()
	display, compact := l.history.Context(key, l.contextLimit)
	prompt := l.prompt.Build(display, compact, text)
	l.history.Append(key, domain.RoleUser, text)

	ctx, cancel := context.WithTimeout(ctx, l.requestTimeout)
	defer cancel()

	if err := l.rateLimiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %w", errRateLimited, err)
	}

	start := time.Now()
	resp, err := l.provider.Chat(ctx, domain.ChatRequest{
		Prompt:      prompt,
		Attachments: msg.Attachments,
	})
	l.stats.TrackResponseTime(time.Since(start))
	if err != nil {
		return "", err
	}

	l.history.Append(key, domain.RoleAssistant, resp.Content)
	return resp.Content, nil
}

func (l *Loop) fallback(kind domain.MediaKind, err error) string {
	switch {
	case errors.Is(err, errRateLimited):
		return l.replies.Fallbacks.RateLimited
	case kind == domain.MediaImage:
		return l.replies.Fallbacks.Image
	case kind == domain.MediaAudio:
		return l.replies.Fallbacks.Voice
	default:
		return l.replies.Fallbacks.Text
	}
}

// mediaKind reports the kind of the first attachment, or "" for none.
func mediaKind(atts []domain.Attachment) domain.MediaKind {
	if len(atts) == 0 {
		return ""
	}
	return atts[0].Kind
}
