package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"afaqbot/internal/agent"
	"afaqbot/internal/bus"
	"afaqbot/internal/channel"
	"afaqbot/internal/config"
	"afaqbot/internal/domain"
	"afaqbot/internal/history"
	"afaqbot/internal/metrics"
	"afaqbot/internal/provider"

	"github.com/spf13/cobra"
)

const (
	drainTimeout   = 30 * time.Second
	busBufferSize  = 100
	rateLimitBurst = 5
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the bot (channels, HTTP server and agent workers)",
		Long:  "Starts every enabled channel, the HTTP server and the agent workers. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	replies, err := agent.LoadReplies(cfg.General.RepliesFile)
	if err != nil {
		return err
	}

	store, err := openStore(cfg.Memory)
	if err != nil {
		return fmt.Errorf("history store: %w", err)
	}
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("close history store", "err", err)
			}
		}()
	}

	hist := history.NewManager(history.Config{
		MaxHistory:    cfg.Memory.MaxHistory,
		RetentionDays: cfg.Memory.RetentionDays,
		Store:         store,
		Labels:        replies.HistoryLabels(),
		Logger:        logger.With("component", "history"),
	})
	persister := history.NewPersister(hist, history.PersisterConfig{
		Interval: time.Duration(cfg.Memory.SaveIntervalSeconds) * time.Second,
	})
	if _, err := persister.Hydrate(ctx); err != nil {
		logger.Error("starting with empty history", "err", err)
	}

	collector := metrics.NewCollector("afaqbot")
	collector.GaugeFunc("afaqbot_active_conversations", "Conversations held in memory", func() int64 {
		return int64(hist.Len())
	})
	stats := metrics.NewAggregator(collector)

	prov := provider.New(cfg.Provider, logger)
	if err := prov.Healthy(ctx); err != nil {
		logger.Warn("provider unhealthy at startup", "provider", prov.Name(), "err", err)
	} else {
		logger.Info("provider healthy", "provider", prov.Name())
	}

	messageBus := bus.New(busBufferSize, logger)

	var limiter *agent.RateLimiter
	if cfg.General.RateLimitPerMin > 0 {
		limiter = agent.NewRateLimiter(rateLimitBurst, float64(cfg.General.RateLimitPerMin))
	}
	agentLoop := agent.NewLoop(agent.LoopConfig{
		Provider:       prov,
		History:        hist,
		Prompt:         agent.NewPromptBuilder(replies, cfg.General.Persona),
		Replies:        replies,
		Stats:          stats,
		Bus:            messageBus,
		Logger:         logger.With("component", "agent"),
		Concurrency:    cfg.General.MaxWorkers,
		ContextLimit:   cfg.General.ContextLimit,
		RequestTimeout: time.Duration(cfg.Provider.TimeoutSeconds) * time.Second * time.Duration(cfg.Provider.MaxRetries+1),
		RateLimiter:    limiter,
	})

	channels, telegramCh := buildChannels(cfg, messageBus, stats)

	var routes []domain.Route
	for _, ch := range channels {
		if rc, ok := ch.(domain.RoutedChannel); ok {
			routes = append(routes, rc.Routes()...)
		}
	}
	webhookURL := ""
	if telegramCh != nil {
		webhookURL = telegramCh.WebhookURL()
	}
	web := channel.NewWeb(channel.WebConfig{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		Version:            version,
		History:            hist,
		Stats:              stats,
		Collector:          collector,
		ProviderName:       prov.Name(),
		AdminSecret:        cfg.Admin.Secret,
		TelegramWebhookURL: webhookURL,
		Routes:             routes,
		Logger:             logger.With("component", "http"),
	})

	// Workers and the persister outlive the channels so that queued
	// messages are answered and saved before exit.
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		agentLoop.Run(workCtx)
	}()
	persistCtx, stopPersist := context.WithCancel(context.Background())
	defer stopPersist()
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		persister.Run(persistCtx)
	}()

	sweeper := history.NewSweeper(hist, history.SweeperConfig{
		Interval:   time.Duration(cfg.Memory.CleanupIntervalHours) * time.Hour,
		MaxAgeDays: cfg.Memory.RetentionDays,
		Logger:     logger.With("component", "sweeper"),
	})
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Start(ctx)
	}()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		startErr error
	)
	run := func(name string, start func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := start(ctx); err != nil {
				logger.Error("component failed", "component", name, "err", err)
				errMu.Lock()
				startErr = errors.Join(startErr, fmt.Errorf("%s: %w", name, err))
				errMu.Unlock()
				stop()
			}
		}()
	}
	for _, ch := range channels {
		run(ch.Name(), ch.Start)
	}
	run("http", web.Start)

	logger.Info("gateway started",
		"version", version,
		"channels", len(channels),
		"persistent", hist.Persistent(),
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	)

	<-ctx.Done()
	logger.Info("shutting down gateway...")

	wg.Wait()
	messageBus.Close()

	select {
	case <-loopDone:
	case <-time.After(drainTimeout):
		logger.Warn("agent workers did not drain in time, cancelling")
		stopWork()
		<-loopDone
	}

	// The sweeper may still be deleting from the store.
	<-sweepDone
	stopPersist()
	<-persistDone

	logger.Info("shutdown complete")
	return startErr
}

// buildChannels creates every enabled channel. Each registers its outbound
// handler on the bus as it is constructed.
func buildChannels(cfg *config.Config, messageBus domain.MessageBus, stats *metrics.Aggregator) ([]domain.Channel, *channel.Telegram) {
	var (
		channels   []domain.Channel
		telegramCh *channel.Telegram
	)

	if tg := cfg.Channels.Telegram; tg.Enabled {
		telegramCh = channel.NewTelegram(channel.TelegramConfig{
			Token:         tg.Token,
			Mode:          tg.Mode,
			WebhookDomain: tg.WebhookDomain,
			AllowFrom:     tg.AllowFrom,
			MaxFileBytes:  tg.MaxFileBytes,
			Client:        provider.SharedHTTPClient(time.Minute),
			Bus:           messageBus,
			Stats:         stats,
			Logger:        logger,
		})
		channels = append(channels, telegramCh)
		logger.Info("telegram channel enabled", "mode", tg.Mode)
	} else {
		logger.Info("telegram channel disabled")
	}

	if wh := cfg.Channels.Webhook; wh.Enabled {
		channels = append(channels, channel.NewWebhook(channel.WebhookConfig{
			Secret: wh.Secret,
			Bus:    messageBus,
			Stats:  stats,
			Logger: logger,
		}))
		if wh.Secret == "" {
			logger.Warn("webhook channel enabled without a signing secret")
		}
	}

	if ws := cfg.Channels.WebSocket; ws.Enabled {
		channels = append(channels, channel.NewWebSocketChannel(channel.WSConfig{
			AllowedOrigins: ws.AllowedOrigins,
			Bus:            messageBus,
			Logger:         logger,
		}))
	}

	return channels, telegramCh
}
