package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:        "info",
			MaxWorkers:      10,
			RateLimitPerMin: 60,
			ContextLimit:    10,
		},
		Provider: ProviderConfig{
			APIBase:         "https://generativelanguage.googleapis.com/v1beta",
			Model:           "gemini-2.0-flash",
			Temperature:     0.9,
			MaxOutputTokens: 2048,
			TimeoutSeconds:  30,
			MaxRetries:      2,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:      false,
				Mode:         "polling",
				MaxFileBytes: 5 << 20,
			},
			Webhook: WebhookConfig{
				Enabled: false,
			},
			WebSocket: WebSocketConfig{
				Enabled: false,
			},
		},
		Memory: MemoryConfig{
			PoolSize:             1,
			MaxHistory:           30,
			RetentionDays:        30,
			SaveIntervalSeconds:  300,
			CleanupIntervalHours: 0,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
	}
}
