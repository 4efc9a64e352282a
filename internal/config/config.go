package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for afaqbot.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Provider ProviderConfig `json:"provider"`
	Channels ChannelsConfig `json:"channels"`
	Memory   MemoryConfig   `json:"memory"`
	Server   ServerConfig   `json:"server"`
	Admin    AdminConfig    `json:"admin"`
}

type GeneralConfig struct {
	LogLevel        string `json:"logLevel"`
	LogFile         string `json:"logFile,omitempty"`
	MaxWorkers      int    `json:"maxWorkers"`
	RateLimitPerMin int    `json:"rateLimitPerMinute"`
	ContextLimit    int    `json:"contextLimit"`          // messages rendered into each prompt
	RepliesFile     string `json:"repliesFile,omitempty"` // YAML reply catalog overriding the built-in one
	Persona         string `json:"persona,omitempty"`     // replaces the catalog persona when set
}

// ProviderConfig configures the Gemini backend.
type ProviderConfig struct {
	APIBase         string  `json:"apiBase"`
	APIKey          string  `json:"apiKey,omitempty"`
	Model           string  `json:"model"`
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
	TimeoutSeconds  int     `json:"timeoutSeconds"`
	MaxRetries      int     `json:"maxRetries"`
	// FallbackModels are tried in order when Model fails.
	FallbackModels []string `json:"fallbackModels,omitempty"`
}

type ChannelsConfig struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Webhook   WebhookConfig   `json:"webhook"`
	WebSocket WebSocketConfig `json:"websocket"`
}

type TelegramConfig struct {
	Enabled       bool           `json:"enabled"`
	Token         string         `json:"token"`
	Mode          string         `json:"mode"`                    // "polling" | "webhook"
	WebhookDomain string         `json:"webhookDomain,omitempty"` // public host for webhook mode
	AllowFrom     FlexStringList `json:"allowFrom"`
	MaxFileBytes  int64          `json:"maxFileBytes"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// WebhookConfig configures the generic JSON webhook on POST /webhook.
type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	Secret  string `json:"secret,omitempty"` // HMAC-SHA256 key for X-Signature-256
}

// WebSocketConfig configures the chat socket on GET /ws.
type WebSocketConfig struct {
	Enabled        bool     `json:"enabled"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// MemoryConfig configures conversation history and its backing store.
type MemoryConfig struct {
	DatabaseURL          string `json:"databaseUrl,omitempty"` // empty keeps history in memory only
	PoolSize             int    `json:"poolSize"`
	MaxHistory           int    `json:"maxHistory"`
	RetentionDays        int    `json:"retentionDays"`
	SaveIntervalSeconds  int    `json:"saveIntervalSeconds"`
	CleanupIntervalHours int    `json:"cleanupIntervalHours"` // 0 disables the periodic sweep
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type AdminConfig struct {
	Secret string `json:"secret,omitempty"` // bearer token for /admin routes
}

// DefaultConfigDir returns the default config directory (~/.afaqbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".afaqbot"
	}
	return filepath.Join(home, ".afaqbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the JSON config at path, expands ${VAR} references, applies
// environment overrides and validates the result. A missing file is not an
// error when allowMissing is set; defaults plus environment are used instead.
func Load(path string, allowMissing bool) (*Config, error) {
	path = ExpandPath(path)

	cfg := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		data = []byte(ExpandEnvVars(string(data)))
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && allowMissing:
	default:
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.General.RepliesFile = ExpandPath(cfg.General.RepliesFile)
	cfg.Memory.DatabaseURL = ExpandPath(cfg.Memory.DatabaseURL)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFile reads the config file as written, without ${VAR} expansion,
// environment overrides or validation. config set edits this form so that
// secrets from the environment are never written back.
func LoadFile(path string) (*Config, error) {
	path = ExpandPath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset VAR
// without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	// The file holds tokens.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks every field and reports all problems at once.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxWorkers < 1 || cfg.General.MaxWorkers > 100 {
		errs = append(errs, "general.maxWorkers must be between 1 and 100")
	}
	if cfg.General.RateLimitPerMin < 0 {
		errs = append(errs, "general.rateLimitPerMinute must be >= 0")
	}
	if cfg.General.ContextLimit < 1 {
		errs = append(errs, "general.contextLimit must be >= 1")
	}

	if cfg.Provider.Temperature < 0 || cfg.Provider.Temperature > 2 {
		errs = append(errs, "provider.temperature must be between 0 and 2")
	}
	if cfg.Provider.MaxOutputTokens < 1 {
		errs = append(errs, "provider.maxOutputTokens must be >= 1")
	}
	if cfg.Provider.TimeoutSeconds < 1 {
		errs = append(errs, "provider.timeoutSeconds must be >= 1")
	}
	if cfg.Provider.MaxRetries < 0 {
		errs = append(errs, "provider.maxRetries must be >= 0")
	}

	tg := cfg.Channels.Telegram
	switch tg.Mode {
	case "polling":
	case "webhook":
		if tg.Enabled && tg.WebhookDomain == "" {
			errs = append(errs, "channels.telegram.webhookDomain is required in webhook mode")
		}
	default:
		errs = append(errs, "channels.telegram.mode must be one of: polling, webhook")
	}
	if tg.Enabled && tg.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}
	if tg.MaxFileBytes < 1 {
		errs = append(errs, "channels.telegram.maxFileBytes must be >= 1")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}

	if cfg.Memory.MaxHistory < 1 {
		errs = append(errs, "memory.maxHistory must be >= 1")
	}
	if cfg.Memory.RetentionDays < 1 {
		errs = append(errs, "memory.retentionDays must be >= 1")
	}
	if cfg.Memory.SaveIntervalSeconds < 1 {
		errs = append(errs, "memory.saveIntervalSeconds must be >= 1")
	}
	if cfg.Memory.PoolSize < 1 || cfg.Memory.PoolSize > 5 {
		errs = append(errs, "memory.poolSize must be between 1 and 5")
	}
	if cfg.Memory.CleanupIntervalHours < 0 {
		errs = append(errs, "memory.cleanupIntervalHours must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves a leading ~/ to the user's home directory. URLs and
// other values pass through unchanged.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
