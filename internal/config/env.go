package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays the deployment environment variables on cfg. Empty
// values are ignored. Setting TELEGRAM_TOKEN enables Telegram; setting
// WEBHOOK_DOMAIN switches it to webhook mode.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	var errs []string
	setInt := func(key string, dst *int) {
		v, ok := get(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not an integer", key, v))
			return
		}
		*dst = n
	}

	if v, ok := get("TELEGRAM_TOKEN"); ok {
		cfg.Channels.Telegram.Token = v
		cfg.Channels.Telegram.Enabled = true
	}
	if v, ok := get("WEBHOOK_DOMAIN"); ok {
		cfg.Channels.Telegram.WebhookDomain = strings.TrimSuffix(strings.TrimPrefix(v, "https://"), "/")
		cfg.Channels.Telegram.Mode = "webhook"
	}
	if v, ok := get("GEMINI_API_KEY"); ok {
		cfg.Provider.APIKey = v
	}
	if v, ok := get("DATABASE_URL"); ok {
		cfg.Memory.DatabaseURL = v
	}
	if v, ok := get("ADMIN_SECRET"); ok {
		cfg.Admin.Secret = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.General.LogLevel = strings.ToLower(v)
	}

	setInt("MAX_HISTORY", &cfg.Memory.MaxHistory)
	setInt("SAVE_INTERVAL", &cfg.Memory.SaveIntervalSeconds)
	setInt("MAX_WORKERS", &cfg.General.MaxWorkers)
	setInt("PORT", &cfg.Server.Port)
	setInt("REQUEST_TIMEOUT", &cfg.Provider.TimeoutSeconds)

	if v, ok := get("IMAGE_MAX_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("IMAGE_MAX_SIZE: %q is not an integer", v))
		} else {
			cfg.Channels.Telegram.MaxFileBytes = n
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
