package channel

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"afaqbot/internal/domain"
	"afaqbot/internal/history"
	"afaqbot/internal/metrics"
)

const (
	maxBodySize       = 1 << 20
	healthPingTimeout = 3 * time.Second
	shutdownTimeout   = 5 * time.Second
)

//go:embed web_templates/*.html
var templateFS embed.FS

// WebConfig holds the dependencies of the HTTP server.
type WebConfig struct {
	Host               string
	Port               int
	Version            string
	History            *history.Manager
	Stats              *metrics.Aggregator
	Collector          *metrics.Collector // nil disables /metrics/prometheus
	ProviderName       string
	AdminSecret        string // empty disables /admin/cleanup
	TelegramWebhookURL string
	Routes             []domain.Route // contributed by channels
	Logger             *slog.Logger
}

// Web is the single HTTP server: status, health, metrics, admin cleanup and
// the endpoints contributed by HTTP-driven channels.
type Web struct {
	addr        string
	version     string
	history     *history.Manager
	stats       *metrics.Aggregator
	provider    string
	adminSecret string
	webhookURL  string
	tmpl        *htmltemplate.Template
	handler     http.Handler
	started     time.Time
	logger      *slog.Logger
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Stats == nil {
		cfg.Stats = metrics.NewAggregator(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	w := &Web{
		addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		version:     cfg.Version,
		history:     cfg.History,
		stats:       cfg.Stats,
		provider:    cfg.ProviderName,
		adminSecret: cfg.AdminSecret,
		webhookURL:  cfg.TelegramWebhookURL,
		tmpl:        htmltemplate.Must(htmltemplate.ParseFS(templateFS, "web_templates/*.html")),
		started:     time.Now(),
		logger:      cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", w.handleIndex)
	mux.HandleFunc("GET /health", w.handleHealth)
	mux.HandleFunc("GET /metrics", w.handleMetrics)
	if cfg.Collector != nil {
		mux.Handle("GET /metrics/prometheus", cfg.Collector.Handler())
	}
	mux.HandleFunc("POST /admin/cleanup", w.handleCleanup)
	for _, r := range cfg.Routes {
		mux.Handle(r.Pattern, r.Handler)
	}
	w.handler = w.requestLog(mux)
	return w
}

// Handler returns the root handler, for tests and embedding.
func (w *Web) Handler() http.Handler { return w.handler }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (w *Web) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              w.addr,
		Handler:           w.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	w.logger.Info("http server starting", "addr", w.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// requestLog tags each request with an X-Request-ID and logs it at debug.
func (w *Web) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		rw.Header().Set("X-Request-ID", id)
		start := time.Now()
		next.ServeHTTP(rw, r)
		w.logger.Debug("http request",
			"id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (w *Web) storageMode() string {
	if w.history.Persistent() {
		return "persistent"
	}
	return "memory only"
}

func (w *Web) handleIndex(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := w.tmpl.ExecuteTemplate(rw, "status.html", map[string]any{
		"Version":    w.version,
		"Uptime":     time.Since(w.started).Round(time.Second).String(),
		"Active":     w.history.Len(),
		"Storage":    w.storageMode(),
		"Provider":   w.provider,
		"WebhookURL": w.webhookURL,
	}); err != nil {
		w.logger.Error("template error", "template", "status", "err", err)
	}
}

type healthResponse struct {
	Status              string `json:"status"`
	Timestamp           string `json:"timestamp"`
	Database            string `json:"database"`
	ActiveConversations int    `json:"active_conversations"`
}

func (w *Web) handleHealth(rw http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:              "healthy",
		Timestamp:           time.Now().UTC().Format(time.RFC3339),
		Database:            "not configured",
		ActiveConversations: w.history.Len(),
	}
	code := http.StatusOK

	if w.history.Persistent() {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := w.history.Ping(ctx); err != nil {
			w.logger.Warn("health check: store unreachable", "err", err)
			resp.Status = "unhealthy"
			resp.Database = "error"
			code = http.StatusServiceUnavailable
		} else {
			resp.Database = "connected"
		}
	}
	writeJSON(rw, code, resp)
}

type metricsResponse struct {
	metrics.Snapshot
	ActiveConversations int    `json:"active_conversations"`
	Timestamp           string `json:"timestamp"`
}

func (w *Web) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, metricsResponse{
		Snapshot:            w.stats.Snapshot(),
		ActiveConversations: w.history.Len(),
		Timestamp:           time.Now().UTC().Format(time.RFC3339),
	})
}

// handleCleanup evicts conversations idle for ?days (default 30). It needs
// "Authorization: Bearer <admin secret>".
func (w *Web) handleCleanup(rw http.ResponseWriter, r *http.Request) {
	if w.adminSecret == "" {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": "admin endpoint disabled"})
		return
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(w.adminSecret)) != 1 {
		w.logger.Warn("unauthorized cleanup attempt", "remote", r.RemoteAddr)
		writeJSON(rw, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	days := 0 // configured retention
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "days must be a positive integer"})
			return
		}
		days = n
	}

	cleaned, err := w.history.Cleanup(r.Context(), days)
	resp := map[string]any{
		"cleaned":   cleaned,
		"remaining": w.history.Len(),
	}
	if err != nil {
		w.logger.Warn("cleanup: store delete failed", "err", err)
		resp["store_error"] = err.Error()
	}
	w.logger.Info("admin cleanup", "days", days, "cleaned", cleaned)
	writeJSON(rw, http.StatusOK, resp)
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(code)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		slog.Debug("write json response", "err", err)
	}
}
