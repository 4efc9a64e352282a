package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"afaqbot/internal/domain"
)

// ErrBlocked is returned when Gemini refuses to answer a prompt.
var ErrBlocked = errors.New("gemini: response blocked")

var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// Gemini implements domain.Provider over the generateContent REST API.
type Gemini struct {
	apiKey          string
	apiBase         string
	model           string
	temperature     float64
	maxOutputTokens int
	maxRetries      int
	client          *http.Client
	logger          *slog.Logger
}

type GeminiConfig struct {
	APIKey          string
	APIBase         string
	Model           string
	Temperature     float64
	MaxOutputTokens int
	MaxRetries      int
	Client          *http.Client // nil uses a pooled client with Timeout
	Timeout         time.Duration
	Logger          *slog.Logger
}

func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.9
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 2048
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gemini{
		apiKey:          cfg.APIKey,
		apiBase:         strings.TrimSuffix(cfg.APIBase, "/"),
		model:           cfg.Model,
		temperature:     cfg.Temperature,
		maxOutputTokens: cfg.MaxOutputTokens,
		maxRetries:      cfg.MaxRetries,
		client:          cfg.Client,
		logger:          cfg.Logger.With("provider", "gemini", "model", cfg.Model),
	}
}

func (g *Gemini) Name() string { return "gemini:" + g.model }

func (g *Gemini) endpoint(model, action string) string {
	return fmt.Sprintf("%s/models/%s%s?key=%s", g.apiBase, url.PathEscape(model), action, url.QueryEscape(g.apiKey))
}

// Healthy checks that the configured model is reachable with the API key.
func (g *Gemini) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint(g.model, ""), nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gemini not reachable: %w", redactKey(err, g.apiKey))
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("gemini: invalid API key (HTTP %d)", resp.StatusCode)
	default:
		return fmt.Errorf("gemini returned %d", resp.StatusCode)
	}
}

type gemRequest struct {
	Contents         []gemContent       `json:"contents"`
	GenerationConfig gemGenConfig       `json:"generationConfig"`
	SafetySettings   []gemSafetySetting `json:"safetySettings"`
}

type gemContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []gemPart `json:"parts"`
}

type gemPart struct {
	Text       string         `json:"text,omitempty"`
	InlineData *gemInlineData `json:"inline_data,omitempty"`
}

type gemInlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type gemGenConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type gemSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type gemResponse struct {
	Candidates []struct {
		Content      gemContent `json:"content"`
		FinishReason string     `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (g *Gemini) buildRequest(req domain.ChatRequest) gemRequest {
	parts := []gemPart{{Text: req.Prompt}}
	for _, a := range req.Attachments {
		mime := a.MIMEType
		if mime == "" {
			mime = defaultMIME(a.Kind)
		}
		parts = append(parts, gemPart{InlineData: &gemInlineData{
			MIMEType: mime,
			Data:     base64.StdEncoding.EncodeToString(a.Data),
		}})
	}

	body := gemRequest{
		Contents: []gemContent{{Role: "user", Parts: parts}},
		GenerationConfig: gemGenConfig{
			Temperature:     g.temperature,
			MaxOutputTokens: g.maxOutputTokens,
		},
	}
	if req.Temperature > 0 {
		body.GenerationConfig.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		body.GenerationConfig.MaxOutputTokens = req.MaxTokens
	}
	for _, c := range safetyCategories {
		body.SafetySettings = append(body.SafetySettings, gemSafetySetting{Category: c, Threshold: "BLOCK_ONLY_HIGH"})
	}
	return body
}

func defaultMIME(kind domain.MediaKind) string {
	switch kind {
	case domain.MediaAudio:
		return "audio/ogg"
	default:
		return "image/jpeg"
	}
}

// Chat sends one prompt with optional media and returns the joined text of
// the first candidate.
func (g *Gemini) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}

	jsonBody, err := json.Marshal(g.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	start := time.Now()
	resp, err := doWithRetry(ctx, g.client, g.maxRetries, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint(model, ":generateContent"), bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	}, g.logger)
	if err != nil {
		return nil, fmt.Errorf("gemini request: %w", redactKey(err, g.apiKey))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gemini %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var gr gemResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if gr.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("%w: %s", ErrBlocked, gr.PromptFeedback.BlockReason)
	}
	if len(gr.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: no candidates returned")
	}

	cand := gr.Candidates[0]
	var text strings.Builder
	for _, p := range cand.Content.Parts {
		text.WriteString(p.Text)
	}
	if text.Len() == 0 {
		if cand.FinishReason == "SAFETY" {
			return nil, fmt.Errorf("%w: %s", ErrBlocked, cand.FinishReason)
		}
		return nil, fmt.Errorf("gemini: empty response (finish reason %s)", cand.FinishReason)
	}

	latency := time.Since(start)
	g.logger.Debug("gemini response",
		"finish_reason", cand.FinishReason,
		"tokens", gr.UsageMetadata.TotalTokenCount,
		"latency", latency,
	)

	return &domain.ChatResponse{
		Content:      strings.TrimSpace(text.String()),
		FinishReason: cand.FinishReason,
		Usage: domain.Usage{
			PromptTokens:     gr.UsageMetadata.PromptTokenCount,
			CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gr.UsageMetadata.TotalTokenCount,
		},
		LatencyMs: latency.Milliseconds(),
	}, nil
}

// redactKey strips the API key from errors that embed the request URL.
func redactKey(err error, key string) error {
	if err == nil || key == "" {
		return err
	}
	msg := err.Error()
	red := strings.ReplaceAll(strings.ReplaceAll(msg, url.QueryEscape(key), "REDACTED"), key, "REDACTED")
	if red == msg {
		return err
	}
	return errors.New(red)
}
