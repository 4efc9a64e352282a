package domain

import (
	"context"
	"net/http"
)

// Channel is a user-facing transport (Telegram, webhook, WebSocket). The
// message bus is handed to the channel when it is constructed.
type Channel interface {
	Name() string
	// Start runs the channel until ctx is cancelled.
	Start(ctx context.Context) error
	Send(ctx context.Context, chatID string, content string) error
}

// Route is an HTTP endpoint a channel contributes to the shared server.
type Route struct {
	Pattern string // http.ServeMux pattern, e.g. "POST /webhook"
	Handler http.Handler
}

// RoutedChannel is implemented by channels that receive events over HTTP.
type RoutedChannel interface {
	Channel
	Routes() []Route
}
