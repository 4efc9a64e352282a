package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"afaqbot/internal/domain"
)

const wsWriteTimeout = 10 * time.Second

// WSConfig configures the WebSocket channel.
type WSConfig struct {
	Path           string   // WebSocket endpoint path (default: /ws)
	AllowedOrigins []string // empty allows same-host origins only
	Bus            domain.MessageBus
	Logger         *slog.Logger
}

// WebSocketChannel serves a JSON chat protocol over WebSocket connections.
type WebSocketChannel struct {
	path     string
	origins  map[string]bool
	upgrader websocket.Upgrader
	bus      domain.MessageBus
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// wsClient tracks a connected WebSocket client.
type wsClient struct {
	conn   *websocket.Conn
	chatID string
	mu     sync.Mutex
}

// WSMessage is the JSON protocol for WebSocket communication.
type WSMessage struct {
	Type    string `json:"type"` // "message" | "typing" | "status"
	Content string `json:"content,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

// NewWebSocketChannel creates the channel and registers its outbound handler on the bus.
func NewWebSocketChannel(cfg WSConfig) *WebSocketChannel {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ws := &WebSocketChannel{
		path:    cfg.Path,
		origins: make(map[string]bool),
		bus:     cfg.Bus,
		logger:  cfg.Logger.With("channel", "websocket"),
		clients: make(map[string]*wsClient),
	}
	for _, o := range cfg.AllowedOrigins {
		ws.origins[strings.TrimSuffix(strings.ToLower(o), "/")] = true
	}
	ws.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     ws.checkOrigin,
	}
	cfg.Bus.OnOutbound("websocket", func(msg domain.OutboundMessage) {
		ws.broadcastToChat(msg.ChatID, WSMessage{Type: "message", Content: msg.Content, ChatID: msg.ChatID})
	})
	return ws
}

func (ws *WebSocketChannel) Name() string { return "websocket" }

// Start blocks until ctx is cancelled, then disconnects every client.
func (ws *WebSocketChannel) Start(ctx context.Context) error {
	ws.logger.Info("websocket channel ready", "path", ws.path)
	<-ctx.Done()
	ws.closeAllClients()
	return nil
}

func (ws *WebSocketChannel) Send(_ context.Context, chatID string, content string) error {
	ws.broadcastToChat(chatID, WSMessage{Type: "message", Content: content, ChatID: chatID})
	return nil
}

func (ws *WebSocketChannel) Routes() []domain.Route {
	return []domain.Route{{Pattern: "GET " + ws.path, Handler: http.HandlerFunc(ws.handleUpgrade)}}
}

// checkOrigin accepts requests without an Origin header, same-host origins
// and the configured allow list.
func (ws *WebSocketChannel) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if ws.origins["*"] || ws.origins[strings.ToLower(origin)] {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

func (ws *WebSocketChannel) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = uuid.NewString()
	}

	client := &wsClient{conn: conn, chatID: chatID}
	clientID := uuid.NewString()
	ws.mu.Lock()
	ws.clients[clientID] = client
	ws.mu.Unlock()

	ws.logger.Info("websocket client connected", "client_id", clientID, "chat_id", chatID)
	client.send(WSMessage{Type: "status", Content: "connected", ChatID: chatID})

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, clientID)
		ws.mu.Unlock()
		conn.Close()
		ws.logger.Info("websocket client disconnected", "client_id", clientID)
	}()

	conn.SetReadLimit(maxBodySize)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Warn("websocket read error", "err", err)
			}
			return
		}

		var wsMsg WSMessage
		if err := json.Unmarshal(message, &wsMsg); err != nil {
			ws.logger.Warn("invalid websocket message", "err", err)
			continue
		}

		switch wsMsg.Type {
		case "message":
			sender := wsMsg.UserID
			if sender == "" {
				sender = chatID
			}
			if !ws.bus.Publish(domain.InboundMessage{
				Channel:   "websocket",
				ChatID:    chatID,
				SenderID:  sender,
				Content:   wsMsg.Content,
				Timestamp: time.Now(),
			}) {
				client.send(WSMessage{Type: "status", Content: "busy", ChatID: chatID})
			}
		case "typing":
			ws.logger.Debug("typing indicator", "chat_id", chatID, "user_id", wsMsg.UserID)
		}
	}
}

func (ws *WebSocketChannel) broadcastToChat(chatID string, msg WSMessage) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	for _, client := range ws.clients {
		if client.chatID == chatID {
			client.send(msg)
		}
	}
}

func (c *wsClient) send(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	c.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *WebSocketChannel) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, client := range ws.clients {
		client.conn.Close()
		delete(ws.clients, id)
	}
}
