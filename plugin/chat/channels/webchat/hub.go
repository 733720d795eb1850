// Package webchat serves the browser chat over WebSocket. The Hub owns
// live connections and survives hot reloads; the Channel adapter wrapping
// it is rebuilt on reload and re-attaches without dropping clients.
package webchat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/lithammer/shortuuid/v4"

	"github.com/polyterm/polyterm/pairing"
	"github.com/polyterm/polyterm/plugin/chat"
	"github.com/polyterm/polyterm/plugin/chat/channels"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxFrameSize   = 32 * 1024
	sendBufferSize = 64
)

// Frame is the wire format both directions.
type Frame struct {
	Type      string          `json:"type"` // message, edit, callback, error
	ID        string          `json:"id,omitempty"`
	Text      string          `json:"text,omitempty"`
	ParseMode string          `json:"parseMode,omitempty"`
	Buttons   [][]buttonFrame `json:"buttons,omitempty"`
	Data      string          `json:"data,omitempty"`
}

type buttonFrame struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callbackData,omitempty"`
}

// Hub owns webchat connections. One client per user id; a reconnect
// replaces the previous socket.
type Hub struct {
	secret  []byte
	pairing *pairing.Service

	mu      sync.RWMutex
	clients map[string]*client
	ingress channels.IngressFunc

	upgrader websocket.Upgrader
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan Frame
	done   chan struct{}
	once   sync.Once
}

// NewHub builds the connection registry. An empty secret disables JWT auth
// and admits loopback peers as guests.
func NewHub(secret string, ps *pairing.Service) *Hub {
	return &Hub{
		secret:  []byte(secret),
		pairing: ps,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The terminal is same-host or token-authed; origin adds nothing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SetIngress swaps the inbound sink. Called on every reload.
func (h *Hub) SetIngress(fn channels.IngressFunc) {
	h.mu.Lock()
	h.ingress = fn
	h.mu.Unlock()
}

func (h *Hub) forward(ctx context.Context, msg *chat.Message) {
	h.mu.RLock()
	fn := h.ingress
	h.mu.RUnlock()
	if fn != nil {
		fn(ctx, msg)
	}
}

// authenticate resolves the connecting user. With a secret configured the
// `token` query param (or bearer header) must be a valid HS256 JWT whose
// subject is the user id. Without one, loopback peers get a guest identity
// through pairing auto-approval.
func (h *Hub) authenticate(r *http.Request) (string, error) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			tokenStr = auth[7:]
		}
	}

	if len(h.secret) > 0 {
		if tokenStr == "" {
			return "", fmt.Errorf("missing token")
		}
		parsed, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return h.secret, nil
		})
		if err != nil || !parsed.Valid {
			return "", fmt.Errorf("invalid token: %w", err)
		}
		sub, err := parsed.Claims.GetSubject()
		if err != nil || sub == "" {
			return "", fmt.Errorf("token has no subject")
		}
		return sub, nil
	}

	userID := "guest-" + shortuuid.New()
	if h.pairing != nil {
		res, err := h.pairing.CheckAutoApprove(r.Context(), "webchat", userID, r.RemoteAddr)
		if err != nil {
			return "", err
		}
		if !res.Approved {
			return "", fmt.Errorf("peer %s not eligible for guest access", r.RemoteAddr)
		}
	}
	return userID, nil
}

// ServeWS upgrades one connection and runs its pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil {
		slog.Debug("webchat auth rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		userID: userID,
		conn:   conn,
		send:   make(chan Frame, sendBufferSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if old, ok := h.clients[userID]; ok {
		old.close()
	}
	h.clients[userID] = c
	h.mu.Unlock()
	slog.Info("webchat client connected", "user_id", userID, "remote", r.RemoteAddr)

	go h.writePump(c)
	go h.readPump(c, r.RemoteAddr)
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (h *Hub) drop(c *client) {
	c.close()
	h.mu.Lock()
	if h.clients[c.userID] == c {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()
}

func (h *Hub) readPump(c *client, remoteAddr string) {
	defer h.drop(c)
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("webchat read failed", "user_id", c.userID, "error", err)
			}
			return
		}

		msg := &chat.Message{
			ID:         frame.ID,
			Platform:   chat.PlatformWebchat,
			UserID:     c.userID,
			ChatID:     c.userID,
			ChatType:   chat.ChatTypeDM,
			Timestamp:  time.Now(),
			RemoteAddr: remoteAddr,
		}
		switch frame.Type {
		case "message":
			if frame.Text == "" {
				continue
			}
			msg.Text = frame.Text
		case "callback":
			if frame.Data == "" {
				continue
			}
			msg.CallbackID = shortuuid.New()
			msg.CallbackData = frame.Data
		default:
			continue
		}
		h.forward(context.Background(), msg)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer h.drop(c)
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendTo queues a frame for one user. Fails when the user is offline.
func (h *Hub) SendTo(userID string, frame Frame) error {
	h.mu.RLock()
	c, ok := h.clients[userID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("webchat user %s not connected", userID)
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("webchat send buffer full for %s", userID)
	}
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
}
