package devserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no push session")

const writeWait = 5 * time.Second

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// wsSession is one user's push connection. Writes are serialized.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *wsSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
	_ = s.conn.Close()
}

// Hub holds at most one push session per user. A newer connection
// replaces the older one.
type Hub struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*wsSession
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, sessions: make(map[string]*wsSession)}
}

// Serve registers conn for userID and answers keepalive pings until the
// connection drops.
func (h *Hub) Serve(userID string, conn *websocket.Conn) {
	s := &wsSession{conn: conn}
	h.mu.Lock()
	old := h.sessions[userID]
	h.sessions[userID] = s
	h.mu.Unlock()
	if old != nil {
		old.close()
	}
	h.logger.Info("push session opened", "user_id", userID)

	defer func() {
		h.mu.Lock()
		if h.sessions[userID] == s {
			delete(h.sessions, userID)
		}
		h.mu.Unlock()
		_ = conn.Close()
		h.logger.Info("push session closed", "user_id", userID)
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(msg) == "ping" {
			if err := s.write([]byte("pong")); err != nil {
				return
			}
		}
	}
}

// Notify sends one {type, data} frame to userID.
func (h *Hub) Notify(userID, kind string, payload any) error {
	h.mu.RLock()
	s, ok := h.sessions[userID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	frame, err := json.Marshal(envelope{Type: kind, Data: payload})
	if err != nil {
		return err
	}
	if err := s.write(frame); err != nil {
		h.logger.Warn("push send failed", "user_id", userID, "error", err)
		return err
	}
	return nil
}

func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[userID]
	return ok
}

// Close drops every session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*wsSession)
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}
