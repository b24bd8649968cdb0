package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/taxigrid/internal/models"
	"github.com/example/taxigrid/internal/observability"
)

var (
	ErrNoCredential = errors.New("push: no bearer credential")
	ErrMalformed    = errors.New("push: malformed notification")
)

const notificationsPath = "/api/v1/notifications/ws"

// TokenSource supplies the bearer credential used to address the connection.
type TokenSource interface {
	Token() string
}

// Push is the session's single push connection plus its subscriber fan-out.
// It does not reconnect on its own: after the server drops the connection
// Connected reports false until Open is called again.
type Push struct {
	baseURL string
	tokens  TokenSource
	logger  *slog.Logger
	dialer  *websocket.Dialer
	now     func() time.Time

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[uint64]func(models.Notification)
	nextSub uint64
}

// NewPush builds a push channel for a ws:// or wss:// base URL.
func NewPush(baseURL string, tokens TokenSource, logger *slog.Logger) *Push {
	if logger == nil {
		logger = slog.Default()
	}
	return &Push{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		now:     time.Now,
		subs:    make(map[uint64]func(models.Notification)),
	}
}

// Open dials the push endpoint. It is a no-op while already connected.
func (p *Push) Open(ctx context.Context) error {
	token := ""
	if p.tokens != nil {
		token = p.tokens.Token()
	}
	if token == "" {
		return ErrNoCredential
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return nil
	}

	u := p.baseURL + notificationsPath + "?token=" + url.QueryEscape(token)
	conn, _, err := p.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("push dial: %w", err)
	}
	// keepalive ping; the server answers with a pong control frame
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("push ping: %w", err)
	}
	p.conn = conn
	observability.PushConnected.Inc()
	p.logger.Info("push connected")
	go p.readLoop(conn)
	return nil
}

func (p *Push) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Close closes the connection if one is open. Repeated calls are no-ops.
func (p *Push) Close() error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	observability.PushConnected.Dec()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	p.logger.Info("push closed")
	return conn.Close()
}

// Subscribe registers handler for every decoded notification. Handlers run
// on the connection's read goroutine and must not block.
func (p *Push) Subscribe(handler func(models.Notification)) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = handler
	return &Subscription{push: p, id: id}
}

func (p *Push) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			p.dropped(conn, err)
			return
		}
		text := strings.TrimSpace(string(frame))
		if text == "pong" || text == "ping" {
			observability.PushFramesTotal.WithLabelValues("control").Inc()
			continue
		}
		n, err := DecodeNotification(frame, p.now())
		if err != nil {
			observability.PushMalformedTotal.Inc()
			p.logger.Warn("dropping push frame", "error", err, "frame", truncate(text, 256))
			continue
		}
		observability.PushFramesTotal.WithLabelValues(n.Type).Inc()
		p.dispatch(conn, n)
	}
}

func (p *Push) dispatch(conn *websocket.Conn, n models.Notification) {
	p.mu.Lock()
	if p.conn != conn {
		// torn down while this frame was in flight
		p.mu.Unlock()
		return
	}
	handlers := make([]func(models.Notification), 0, len(p.subs))
	for _, h := range p.subs {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()
	for _, h := range handlers {
		h(n)
	}
}

// dropped handles an unsolicited closure. If Close already ran it is a no-op.
func (p *Push) dropped(conn *websocket.Conn, err error) {
	p.mu.Lock()
	owned := p.conn == conn
	if owned {
		p.conn = nil
	}
	p.mu.Unlock()
	if !owned {
		return
	}
	observability.PushConnected.Dec()
	_ = conn.Close()
	p.logger.Warn("push disconnected", "error", err)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	push *Push
	id   uint64
}

// Unsubscribe removes this registration only. Safe to call repeatedly.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.push == nil {
		return
	}
	s.push.mu.Lock()
	delete(s.push.subs, s.id)
	s.push.mu.Unlock()
}

// DecodeNotification parses a push frame. The timestamp is the receipt
// time passed in by the caller.
func DecodeNotification(frame []byte, receivedAt time.Time) (models.Notification, error) {
	var n models.Notification
	if err := json.Unmarshal(frame, &n); err != nil {
		return models.Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch n.Type {
	case models.NewOrderProposal, models.RideStatusUpdate, models.ErrorEvent:
	case "":
		return models.Notification{}, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return models.Notification{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, n.Type)
	}
	if len(n.Data) == 0 || string(n.Data) == "null" {
		return models.Notification{}, fmt.Errorf("%w: missing data", ErrMalformed)
	}
	n.Timestamp = receivedAt
	return n, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
