package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"chorus/pkg/utils"
	"chorus/services/websocket-gateway/middleware"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	wsMaxMessageBytes = 64 << 10
	wsPongWait        = 60 * time.Second
	wsPingPeriod      = 50 * time.Second
	wsWriteWait       = 10 * time.Second
)

// Close codes sent when a connection is refused after the upgrade.
const (
	CloseAuthFailed       = 4001
	CloseUnknownPrincipal = 4002
	CloseNotParticipant   = 4003
	CloseBadConversation  = 4004
)

// authCloseCode maps an identity failure to the close code sent to the client.
func authCloseCode(err error) int {
	switch {
	case errors.Is(err, middleware.ErrUnknownPrincipal):
		return CloseUnknownPrincipal
	case errors.Is(err, middleware.ErrDirectoryUnavailable):
		return websocket.CloseInternalServerErr
	default:
		return CloseAuthFailed
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// Sender writes envelopes to one client. Implementations must be safe for
// concurrent use: bus deliveries and the read loop both send.
type Sender interface {
	Send(v interface{}) error
	SendRaw(payload []byte) error
}

// wsConn serializes writes to a gorilla connection, which allows a single
// concurrent writer.
type wsConn struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.NewString(), conn: conn}
}

func (c *wsConn) Send(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendRaw(payload)
}

func (c *wsConn) SendRaw(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// closeWith sends a close frame with code and closes the socket. Safe to call
// more than once.
func (c *wsConn) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	_ = c.conn.Close()
}

// readLoop hands every text frame to handle until the client goes away or ctx
// is done. Pings keep idle connections alive.
func (c *wsConn) readLoop(ctx context.Context, logger *utils.Logger, handle func(ctx context.Context, data []byte)) {
	c.conn.SetReadLimit(wsMaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				c.closeWith(websocket.CloseGoingAway, "server shutting down")
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("WebSocket read failed", "conn_id", c.id, "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		handle(ctx, data)
	}
}

// Connections tracks open sockets so shutdown can close them; hijacked
// connections are not closed by http.Server.Shutdown.
type Connections struct {
	mu    sync.Mutex
	conns map[string]*wsConn
}

func NewConnections() *Connections {
	return &Connections{conns: make(map[string]*wsConn)}
}

func (cs *Connections) add(c *wsConn) {
	cs.mu.Lock()
	cs.conns[c.id] = c
	cs.mu.Unlock()
}

func (cs *Connections) remove(c *wsConn) {
	cs.mu.Lock()
	delete(cs.conns, c.id)
	cs.mu.Unlock()
}

func (cs *Connections) Count() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.conns)
}

// CloseAll closes every tracked connection with a going-away frame.
func (cs *Connections) CloseAll() {
	cs.mu.Lock()
	conns := make([]*wsConn, 0, len(cs.conns))
	for _, c := range cs.conns {
		conns = append(conns, c)
	}
	cs.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

type errorEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newError(message string) errorEnvelope {
	return errorEnvelope{Type: "error", Message: message}
}
