package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chorus/pkg/broadcast"
	"chorus/pkg/db"
	"chorus/pkg/metrics"
	"chorus/pkg/utils"
	"chorus/services/websocket-gateway/config"
	"chorus/services/websocket-gateway/middleware"
	"chorus/services/websocket-gateway/services"
)

const (
	TypeChatMessage    = "chat.message"
	TypeMessageHistory = "message_history"
)

// Membership answers whether a user takes part in a conversation.
type Membership interface {
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
}

// MessageWriter persists a new message.
type MessageWriter interface {
	CreateMessage(ctx context.Context, conversationID, authorID int64, content string) (*db.Message, error)
}

type chatRequest struct {
	Type    string  `json:"type"`
	Message *string `json:"message"`
	Content *string `json:"content"`
}

type historyEnvelope struct {
	Type     string       `json:"type"`
	Messages []db.Message `json:"messages"`
}

type chatEnvelope struct {
	Type    string      `json:"type"`
	Message *db.Message `json:"message"`
}

// ChatHandler accepts conversation connections.
type ChatHandler struct {
	identity middleware.Identity
	members  Membership
	writer   MessageWriter
	cache    *services.MessageCache
	bus      broadcast.Bus
	cfg      config.ChatConfig
	conns    *Connections
	logger   *utils.Logger
}

func NewChatHandler(
	identity middleware.Identity,
	members Membership,
	writer MessageWriter,
	cache *services.MessageCache,
	bus broadcast.Bus,
	cfg config.ChatConfig,
	conns *Connections,
	logger *utils.Logger,
) *ChatHandler {
	return &ChatHandler{
		identity: identity,
		members:  members,
		writer:   writer,
		cache:    cache,
		bus:      bus,
		cfg:      cfg,
		conns:    conns,
		logger:   logger.With("component", "chat_gateway"),
	}
}

// Topic is the bus topic of a conversation.
func (h *ChatHandler) Topic(conversationID int64) string {
	return fmt.Sprintf("%s_%d", h.cfg.TopicPrefix, conversationID)
}

func (h *ChatHandler) ServeWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	conn := newWSConn(ws)
	logger := h.logger.With("conn_id", conn.id)
	ctx := c.Request.Context()

	userID, err := h.identity.ResolvePrincipal(c.Request)
	if err != nil {
		code := authCloseCode(err)
		logger.Info("Rejected chat connection", "error", err, "close_code", code)
		conn.closeWith(code, "authentication failed")
		return
	}

	conversationID, err := strconv.ParseInt(c.Param("conversation_id"), 10, 64)
	if err != nil {
		conn.closeWith(CloseBadConversation, "invalid conversation id")
		return
	}

	member, err := h.members.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		logger.Error("Failed to check membership", "conversation_id", conversationID, "user_id", userID, "error", err)
		conn.closeWith(websocket.CloseInternalServerErr, "membership check failed")
		return
	}
	if !member {
		conn.closeWith(CloseNotParticipant, "not a participant")
		return
	}

	h.conns.add(conn)
	metrics.ActiveConnections.WithLabelValues("chat").Inc()
	defer func() {
		metrics.ActiveConnections.WithLabelValues("chat").Dec()
		h.conns.remove(conn)
		conn.closeWith(websocket.CloseNormalClosure, "")
	}()

	session := h.NewSession(conversationID, userID, conn)
	defer session.Close()
	if err := session.Start(ctx); err != nil {
		logger.Error("Failed to start chat session", "conversation_id", conversationID, "error", err)
		return
	}

	logger.Info("Chat connection opened", "conversation_id", conversationID, "user_id", userID)
	conn.readLoop(ctx, logger, session.Handle)
}

func (h *ChatHandler) NewSession(conversationID, userID int64, out Sender) *ChatSession {
	return &ChatSession{
		h:              h,
		conversationID: conversationID,
		userID:         userID,
		out:            out,
		logger:         h.logger.With("conversation_id", conversationID, "user_id", userID),
	}
}

// ChatSession is one participant's connection to a conversation.
type ChatSession struct {
	h              *ChatHandler
	conversationID int64
	userID         int64
	out            Sender
	logger         *utils.Logger
	sub            broadcast.Subscription

	// Broadcasts arriving before the history frame is sent are held in
	// pending; seen holds the ids the history frame carried.
	mu      sync.Mutex
	ready   bool
	pending [][]byte
	seen    map[int64]struct{}
}

// Start joins the conversation topic and sends the recent history. Broadcasts
// received meanwhile are delivered after the history frame, minus the messages
// it already contains. A history failure is reported in-band and the
// connection stays usable.
func (s *ChatSession) Start(ctx context.Context) error {
	sub, err := s.h.bus.Subscribe(s.h.Topic(s.conversationID), s.forward)
	if err != nil {
		return err
	}
	s.sub = sub

	messages, err := s.h.cache.Get(ctx, s.conversationID, s.h.cfg.Window)
	if err != nil {
		s.logger.Error("Failed to load message history", "error", err)
		s.send(newError("Failed to load message history"))
	} else {
		if messages == nil {
			messages = []db.Message{}
		}
		seen := make(map[int64]struct{}, len(messages))
		for _, m := range messages {
			seen[m.ID] = struct{}{}
		}
		s.mu.Lock()
		s.seen = seen
		s.mu.Unlock()
		s.send(historyEnvelope{Type: TypeMessageHistory, Messages: messages})
	}

	s.flushPending()
	return nil
}

// flushPending delivers held broadcasts in arrival order, then lets forward
// write directly.
func (s *ChatSession) flushPending() {
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		if len(batch) == 0 {
			s.ready = true
			s.seen = nil
			s.mu.Unlock()
			return
		}
		seen := s.seen
		s.mu.Unlock()

		for _, payload := range batch {
			if seen != nil {
				var event chatEnvelope
				if err := json.Unmarshal(payload, &event); err == nil && event.Message != nil {
					if _, dup := seen[event.Message.ID]; dup {
						continue
					}
				}
			}
			s.sendRaw(payload)
		}
	}
}

// Handle validates, persists and broadcasts one chat message.
func (s *ChatSession) Handle(ctx context.Context, data []byte) {
	var req chatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.send(newError("Invalid message format"))
		return
	}
	if req.Type != TypeChatMessage {
		s.send(newError("Unknown message type"))
		return
	}

	var content string
	switch {
	case req.Message != nil:
		content = *req.Message
	case req.Content != nil:
		content = *req.Content
	}
	content = strings.TrimSpace(content)
	if content == "" {
		s.send(newError("Message content is required"))
		return
	}
	if limit := s.h.cfg.MaxMessageLength; utf8.RuneCountInString(content) > limit {
		s.send(newError(fmt.Sprintf("Message too long (max %d characters)", limit)))
		return
	}

	msg, err := s.h.cache.Add(ctx, s.conversationID, func(ctx context.Context) (*db.Message, error) {
		return s.h.writer.CreateMessage(ctx, s.conversationID, s.userID, content)
	})
	if err != nil {
		s.logger.Error("Failed to save message", "error", err)
		s.send(newError("Failed to save message"))
		return
	}

	event := chatEnvelope{Type: TypeChatMessage, Message: msg}
	if err := broadcast.PublishJSON(ctx, s.h.bus, s.h.Topic(s.conversationID), event); err != nil {
		s.logger.Error("Failed to broadcast message", "message_id", msg.ID, "error", err)
	}
}

// Close leaves the conversation topic.
func (s *ChatSession) Close() error {
	if s.sub == nil {
		return nil
	}
	if err := s.sub.Unsubscribe(); err != nil {
		s.logger.Warn("Failed to leave conversation topic", "error", err)
		return err
	}
	return nil
}

// forward relays conversation events verbatim once the history frame is out.
func (s *ChatSession) forward(payload []byte) {
	s.mu.Lock()
	if !s.ready {
		s.pending = append(s.pending, payload)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.sendRaw(payload)
}

func (s *ChatSession) sendRaw(payload []byte) {
	if err := s.out.SendRaw(payload); err != nil {
		s.logger.Debug("Failed to send to client", "error", err)
	}
}

func (s *ChatSession) send(v interface{}) {
	if err := s.out.Send(v); err != nil {
		s.logger.Debug("Failed to send to client", "error", err)
	}
}
