package handlers

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"

	"chorus/pkg/broadcast"
	"chorus/pkg/metrics"
	"chorus/pkg/utils"
	presencemodels "chorus/services/presence-service/models"
	presence "chorus/services/presence-service/services"
	"chorus/services/websocket-gateway/middleware"
)

// Presence envelope types.
const (
	TypeHeartbeat       = "presence.heartbeat"
	TypeAway            = "presence.away"
	TypeActive          = "presence.active"
	TypeSubscribe       = "presence.subscribe"
	TypeUnsubscribe     = "presence.unsubscribe"
	TypeConnected       = "presence.connected"
	TypeSubscribeOK     = "presence.subscribe.ok"
	TypeSubscribeDenied = "presence.subscribe.denied"
	TypeUnsubscribeOK   = "presence.unsubscribe.ok"
	TypeStatus          = "presence.status"
)

// Subscription denial reasons.
const (
	ReasonUserNotFound = "user_not_found"
	ReasonNotMutual    = "not_mutual_followers"
	ReasonTooManySubs  = "too_many_subscriptions"
	ReasonCheckFailed  = "unavailable"
)

var (
	errTargetRequired = errors.New("target_user_id required")
	errTargetNotInt   = errors.New("target_user_id must be int")
)

// FollowGraph answers directed follow edges.
type FollowGraph interface {
	IsFollowing(ctx context.Context, follower, followed int64) (bool, error)
}

type presenceRequest struct {
	Type         string      `json:"type"`
	TargetUserID interface{} `json:"target_user_id"`
}

type connectedEnvelope struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

type subscriptionEnvelope struct {
	Type         string `json:"type"`
	TargetUserID int64  `json:"target_user_id"`
	Reason       string `json:"reason,omitempty"`
}

type statusEnvelope struct {
	Type      string                `json:"type"`
	UserID    int64                 `json:"user_id"`
	Status    presencemodels.Status `json:"status"`
	Timestamp int64                 `json:"timestamp"`
	Snapshot  bool                  `json:"snapshot,omitempty"`
}

// PresenceHandler accepts presence connections and builds their sessions.
type PresenceHandler struct {
	identity middleware.Identity
	presence *presence.PresenceService
	users    middleware.Directory
	follows  FollowGraph
	bus      broadcast.Bus
	conns    *Connections
	logger   *utils.Logger
	now      func() time.Time
}

func NewPresenceHandler(
	identity middleware.Identity,
	presenceService *presence.PresenceService,
	users middleware.Directory,
	follows FollowGraph,
	bus broadcast.Bus,
	conns *Connections,
	logger *utils.Logger,
) *PresenceHandler {
	return &PresenceHandler{
		identity: identity,
		presence: presenceService,
		users:    users,
		follows:  follows,
		bus:      bus,
		conns:    conns,
		logger:   logger.With("component", "presence_gateway"),
		now:      time.Now,
	}
}

// ServeWS upgrades the request, authenticates it and runs the session until
// the client disconnects.
func (h *PresenceHandler) ServeWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	conn := newWSConn(ws)
	logger := h.logger.With("conn_id", conn.id)

	userID, err := h.identity.ResolvePrincipal(c.Request)
	if err != nil {
		code := authCloseCode(err)
		logger.Info("Rejected presence connection", "error", err, "close_code", code)
		conn.closeWith(code, "authentication failed")
		return
	}

	h.conns.add(conn)
	metrics.ActiveConnections.WithLabelValues("presence").Inc()
	defer func() {
		metrics.ActiveConnections.WithLabelValues("presence").Dec()
		h.conns.remove(conn)
		conn.closeWith(websocket.CloseNormalClosure, "")
	}()

	ctx := c.Request.Context()
	session := h.NewSession(userID, conn)
	defer session.Close()
	if err := session.Start(ctx); err != nil {
		logger.Error("Failed to start presence session", "user_id", userID, "error", err)
		return
	}

	logger.Info("Presence connection opened", "user_id", userID)
	conn.readLoop(ctx, logger, session.Handle)
	logger.Info("Presence connection closed", "user_id", userID)
}

// NewSession builds the session of an authenticated user writing to out.
func (h *PresenceHandler) NewSession(userID int64, out Sender) *PresenceSession {
	return &PresenceSession{
		h:      h,
		userID: userID,
		out:    out,
		logger: h.logger.With("user_id", userID),
		subs:   make(map[int64]broadcast.Subscription),
	}
}

// PresenceSession is the state of one presence connection. Handle is called
// from the read loop only; bus deliveries only write to out.
type PresenceSession struct {
	h      *PresenceHandler
	userID int64
	out    Sender
	logger *utils.Logger

	mu     sync.Mutex
	subs   map[int64]broadcast.Subscription
	closed bool
}

// Start joins the user's own status topic and greets the client. If the
// greeting cannot be sent the session is closed.
func (s *PresenceSession) Start(ctx context.Context) error {
	s.mu.Lock()
	err := s.joinLocked(s.userID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.out.Send(connectedEnvelope{Type: TypeConnected, UserID: s.userID}); err != nil {
		_ = s.Close()
		return err
	}
	return nil
}

// Subscriptions lists the joined user ids, own id included.
func (s *PresenceSession) Subscriptions() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	return ids
}

// Handle processes one client frame.
func (s *PresenceSession) Handle(ctx context.Context, data []byte) {
	var req presenceRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.send(newError("Invalid JSON"))
		return
	}

	switch req.Type {
	case TypeHeartbeat:
		s.heartbeat(ctx)
	case TypeAway:
		s.setStatus(ctx, presencemodels.StatusAway)
	case TypeActive:
		s.setStatus(ctx, presencemodels.StatusOnline)
	case TypeSubscribe:
		target, err := parseTarget(req.TargetUserID)
		if err != nil {
			s.send(newError(err.Error()))
			return
		}
		s.subscribe(ctx, target)
	case TypeUnsubscribe:
		target, err := parseTarget(req.TargetUserID)
		if err != nil {
			s.send(newError(err.Error()))
			return
		}
		s.unsubscribe(target)
	default:
		s.send(newError("Unknown message type"))
	}
}

// Close leaves every joined topic. Liveness is left to expire on its own.
func (s *PresenceSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[int64]broadcast.Subscription)
	s.mu.Unlock()

	var result *multierror.Error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		s.logger.Warn("Failed to leave some presence topics", "error", err)
		return err
	}
	return nil
}

func (s *PresenceSession) heartbeat(ctx context.Context) {
	if _, err := s.h.presence.Heartbeat(ctx, s.userID, s.h.now()); err != nil {
		s.logger.Error("Failed to record heartbeat", "error", err)
	}
}

func (s *PresenceSession) setStatus(ctx context.Context, status presencemodels.Status) {
	if err := s.h.presence.SetSemanticStatus(ctx, s.userID, status, s.h.now()); err != nil {
		s.logger.Error("Failed to set status", "status", status, "error", err)
	}
}

func (s *PresenceSession) subscribe(ctx context.Context, target int64) {
	if target != s.userID {
		if reason := s.authorize(ctx, target); reason != "" {
			s.send(subscriptionEnvelope{Type: TypeSubscribeDenied, TargetUserID: target, Reason: reason})
			return
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.subs[target]; !ok {
		if len(s.subs) >= 1+s.h.presence.Config().MaxSubscriptions {
			s.mu.Unlock()
			s.send(subscriptionEnvelope{Type: TypeSubscribeDenied, TargetUserID: target, Reason: ReasonTooManySubs})
			return
		}
		if err := s.joinLocked(target); err != nil {
			s.mu.Unlock()
			s.logger.Error("Failed to join status topic", "target_user_id", target, "error", err)
			s.send(subscriptionEnvelope{Type: TypeSubscribeDenied, TargetUserID: target, Reason: ReasonCheckFailed})
			return
		}
	}
	s.mu.Unlock()

	s.send(subscriptionEnvelope{Type: TypeSubscribeOK, TargetUserID: target})

	eff, err := s.h.presence.EffectiveStatus(ctx, target, s.h.now())
	if err != nil {
		s.logger.Warn("Failed to resolve snapshot", "target_user_id", target, "error", err)
		return
	}
	s.send(statusEnvelope{
		Type:      TypeStatus,
		UserID:    eff.UserID,
		Status:    eff.Status,
		Timestamp: eff.Timestamp,
		Snapshot:  true,
	})
}

// authorize returns a denial reason, or "" when target may be watched.
func (s *PresenceSession) authorize(ctx context.Context, target int64) string {
	exists, err := s.h.users.UserExists(ctx, target)
	if err != nil {
		s.logger.Error("Failed to look up subscription target", "target_user_id", target, "error", err)
		return ReasonCheckFailed
	}
	if !exists {
		return ReasonUserNotFound
	}

	for _, edge := range [][2]int64{{s.userID, target}, {target, s.userID}} {
		ok, err := s.h.follows.IsFollowing(ctx, edge[0], edge[1])
		if err != nil {
			s.logger.Error("Failed to check follow edge", "target_user_id", target, "error", err)
			return ReasonCheckFailed
		}
		if !ok {
			return ReasonNotMutual
		}
	}
	return ""
}

func (s *PresenceSession) unsubscribe(target int64) {
	if target != s.userID {
		s.mu.Lock()
		sub, ok := s.subs[target]
		delete(s.subs, target)
		s.mu.Unlock()
		if ok {
			if err := sub.Unsubscribe(); err != nil {
				s.logger.Warn("Failed to leave status topic", "target_user_id", target, "error", err)
			}
		}
	}
	s.send(subscriptionEnvelope{Type: TypeUnsubscribeOK, TargetUserID: target})
}

func (s *PresenceSession) joinLocked(target int64) error {
	sub, err := s.h.bus.Subscribe(s.h.presence.Topic(target), s.forward)
	if err != nil {
		return err
	}
	s.subs[target] = sub
	return nil
}

// forward relays a status event from the bus to the client.
func (s *PresenceSession) forward(payload []byte) {
	var event presencemodels.StatusEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn("Dropping malformed status event", "error", err)
		return
	}
	s.send(statusEnvelope{
		Type:      TypeStatus,
		UserID:    event.UserID,
		Status:    event.Status,
		Timestamp: event.Timestamp,
	})
}

func (s *PresenceSession) send(v interface{}) {
	if err := s.out.Send(v); err != nil {
		s.logger.Debug("Failed to send to client", "error", err)
	}
}

func parseTarget(v interface{}) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, errTargetRequired
	case float64:
		if t != float64(int64(t)) {
			return 0, errTargetNotInt
		}
		return int64(t), nil
	case string:
		if t == "" {
			return 0, errTargetRequired
		}
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, errTargetNotInt
		}
		return n, nil
	default:
		return 0, errTargetNotInt
	}
}
