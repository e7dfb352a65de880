package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"commlink-backend/internal/domain"
	"commlink-backend/internal/service/call"
	"commlink-backend/pkg/constants"
	apperrors "commlink-backend/pkg/errors"
	"commlink-backend/pkg/logger"
	"commlink-backend/pkg/metrics"
)

// CallService is the part of the call service the hub drives
type CallService interface {
	Initiate(ctx context.Context, initiator, target, chatID uuid.UUID, callType domain.CallType) (uuid.UUID, error)
	Accept(ctx context.Context, userID, callID uuid.UUID) error
	Decline(ctx context.Context, userID, callID uuid.UUID) error
	End(ctx context.Context, userID, callID uuid.UUID) error
	Invite(ctx context.Context, inviter, callID, target uuid.UUID) error
	Relay(ctx context.Context, from, callID, target uuid.UUID, eventType string, payload json.RawMessage) error
	ToggleMedia(ctx context.Context, from, callID uuid.UUID, eventType string, flag bool) error
	ScreenShare(ctx context.Context, from, callID uuid.UUID, started bool) error
	ReportQuality(ctx context.Context, from, callID uuid.UUID, quality string, stats json.RawMessage) error
	Disconnected(userID uuid.UUID)
}

// PresenceTracker mirrors connection state into the presence store
type PresenceTracker interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
	RefreshPresence(ctx context.Context, userID uuid.UUID) error
}

var callUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Reject empty origins - require explicit origin for security
			return false
		}

		allowedOrigins := GetAllowedOrigins()
		for allowed := range allowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	},
}

// CallHub accepts signaling connections and routes client intents into the
// call service. It implements the service's Notifier: events go out through
// the directory to whichever connection the user currently holds.
type CallHub struct {
	directory *Directory
	service   CallService
	presence  PresenceTracker
	metrics   *metrics.Metrics

	// Concurrency limit: maxConnections is the maximum number of concurrent WebSocket connections
	maxConnections int
	semaphore      chan struct{}
}

// Client represents one user's signaling connection
type Client struct {
	hub    *CallHub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID

	closeOnce sync.Once
}

// NewCallHub creates a call hub. The call service is attached afterwards
// with SetService since it needs the hub as its notifier.
func NewCallHub(presence PresenceTracker, m *metrics.Metrics) *CallHub {
	maxConns := 1000
	if val := os.Getenv("WS_MAX_CALL_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	return &CallHub{
		directory:      NewDirectory(),
		presence:       presence,
		metrics:        m,
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

// SetService attaches the call service. Must be called before ServeWS.
func (h *CallHub) SetService(svc CallService) {
	h.service = svc
}

// Send delivers an event to the user's current connection. Returns false if
// the user has no connection or their send buffer is full; a full buffer
// evicts the connection rather than stall every call it belongs to.
func (h *CallHub) Send(userID uuid.UUID, event *call.Event) bool {
	client, ok := h.directory.Get(userID)
	if !ok {
		return false
	}

	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("failed to marshal event",
			zap.String("type", event.Type),
			zap.Error(err))
		return false
	}

	select {
	case client.send <- data:
		h.metrics.RecordWebSocketMessage(event.Type, "outbound")
		return true
	default:
		logger.Warn("evicting slow signaling connection",
			zap.String("user_id", userID.String()))
		h.metrics.RecordWebSocketError("slow_consumer")
		client.closeSend()
		return false
	}
}

// Online reports whether the user currently holds a signaling connection
func (h *CallHub) Online(userID uuid.UUID) bool {
	_, ok := h.directory.Get(userID)
	return ok
}

// Connections returns the number of live signaling connections
func (h *CallHub) Connections() int {
	return h.directory.Count()
}

// ServeWS upgrades the request and binds the connection to the
// authenticated user
func (h *CallHub) ServeWS(c *gin.Context) {
	// Acquire semaphore to limit concurrent connections; released when the
	// read pump exits
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	// Get user ID from context (set by auth middleware)
	userIDVal, exists := c.Get("user_id")
	if !exists {
		<-h.semaphore
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		<-h.semaphore
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	conn, err := callUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
	}

	// Last writer wins: a reconnecting client displaces its old socket. The
	// old connection's call participation does not migrate; it is treated as
	// a disconnect of that connection.
	if displaced := h.directory.Register(client); displaced != nil {
		logger.Info("displacing previous signaling connection",
			zap.String("user_id", userID.String()))
		displaced.closeSend()
		h.service.Disconnected(userID)
	}
	h.metrics.SetWebSocketConnections(h.directory.Count())

	h.touchPresence(func(ctx context.Context) error {
		return h.presence.SetUserOnline(ctx, userID)
	})

	logger.Info("signaling connection opened", zap.String("user_id", userID.String()))

	go client.writePump()
	go client.readPump()
}

// touchPresence runs a presence update off the connection path; presence is
// advisory and must never block signaling
func (h *CallHub) touchPresence(fn func(ctx context.Context) error) {
	if h.presence == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.Debug("presence update failed", zap.Error(err))
		}
	}()
}

// closeSend shuts the outbound channel exactly once, which stops the write
// pump and closes the socket
func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump reads client intents until the connection dies. Its exit is the
// single place a connection turns into a user disconnect: only if this
// client is still the user's current one does the call service hear about it.
func (c *Client) readPump() {
	defer func() {
		if c.hub.directory.Remove(c) {
			c.hub.service.Disconnected(c.userID)
			c.hub.touchPresence(func(ctx context.Context) error {
				return c.hub.presence.SetUserOffline(ctx, c.userID)
			})
			logger.Info("signaling connection closed",
				zap.String("user_id", c.userID.String()))
		}
		c.hub.metrics.SetWebSocketConnections(c.hub.directory.Count())
		c.closeSend()
		c.conn.Close()
		<-c.hub.semaphore
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		c.hub.touchPresence(func(ctx context.Context) error {
			return c.hub.presence.RefreshPresence(ctx, c.userID)
		})
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Warn("Invalid message format from WebSocket",
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			c.sendError(uuid.Nil, apperrors.InvalidInputError("malformed message"))
			continue
		}

		c.hub.metrics.RecordWebSocketMessage(msg.Type, "inbound")
		c.dispatch(&msg)
	}
}

// dispatch routes one intent into the call service and turns any refusal
// into a call_error on this connection
func (c *Client) dispatch(msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	svc := c.hub.service
	var err error
	callID := msg.CallID

	switch msg.Type {
	case IntentInitiateCall:
		callID, err = svc.Initiate(ctx, c.userID, msg.TargetID, msg.ChatID, domain.CallType(msg.CallType))
	case IntentAcceptCall:
		err = svc.Accept(ctx, c.userID, msg.CallID)
	case IntentDeclineCall:
		err = svc.Decline(ctx, c.userID, msg.CallID)
	case IntentEndCall:
		err = svc.End(ctx, c.userID, msg.CallID)
	case IntentInviteToCall:
		err = c.invite(ctx, msg)
	case IntentWebRTCOffer:
		err = svc.Relay(ctx, c.userID, msg.CallID, msg.TargetID, call.EventWebRTCOffer, msg.Payload)
	case IntentWebRTCAnswer:
		err = svc.Relay(ctx, c.userID, msg.CallID, msg.TargetID, call.EventWebRTCAnswer, msg.Payload)
	case IntentWebRTCICE:
		err = svc.Relay(ctx, c.userID, msg.CallID, msg.TargetID, call.EventWebRTCICECandidate, msg.Payload)
	case IntentToggleAudio:
		err = c.toggle(ctx, msg, call.EventParticipantAudioToggle)
	case IntentToggleVideo:
		err = c.toggle(ctx, msg, call.EventParticipantVideoToggle)
	case IntentScreenShareStart:
		err = svc.ScreenShare(ctx, c.userID, msg.CallID, true)
	case IntentScreenShareStop:
		err = svc.ScreenShare(ctx, c.userID, msg.CallID, false)
	case IntentReportCallQuality:
		err = svc.ReportQuality(ctx, c.userID, msg.CallID, msg.Quality, msg.Stats)
	default:
		err = apperrors.InvalidInputError("unknown message type")
	}

	if err != nil {
		c.sendError(callID, err)
	}
}

// invite fans one invite_to_call intent out over its user_ids batch; a bare
// target_id still works for older clients. The first hard refusal stops the
// batch, skipped invitees do not surface here.
func (c *Client) invite(ctx context.Context, msg *ClientMessage) error {
	targets := msg.UserIDs
	if len(targets) == 0 && msg.TargetID != uuid.Nil {
		targets = []uuid.UUID{msg.TargetID}
	}
	if len(targets) == 0 {
		return apperrors.InvalidInputError("user_ids required")
	}
	for _, target := range targets {
		if err := c.hub.service.Invite(ctx, c.userID, msg.CallID, target); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) toggle(ctx context.Context, msg *ClientMessage, eventType string) error {
	flag := msg.Muted
	if eventType == call.EventParticipantVideoToggle {
		flag = msg.Disabled
	}
	if flag == nil {
		return apperrors.InvalidInputError("toggle flag required")
	}
	return c.hub.service.ToggleMedia(ctx, c.userID, msg.CallID, eventType, *flag)
}

// sendError pushes a call_error event back on this connection, best effort
func (c *Client) sendError(callID uuid.UUID, err error) {
	appErr := apperrors.GetAppError(err)
	event := call.ErrorEvent(callID, string(appErr.Code), appErr.Message)

	data, merr := json.Marshal(event)
	if merr != nil {
		return
	}
	select {
	case c.send <- data:
		c.hub.metrics.RecordWebSocketMessage(event.Type, "outbound")
	default:
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
