package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devtribes/backend/pkg/response"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second

	defaultSendBuffer      = 256
	defaultMaxMessageBytes = 65536

	// maxPendingJoins caps concurrent membership checks per connection.
	maxPendingJoins = 4
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// Client represents a single WebSocket connection. It may be in any number of tribe rooms.
type Client struct {
	ID     string
	UserID string // empty when the connection was opened without a token
	token  string
	conn   *websocket.Conn
	send   chan WSMessage
	joins  chan struct{} // one slot per in-flight join
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newClient(userID, token string, buffer int, logger *zap.Logger) *Client {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		token:  token,
		send:   make(chan WSMessage, buffer),
		joins:  make(chan struct{}, maxPendingJoins),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger,
	}
}

// close cancels in-flight joins and stops the write pump. Safe to call more than once.
func (c *Client) close() {
	c.once.Do(func() {
		c.cancel()
		close(c.done)
	})
}

// enqueue never blocks; the send channel is never closed, done signals teardown instead.
func (c *Client) enqueue(msg WSMessage) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) sendError(code, reason string) {
	data, _ := json.Marshal(ErrorPayload{Code: code, Reason: reason})
	if err := c.enqueue(WSMessage{Event: EventError, Data: data}); err != nil {
		c.logger.Debug("error event dropped", zap.String("client_id", c.ID), zap.String("code", code), zap.Error(err))
	}
}

// IdentifyFunc resolves a connect-time token to a user ID.
type IdentifyFunc func(token string) (userID string, err error)

// HandlerConfig tunes WebSocket connections.
type HandlerConfig struct {
	SendBuffer      int
	MaxMessageBytes int64
	AllowedOrigins  []string // empty = any origin
}

// Handler upgrades HTTP requests and dispatches inbound events.
type Handler struct {
	hub      *Hub
	relay    *ChatRelay
	projects *ProjectBroadcaster
	identify IdentifyFunc
	cfg      HandlerConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler wires the WebSocket endpoint. identify may be nil, in which case tokens are not checked at connect time.
func NewHandler(hub *Hub, relay *ChatRelay, projects *ProjectBroadcaster, identify IdentifyFunc, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		hub:      hub,
		relay:    relay,
		projects: projects,
		identify: identify,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
		logger: logger,
	}
}

// ServeWs handles GET /ws?token=... and runs the client loop until the connection closes.
func (h *Handler) ServeWs(c *gin.Context) {
	token := c.Query("token")
	var userID string
	if token != "" && h.identify != nil {
		id, err := h.identify(token)
		if err != nil {
			response.Unauthorized(c, "invalid token")
			return
		}
		userID = id
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := newClient(userID, token, h.cfg.SendBuffer, h.logger)
	client.conn = conn
	if err := h.hub.Connect(client); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	go h.writePump(client)
	h.readPump(client)
}

func (h *Handler) readPump(c *Client) {
	defer func() {
		h.hub.Disconnect(c.ID)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
			h.logger.Warn("malformed frame", zap.String("client_id", c.ID))
			c.sendError(CodeBadRequest, "malformed message")
			continue
		}
		h.dispatch(c, msg)
	}
}

// dispatch handles one inbound event. Join runs off the read loop so a later leave-room or
// disconnect on the same connection is not held up behind the membership check. At most
// maxPendingJoins checks run per connection; further joins are refused until one finishes.
func (h *Handler) dispatch(c *Client, msg WSMessage) {
	switch msg.Event {
	case EventJoinRoom:
		var req JoinRoomRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.TribeID == "" {
			c.sendError(CodeBadRequest, "tribeId is required")
			return
		}
		credential := req.Credential
		if credential == "" {
			credential = c.token
		}
		select {
		case c.joins <- struct{}{}:
		default:
			h.logger.Warn("join rejected, too many pending", zap.String("client_id", c.ID), zap.String("tribe_id", req.TribeID))
			c.sendError(CodeTooManyJoins, "too many pending joins")
			return
		}
		go func() {
			defer func() { <-c.joins }()
			h.hub.Join(c, req.TribeID, credential)
		}()

	case EventLeaveRoom:
		var req LeaveRoomRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.TribeID == "" {
			c.sendError(CodeBadRequest, "tribeId is required")
			return
		}
		h.hub.Leave(c.ID, req.TribeID)

	case EventChatMessage:
		var req ChatMessageRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.sendError(CodeBadRequest, "message must be a string")
			return
		}
		if req.TribeID == "" || req.Message == nil {
			c.sendError(CodeBadRequest, "tribeId and message are required")
			return
		}
		if err := h.relay.SendChatMessage(c.ID, req.TribeID, *req.Message, req.User); err != nil {
			h.logger.Error("relay chat message", zap.String("client_id", c.ID), zap.Error(err))
			c.sendError(CodeInternal, "message not sent")
		}

	case EventProjectUpdate:
		var req ProjectUpdateRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.ProjectID == "" {
			c.sendError(CodeBadRequest, "projectId is required")
			return
		}
		if err := h.projects.BroadcastProjectUpdate(req.ProjectID, req.Update); err != nil {
			h.logger.Error("broadcast project update", zap.String("project_id", req.ProjectID), zap.Error(err))
			c.sendError(CodeInternal, "update not broadcast")
		}

	default:
		h.logger.Warn("unsupported event", zap.String("client_id", c.ID), zap.String("event", msg.Event))
		c.sendError(CodeUnsupportedEvent, "unsupported event: "+msg.Event)
	}
}

func (h *Handler) writePump(c *Client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
