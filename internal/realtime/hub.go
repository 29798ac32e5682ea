package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultJoinTimeout bounds the membership check of a single join.
const DefaultJoinTimeout = 5 * time.Second

// ErrHubClosed is returned by Connect after Shutdown.
var ErrHubClosed = errors.New("hub closed")

// JoinOutcome reports what happened to a join request.
type JoinOutcome int

const (
	// JoinAdmitted means the connection is in the room (including when it already was).
	JoinAdmitted JoinOutcome = iota
	// JoinDenied means authorization failed and an error event was sent.
	JoinDenied
	// JoinDiscarded means the result arrived after the connection left, disconnected or re-issued the join.
	JoinDiscarded
)

func (o JoinOutcome) String() string {
	switch o {
	case JoinAdmitted:
		return "admitted"
	case JoinDenied:
		return "denied"
	case JoinDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("JoinOutcome(%d)", int(o))
	}
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishRoomEvent(tribeID, event string, payload []byte) error
	PublishGlobalEvent(event string, payload []byte) error
}

// RedisSubscriber subscribes to tribe and global channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeRoom(tribeID string, handler func(event string, payload []byte)) (cancel func(), err error)
	SubscribeGlobal(handler func(event string, payload []byte)) (cancel func(), err error)
}

// roomSub is the Redis subscription of one open room. cancel stays nil until SubscribeRoom
// returns, which happens outside the hub lock.
type roomSub struct {
	seq    uint64
	cancel func()
}

// Hub owns tribe rooms: tribeID -> set of connections, plus the reverse index and pending joins.
// All room state is mutated through Join, Leave and Disconnect.
type Hub struct {
	mu sync.RWMutex
	// connID -> client, for live connections only
	clients map[string]*Client
	// tribeID -> connID -> client
	rooms map[string]map[string]*Client
	// connID -> set of tribeIDs
	memberships map[string]map[string]struct{}
	// connID -> tribeID -> seq of the latest join intent
	pending map[string]map[string]uint64
	seq     uint64
	// tribeID -> Redis subscription of the open room
	subs   map[string]*roomSub
	global func()
	closed bool

	verifier    Verifier
	joinTimeout time.Duration
	logger      *zap.Logger
	redis       RedisPublisher
	redisSub    RedisSubscriber
}

// NewHub creates a new WebSocket hub. redisPub and redisSub may be nil for single-instance delivery.
func NewHub(logger *zap.Logger, verifier Verifier, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:     make(map[string]*Client),
		rooms:       make(map[string]map[string]*Client),
		memberships: make(map[string]map[string]struct{}),
		pending:     make(map[string]map[string]uint64),
		subs:        make(map[string]*roomSub),
		verifier:    verifier,
		joinTimeout: DefaultJoinTimeout,
		logger:      logger,
		redis:       redisPub,
		redisSub:    redisSub,
	}
}

// SetJoinTimeout changes the bound on the membership check.
func (h *Hub) SetJoinTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	h.joinTimeout = d
	h.mu.Unlock()
}

// Start subscribes to the global project channel when Redis is configured.
func (h *Hub) Start() error {
	if h.redisSub == nil {
		return nil
	}
	cancel, err := h.redisSub.SubscribeGlobal(func(event string, payload []byte) {
		h.BroadcastAll(event, json.RawMessage(payload))
	})
	if err != nil {
		return fmt.Errorf("subscribe global channel: %w", err)
	}
	h.mu.Lock()
	h.global = cancel
	h.mu.Unlock()
	return nil
}

// Connect registers a live connection. It belongs to no room yet.
func (h *Hub) Connect(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	h.clients[c.ID] = c
	h.logger.Debug("client connected", zap.String("client_id", c.ID), zap.String("user_id", c.UserID))
	return nil
}

// Join authorizes c for tribeID and admits it on success. The hub lock is not held during
// authorization; the result is applied only if the connection is still live and this is
// still its latest intent for the room, so a Leave or Disconnect issued meanwhile wins.
func (h *Hub) Join(c *Client, tribeID, credential string) JoinOutcome {
	h.mu.Lock()
	if _, live := h.clients[c.ID]; !live {
		h.mu.Unlock()
		return JoinDiscarded
	}
	if _, in := h.rooms[tribeID][c.ID]; in {
		h.mu.Unlock()
		return JoinAdmitted
	}
	h.seq++
	seq := h.seq
	if h.pending[c.ID] == nil {
		h.pending[c.ID] = make(map[string]uint64)
	}
	h.pending[c.ID][tribeID] = seq
	timeout := h.joinTimeout
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	decision := Authorize(ctx, h.verifier, credential, tribeID)
	cancel()

	h.mu.Lock()
	latest, ok := h.pending[c.ID][tribeID]
	current := ok && latest == seq
	if current {
		h.clearPendingLocked(c.ID, tribeID)
	}
	_, live := h.clients[c.ID]
	if !live || !current {
		h.mu.Unlock()
		h.logger.Debug("join result discarded",
			zap.String("client_id", c.ID), zap.String("tribe_id", tribeID), zap.Bool("live", live))
		return JoinDiscarded
	}
	if !decision.Allowed {
		h.mu.Unlock()
		fields := []zap.Field{
			zap.String("client_id", c.ID), zap.String("tribe_id", tribeID),
			zap.String("code", decision.Code), zap.String("reason", decision.Reason),
		}
		if decision.Cause != nil {
			fields = append(fields, zap.NamedError("cause", decision.Cause))
		}
		h.logger.Warn("join denied", fields...)
		c.sendError(decision.Code, decision.Reason)
		return JoinDenied
	}
	sub := h.admitLocked(c, tribeID)
	h.mu.Unlock()
	if sub != nil {
		h.subscribeRoom(tribeID, sub)
	}
	h.logger.Debug("client joined tribe", zap.String("client_id", c.ID), zap.String("tribe_id", tribeID))
	return JoinAdmitted
}

// Leave removes a connection from a room and cancels any pending join for it. Leaving a room
// the connection is not in is a no-op.
func (h *Hub) Leave(connID, tribeID string) {
	h.mu.Lock()
	h.clearPendingLocked(connID, tribeID)
	removed := h.removeLocked(connID, tribeID)
	h.mu.Unlock()
	if removed {
		h.logger.Debug("client left tribe", zap.String("client_id", connID), zap.String("tribe_id", tribeID))
	}
}

// Disconnect removes a connection from every room, discards its pending joins and closes it.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, connID)
	delete(h.pending, connID)
	for tribeID := range h.memberships[connID] {
		h.removeLocked(connID, tribeID)
	}
	h.mu.Unlock()
	c.close()
	h.logger.Debug("client disconnected", zap.String("client_id", connID))
}

// Shutdown disconnects every client and cancels Redis subscriptions.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	global := h.global
	h.global = nil
	h.mu.Unlock()

	for _, id := range ids {
		h.Disconnect(id)
	}
	if global != nil {
		global()
	}
}

// admitLocked returns the room's new subscription record when c opened the room; the caller
// completes it with subscribeRoom after releasing h.mu.
// caller holds h.mu
func (h *Hub) admitLocked(c *Client, tribeID string) *roomSub {
	var sub *roomSub
	room := h.rooms[tribeID]
	if room == nil {
		room = make(map[string]*Client)
		h.rooms[tribeID] = room
		if h.redisSub != nil {
			h.seq++
			sub = &roomSub{seq: h.seq}
			h.subs[tribeID] = sub
		}
	}
	room[c.ID] = c
	if h.memberships[c.ID] == nil {
		h.memberships[c.ID] = make(map[string]struct{})
	}
	h.memberships[c.ID][tribeID] = struct{}{}
	return sub
}

// caller holds h.mu
func (h *Hub) removeLocked(connID, tribeID string) bool {
	room, ok := h.rooms[tribeID]
	if !ok {
		return false
	}
	if _, in := room[connID]; !in {
		return false
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, tribeID)
		if sub, ok := h.subs[tribeID]; ok {
			// A nil cancel means subscribeRoom is still in flight; it cancels on return.
			if sub.cancel != nil {
				sub.cancel()
			}
			delete(h.subs, tribeID)
		}
	}
	if set := h.memberships[connID]; set != nil {
		delete(set, tribeID)
		if len(set) == 0 {
			delete(h.memberships, connID)
		}
	}
	return true
}

// caller holds h.mu
func (h *Hub) clearPendingLocked(connID, tribeID string) {
	if p := h.pending[connID]; p != nil {
		delete(p, tribeID)
		if len(p) == 0 {
			delete(h.pending, connID)
		}
	}
}

// subscribeRoom opens the room's Redis subscription without holding h.mu, so a slow Redis
// never stalls leave, disconnect or delivery. The result is kept only if sub is still the
// room's current record; otherwise the room closed (or reopened) meanwhile and it is cancelled.
func (h *Hub) subscribeRoom(tribeID string, sub *roomSub) {
	cancel, err := h.redisSub.SubscribeRoom(tribeID, func(event string, payload []byte) {
		h.BroadcastToRoom(tribeID, event, json.RawMessage(payload))
	})
	if err != nil {
		h.logger.Error("subscribe tribe channel", zap.String("tribe_id", tribeID), zap.Error(err))
		return
	}
	h.mu.Lock()
	current := h.subs[tribeID] == sub
	if current {
		sub.cancel = cancel
	}
	h.mu.Unlock()
	if !current {
		cancel()
		h.logger.Debug("stale tribe subscription cancelled", zap.String("tribe_id", tribeID), zap.Uint64("seq", sub.seq))
	}
}

// IsMember reports whether connID is currently in tribeID's room.
func (h *Hub) IsMember(connID, tribeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[tribeID][connID]
	return ok
}

// Members returns the connection IDs in tribeID's room, sorted.
func (h *Hub) Members(tribeID string) []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.rooms[tribeID]))
	for id := range h.rooms[tribeID] {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Rooms returns the tribes connID is in, sorted.
func (h *Hub) Rooms(connID string) []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.memberships[connID]))
	for id := range h.memberships[connID] {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// RoomSize returns the number of local connections in tribeID's room.
func (h *Hub) RoomSize(tribeID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[tribeID])
}

// RoomCount returns the number of non-empty rooms on this instance.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// ConnectionCount returns the number of live connections on this instance.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) userID(connID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[connID]; ok {
		return c.UserID
	}
	return ""
}

func encode(payload interface{}) (json.RawMessage, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		if v == nil {
			return json.RawMessage("null"), nil
		}
		return v, nil
	default:
		return json.Marshal(payload)
	}
}

// BroadcastToRoom delivers an event to the local members of tribeID at call time and
// returns how many accepted it. A full or closed recipient is skipped.
func (h *Hub) BroadcastToRoom(tribeID, event string, payload interface{}) int {
	data, err := encode(payload)
	if err != nil {
		h.logger.Error("encode room event", zap.String("event", event), zap.Error(err))
		return 0
	}
	h.mu.RLock()
	recipients := make([]*Client, 0, len(h.rooms[tribeID]))
	for _, c := range h.rooms[tribeID] {
		recipients = append(recipients, c)
	}
	h.mu.RUnlock()
	return h.deliver(recipients, WSMessage{Event: event, Data: data})
}

// BroadcastAll delivers an event to every live local connection.
func (h *Hub) BroadcastAll(event string, payload interface{}) int {
	data, err := encode(payload)
	if err != nil {
		h.logger.Error("encode global event", zap.String("event", event), zap.Error(err))
		return 0
	}
	h.mu.RLock()
	recipients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		recipients = append(recipients, c)
	}
	h.mu.RUnlock()
	return h.deliver(recipients, WSMessage{Event: event, Data: data})
}

func (h *Hub) deliver(recipients []*Client, msg WSMessage) int {
	delivered := 0
	for _, c := range recipients {
		if err := c.enqueue(msg); err != nil {
			h.logger.Warn("delivery skipped",
				zap.String("client_id", c.ID), zap.String("event", msg.Event), zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// PublishToRoom publishes to Redis only (no local broadcast) so the subscriber callback delivers
// once on every instance, this one included. Without Redis, or if publishing fails, it delivers locally.
func (h *Hub) PublishToRoom(tribeID, event string, payload interface{}) error {
	data, err := encode(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if h.redis != nil {
		err := h.redis.PublishRoomEvent(tribeID, event, data)
		if err == nil {
			return nil
		}
		h.logger.Warn("redis publish failed, delivering locally", zap.String("tribe_id", tribeID), zap.Error(err))
	}
	h.BroadcastToRoom(tribeID, event, data)
	return nil
}

// PublishGlobal is PublishToRoom for events addressed to every connection.
func (h *Hub) PublishGlobal(event string, payload interface{}) error {
	data, err := encode(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if h.redis != nil {
		err := h.redis.PublishGlobalEvent(event, data)
		if err == nil {
			return nil
		}
		h.logger.Warn("redis publish failed, delivering locally", zap.String("event", event), zap.Error(err))
	}
	h.BroadcastAll(event, data)
	return nil
}
