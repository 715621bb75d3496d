package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Hub maintains session code -> set of connections and broadcasts messages.
// Uses Redis pub/sub for horizontal scaling: local broadcast + publish to Redis.
type Hub struct {
	// session code -> map[clientID]*Client
	sessions map[string]map[string]*Client
	subs     map[string]func() // cancel Redis subscription per session
	// session code -> activated_at of the newest poll_activated delivered to the room
	activations map[string]time.Time
	mu          sync.RWMutex
	logger      *zap.Logger
	redis       RedisPublisher
	redisSub    RedisSubscriber
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishSessionEvent(code string, event string, payload []byte) error
}

// RedisSubscriber subscribes to session channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeSession(code string, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. Either Redis side may be nil for a single instance.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions:    make(map[string]map[string]*Client),
		subs:        make(map[string]func()),
		activations: make(map[string]time.Time),
		logger:      logger,
		redis:       redisPub,
		redisSub:    redisSub,
	}
}

// Register adds a client to a session room. Starts Redis subscription for this session if first client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.sessions[c.SessionCode] == nil {
		h.sessions[c.SessionCode] = make(map[string]*Client)
		if h.redisSub != nil {
			code := c.SessionCode
			cancel, err := h.redisSub.SubscribeSession(code, func(event string, payload []byte) {
				h.BroadcastToSession(code, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[code] = cancel
			} else {
				h.logger.Warn("redis subscribe failed", zap.String("session_code", code), zap.Error(err))
			}
		}
	}
	h.sessions[c.SessionCode][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client joined session", zap.String("client_id", c.ID), zap.String("session_code", c.SessionCode), zap.String("role", c.Role))
}

// Unregister removes a client from a session room. Cancels Redis subscription when last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.sessions[c.SessionCode]; ok {
		if _, present := m[c.ID]; present {
			delete(m, c.ID)
			close(c.send)
		}
		if len(m) == 0 {
			delete(h.sessions, c.SessionCode)
			delete(h.activations, c.SessionCode)
			if cancel, ok := h.subs[c.SessionCode]; ok {
				cancel()
				delete(h.subs, c.SessionCode)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client left session", zap.String("client_id", c.ID), zap.String("session_code", c.SessionCode))
}

// BroadcastToSession sends a message to all clients in a session (local only).
func (h *Hub) BroadcastToSession(code string, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	if event == EventPollActivated && h.staleActivation(code, data) {
		h.logger.Debug("dropping stale poll activation", zap.String("session_code", code))
		return
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.sessions[code] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// staleActivation reports whether a poll_activated payload is older than one the room already
// received. Activations published by different instances can arrive out of commit order.
func (h *Hub) staleActivation(code string, data []byte) bool {
	var msg struct {
		Poll struct {
			ActivatedAt *time.Time `json:"activated_at"`
		} `json:"poll"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Poll.ActivatedAt == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[code]; !ok {
		return false
	}
	if last, ok := h.activations[code]; ok && msg.Poll.ActivatedAt.Before(last) {
		return true
	}
	h.activations[code] = *msg.Poll.ActivatedAt
	return false
}

// BroadcastToSessionAndPublish sends to local clients and publishes to Redis for other instances.
func (h *Hub) BroadcastToSessionAndPublish(code string, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.BroadcastToSession(code, event, json.RawMessage(data))
	if h.redis != nil {
		_ = h.redis.PublishSessionEvent(code, event, data)
	}
}

// PublishToSessionOnly publishes to Redis only (no local broadcast) so the Redis subscriber
// delivers once on every instance, this one included. Without Redis it broadcasts locally.
func (h *Hub) PublishToSessionOnly(code string, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if h.redis != nil {
		if err := h.redis.PublishSessionEvent(code, event, data); err != nil {
			h.logger.Warn("redis publish failed, broadcasting locally", zap.String("session_code", code), zap.String("event", event), zap.Error(err))
			h.BroadcastToSession(code, event, json.RawMessage(data))
		}
		return
	}
	h.BroadcastToSession(code, event, json.RawMessage(data))
}

// AudienceCount returns the number of connected clients in a session on this instance.
func (h *Hub) AudienceCount(code string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[code])
}

// SendToClient sends a message to a single client in a session.
func (h *Hub) SendToClient(code string, clientID string, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := WSMessage{Event: event, Data: data}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.sessions[code][clientID]
	if !ok || c == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
