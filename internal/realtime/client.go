package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pollcast/backend/internal/models"
)

// Connection roles.
const (
	RolePresenter   = "presenter"
	RoleParticipant = "participant"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // participants join from any origin
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SessionLookup resolves a session code for the socket handshake. Returns (nil, nil) when absent.
type SessionLookup func(ctx context.Context, code string) (*models.Session, error)

// ActivePollLookup returns the session's active poll, or nil.
type ActivePollLookup func(ctx context.Context, code string) (*models.Poll, error)

// Client represents a single WebSocket connection in a session.
type Client struct {
	ID          string
	SessionCode string
	StudentID   string
	Role        string
	JoinedAt    time.Time
	hub         *Hub
	conn        *websocket.Conn
	send        chan WSMessage
	logger      *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop.
// Query: session=CODE, role=presenter|participant, student_id (participants).
func ServeWs(hub *Hub, lookup SessionLookup, active ActivePollLookup, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		code := strings.ToUpper(strings.TrimSpace(c.Query("session")))
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session required"})
			return
		}
		session, err := lookup(c.Request.Context(), code)
		if err != nil {
			logger.Error("websocket session lookup", zap.String("session_code", code), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve session"})
			return
		}
		if session == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		role := c.DefaultQuery("role", RoleParticipant)
		if role != RolePresenter {
			role = RoleParticipant
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:          uuid.New().String(),
			SessionCode: session.Code,
			StudentID:   c.Query("student_id"),
			Role:        role,
			JoinedAt:    time.Now(),
			hub:         hub,
			conn:        conn,
			send:        make(chan WSMessage, 256),
			logger:      logger,
		}
		hub.Register(client)
		go client.writePump()

		hub.SendToClient(client.SessionCode, client.ID, "session_joined", map[string]interface{}{
			"session_id": session.Code,
			"title":      session.Title,
			"client_id":  client.ID,
		})
		if active != nil {
			if p, err := active(c.Request.Context(), session.Code); err == nil && p != nil {
				hub.SendToClient(client.SessionCode, client.ID, EventPollActivated, map[string]interface{}{
					"session_id": session.Code,
					"poll":       p.AudienceView(),
				})
			}
		}
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
		c.hub.BroadcastToSessionAndPublish(c.SessionCode, "participant_count", map[string]int{
			"count": c.hub.AudienceCount(c.SessionCode),
		})
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case "join":
			c.hub.BroadcastToSessionAndPublish(c.SessionCode, "participant_count", map[string]int{
				"count": c.hub.AudienceCount(c.SessionCode),
			})
		case "ping":
			c.hub.SendToClient(c.SessionCode, c.ID, "pong", map[string]int64{"at": time.Now().Unix()})
		default:
			// answers go through POST /polls/:id/respond
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
