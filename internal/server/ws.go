package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/easel-labs/easel/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait            = 10 * time.Second
	pongWait             = 60 * time.Second
	pingPeriod           = 54 * time.Second
	maxMessageBytes      = 1 << 20
	defaultSendQueueSize = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect cross-origin; bearer tokens are the access control.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn adapts a gorilla websocket to the realtime.Conn contract: a bounded
// send queue drained by a single write pump, with drops on overflow so a slow
// consumer never blocks a broadcast.
type wsConn struct {
	id        string
	socket    *websocket.Conn
	send      chan realtime.ServerMessage
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func newWSConn(socket *websocket.Conn, queueSize int, logger *zap.Logger) *wsConn {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &wsConn{
		id:     uuid.NewString(),
		socket: socket,
		send:   make(chan realtime.ServerMessage, queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *wsConn) ID() string {
	return c.id
}

// Send queues an event for delivery. Never blocks; a full queue drops the
// frame (idempotent CRDT merge absorbs the loss).
func (c *wsConn) Send(event string, payload any) {
	select {
	case c.send <- realtime.ServerMessage{Event: event, Data: payload}:
	case <-c.done:
	default:
		c.logger.Debug("send queue full, dropping frame",
			zap.String("connection_id", c.id),
			zap.String("event", event))
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.socket.Close()
	})
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case message := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(message); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleRealtime authenticates the connection, upgrades it, and runs the read
// pump. Authentication happens before the upgrade: a missing or invalid token
// rejects the connection outright, before any coordinator logic runs.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	token := c.Query("access_token")
	if token == "" {
		header := c.GetHeader("Authorization")
		if len(header) > len("Bearer ") && header[:len("Bearer ")] == "Bearer " {
			token = header[len("Bearer "):]
		}
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Info("realtime token validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	principal, err := h.identities.Resolve(claims)
	if err != nil {
		h.logger.Warn("realtime identity resolution failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	socket, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newWSConn(socket, h.queueSize, h.logger)
	go conn.writePump()

	h.logger.Info("realtime connection established",
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", principal.ID))

	socket.SetReadLimit(maxMessageBytes)
	_ = socket.SetReadDeadline(time.Now().Add(pongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := c.Request.Context()
	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			break
		}
		var message realtime.ClientMessage
		if err := json.Unmarshal(data, &message); err != nil {
			conn.Send(realtime.EventError, realtime.ErrorPayload{Message: realtime.MsgInvalidPayload})
			continue
		}

		switch message.Event {
		case realtime.EventJoin:
			h.coordinator.HandleJoin(ctx, conn, principal, message.CanvasID)
		case realtime.EventLeave:
			h.coordinator.HandleLeave(ctx, conn, principal, message.CanvasID)
		case realtime.EventUpdate:
			h.coordinator.HandleUpdate(ctx, conn, principal, message.CanvasID, message.UpdateB64)
		case realtime.EventAwareness:
			h.coordinator.HandleAwareness(ctx, conn, principal, message.CanvasID, message.StateB64)
		case realtime.EventCheckpoint:
			h.coordinator.HandleCheckpoint(ctx, conn, principal, message.CanvasID, message.PayloadB64, message.Version)
		default:
			h.logger.Debug("unknown realtime event ignored",
				zap.String("connection_id", conn.ID()),
				zap.String("event", message.Event))
		}
	}

	h.coordinator.HandleDisconnect(conn)
	conn.close()
}
