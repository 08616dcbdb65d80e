// Package connection serves the websocket endpoint: it authenticates the upgrade,
// pumps frames in both directions and hands decoded events to the gateway.
package connection

import (
	"context"
	"net/http"
	"time"

	"arenaserver/arena/broadcast"
	"arenaserver/arena/room"
	"arenaserver/auth"
	"arenaserver/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingPeriod     = 10 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	requestTimeout = 15 * time.Second
	maxMessageSize = 64 * 1024
)

// Dispatcher processes one inbound event for a connection.
type Dispatcher interface {
	Handle(ctx context.Context, c *room.Conn, in broadcast.Inbound) (interface{}, error)
	Disconnected(c *room.Conn, keys []room.Key)
}

type Handler struct {
	registry   *room.Registry
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	sendBuffer int
}

func NewHandler(registry *room.Registry, dispatcher Dispatcher, allowedOrigins []string, logger *zap.Logger) *Handler {
	return &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
		sendBuffer: room.DefaultSendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// TokenValidation はアップグレード前にトークンを検証します。
func TokenValidation(r *http.Request, logger *zap.Logger) (*models.MyClaims, error) {
	claims, err := auth.ValidateToken(auth.TokenFromRequest(r))
	if err != nil {
		logger.Warn("Failed to validate token", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return nil, err
	}
	return claims, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := TokenValidation(r, h.logger)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.logger.Error("Error upgrading WebSocket", zap.Error(err))
		return
	}

	c := room.NewConn(claims.UserID, h.sendBuffer)
	h.registry.Hub().Register(c)

	ws.SetCloseHandler(func(code int, text string) error {
		h.logger.Info("WebSocket closed", zap.String("userID", c.UserID), zap.Int("code", code), zap.String("reason", text))
		return nil
	})

	go h.writePump(ws, c)
	h.readPump(ws, c)

	keys := h.registry.Disconnect(c)
	h.dispatcher.Disconnected(c, keys)
	ws.Close()
}

func (h *Handler) readPump(ws *websocket.Conn, c *room.Conn) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Unexpected WebSocket close", zap.String("userID", c.UserID), zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))
		h.reply(c, h.process(c, data))
	}
}

func (h *Handler) process(c *room.Conn, data []byte) []byte {
	in, err := broadcast.Decode(data)
	if err != nil {
		return broadcast.ErrorEvent("", err)
	}
	if in.Type == broadcast.TypePing {
		msg, _ := broadcast.Encode(broadcast.TypePong, in.RequestID, nil)
		return msg
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	value, err := h.dispatcher.Handle(ctx, c, in)
	if err != nil {
		return broadcast.ErrorEvent(in.RequestID, err)
	}
	msg, err := broadcast.Encode(broadcast.TypeAck, in.RequestID, value)
	if err != nil {
		h.logger.Error("Failed to encode ack", zap.String("type", string(in.Type)), zap.Error(err))
		return broadcast.ErrorEvent(in.RequestID, err)
	}
	return msg
}

func (h *Handler) reply(c *room.Conn, msg []byte) {
	h.registry.Hub().Send(c, msg)
}

// writePump is the only writer of ws.
func (h *Handler) writePump(ws *websocket.Conn, c *room.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg := <-c.Outbound():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Warn("Error writing message", zap.String("userID", c.UserID), zap.Error(err))
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Warn("Error sending ping", zap.String("userID", c.UserID), zap.Error(err))
				return
			}
		case <-c.Done():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
