package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Oudwins/storyd/internals/auth"
	"github.com/Oudwins/storyd/internals/notify"
	"github.com/Oudwins/storyd/internals/schemas"
	"github.com/Oudwins/storyd/internals/timeouts"
)

// CloseUnauthorized is sent to connections without valid credentials.
const CloseUnauthorized = 4401

// HandlerGateway upgrades to a websocket and forwards every event of the
// authenticated owner until either side goes away. Events published while
// the connection is down are not replayed.
func (s *Server) HandlerGateway(w http.ResponseWriter, r *http.Request) {
	logger := LoggerFrom(r.Context())
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r.Header.Get("Authorization"))
	}
	owner, authErr := s.authenticate(token)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	if authErr != nil {
		logger.Debug("Rejected websocket credentials", slog.String("error", authErr.Error()))
		deadline := time.Now().Add(timeouts.SocketWrite)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseUnauthorized, "unauthorized"), deadline)
		return
	}

	logger = logger.With(slog.String("owner", owner))
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := s.Base.Broker.Subscribe(ctx, owner)
	if err != nil {
		logger.Error("Failed to subscribe", slog.String("error", err.Error()))
		deadline := time.Now().Add(timeouts.SocketWrite)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"), deadline)
		return
	}
	defer sub.Close()

	logger.Info("Gateway connected")
	c := &gatewayConn{conn: conn, logger: logger, pongs: make(chan struct{}, 1)}
	go func() {
		defer cancel()
		c.readLoop()
	}()
	c.writeLoop(ctx, sub.Events())
	logger.Info("Gateway disconnected")
}

// gatewayConn splits a connection into one reader and one writer; only the
// writer touches the socket for writes.
type gatewayConn struct {
	conn   *websocket.Conn
	logger *slog.Logger
	pongs  chan struct{}
}

func (c *gatewayConn) readLoop() {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeouts.SocketPongGrace))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(timeouts.SocketPongGrace))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug("Gateway read failed", slog.String("error", err.Error()))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(timeouts.SocketPongGrace))

		var message schemas.ClientMessage
		if err := json.Unmarshal(data, &message); err != nil {
			continue
		}
		if message.Type == schemas.MessagePing {
			select {
			case c.pongs <- struct{}{}:
			default:
			}
		}
	}
}

func (c *gatewayConn) writeLoop(ctx context.Context, events <-chan notify.Event) {
	ticker := time.NewTicker(timeouts.SocketPing)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(timeouts.SocketWrite)
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if !c.write(event) {
				return
			}
		case <-c.pongs:
			if !c.write(schemas.ClientMessage{Type: schemas.MessagePong}) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(timeouts.SocketWrite))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *gatewayConn) write(payload any) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeouts.SocketWrite))
	if err := c.conn.WriteJSON(payload); err != nil {
		c.logger.Debug("Gateway write failed", slog.String("error", err.Error()))
		return false
	}
	return true
}
