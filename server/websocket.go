package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/mikoto-social/mikoto/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS is enforced at the HTTP layer
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second

	// outbound frame buffer per client; a client this far behind is
	// dropped
	sendQueueSize = 256
)

// inFrame is what clients send: channel lifecycle plus a few direct
// commands.
type inFrame struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

type connectBody struct {
	Channel string               `json:"channel"`
	ID      string               `json:"id"`
	Params  stream.ConnectParams `json:"params"`
}

type disconnectBody struct {
	ID string `json:"id"`
}

func (s *Server) handleStreaming(c echo.Context) error {
	ctx := c.Request().Context()

	user, err := s.userFromToken(ctx, c.QueryParam("i"))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid access token")
	}

	var st *stream.State
	if user == nil {
		st = stream.AnonymousState()
	} else {
		st, err = stream.LoadState(ctx, s.db, user)
		if err != nil {
			return err
		}
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	sendQueue := make(chan []byte, sendQueueSize)
	closed := make(chan struct{})

	conn := stream.NewConnection(s.streaming, st, func(data []byte) error {
		select {
		case sendQueue <- data:
			return nil
		case <-closed:
			return nil
		default:
			return errClientTooSlow
		}
	})
	defer conn.Close()

	go s.writePump(ws, sendQueue, closed)
	s.readPump(c, ws, conn)
	close(closed)
	return nil
}

var errClientTooSlow = errors.New("client too slow, dropping frame")

func (s *Server) readPump(c echo.Context, ws *websocket.Conn, conn *stream.Connection) {
	ctx := c.Request().Context()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket read failed", "err", err)
			}
			return
		}

		var frame inFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Debug("ignoring malformed frame", "err", err)
			continue
		}

		switch frame.Type {
		case "connect":
			var body connectBody
			if err := json.Unmarshal(frame.Body, &body); err != nil {
				continue
			}
			if err := conn.Connect(ctx, body.ID, body.Channel, body.Params); err != nil {
				s.log.Debug("channel connect rejected", "channel", body.Channel, "err", err)
			}
		case "disconnect":
			var body disconnectBody
			if err := json.Unmarshal(frame.Body, &body); err != nil {
				continue
			}
			conn.Disconnect(body.ID)
		case "readAllNotifications":
			if u := conn.Viewer(); u != nil {
				if err := s.notifman.MarkAllRead(ctx, u.ID); err != nil {
					s.log.Warn("failed to mark notifications read", "err", err)
				}
			}
		default:
			s.log.Debug("ignoring unknown frame type", "type", frame.Type)
		}
	}
}

func (s *Server) writePump(ws *websocket.Conn, sendQueue <-chan []byte, closed <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-sendQueue:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
