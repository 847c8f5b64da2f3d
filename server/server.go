// Package server is the streaming gateway: the websocket endpoint
// clients attach their channel instances through, plus the small HTTP
// surface around it.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	"gorm.io/gorm"

	"github.com/mikoto-social/mikoto/events"
	"github.com/mikoto-social/mikoto/messaging"
	"github.com/mikoto-social/mikoto/notifs"
	"github.com/mikoto-social/mikoto/stream"
)

type Server struct {
	echo      *echo.Echo
	db        *gorm.DB
	em        *events.EventManager
	notifman  *notifs.NotificationManager
	chat      *messaging.Service
	streaming *stream.Deps

	jwtSecret []byte

	log *slog.Logger
}

type Config struct {
	JWTSecret string
}

func NewServer(db *gorm.DB, em *events.EventManager, nm *notifs.NotificationManager, chat *messaging.Service, streaming *stream.Deps, cfg Config) *Server {
	return &Server{
		db:        db,
		em:        em,
		notifman:  nm,
		chat:      chat,
		streaming: streaming,
		jwtSecret: []byte(cfg.JWTSecret),
		log:       slog.Default().With("system", "server"),
	}
}

// RunAPI serves until the listener fails or Shutdown is called.
func (s *Server) RunAPI(bind string) error {
	e := echo.New()
	e.HideBanner = true

	e.Use(slogecho.New(s.log))
	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddleware("mikoto"))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	e.HTTPErrorHandler = s.errorHandler

	e.GET("/_health", s.handleHealthCheck)
	e.GET("/metrics", echoprometheus.NewHandler())
	e.GET("/streaming", s.handleStreaming)

	e.GET("/i/notifications/unread-count", s.handleNotificationCount)
	e.POST("/i/notifications/mark-all-as-read", s.handleMarkNotificationsRead)

	e.POST("/i/messaging/read-user", s.handleReadUserMessages)
	e.POST("/i/messaging/read-group", s.handleReadGroupMessages)

	s.echo = e
	s.log.Info("starting streaming gateway", "bind", bind)
	return e.Start(bind)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.echo == nil {
		return nil
	}
	return s.echo.Shutdown(ctx)
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		c.JSON(he.Code, map[string]any{"error": he.Message})
	case errors.Is(err, messaging.ErrAccessDenied) || errors.Is(err, stream.ErrAccessDenied):
		c.JSON(http.StatusForbidden, map[string]string{"error": "AccessDenied"})
	case errors.Is(err, stream.ErrCredentialRequired):
		c.JSON(http.StatusUnauthorized, map[string]string{"error": "CredentialRequired"})
	default:
		s.log.Warn("request failed", "path", c.Path(), "err", err)
		c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError"})
	}
}

type healthStatus struct {
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

func (s *Server) handleHealthCheck(c echo.Context) error {
	if err := s.db.Exec("SELECT 1").Error; err != nil {
		s.log.Error("healthcheck can't connect to database", "err", err)
		return c.JSON(http.StatusInternalServerError, healthStatus{Status: "error", Message: "can't connect to database"})
	}
	return c.JSON(http.StatusOK, healthStatus{Status: "ok"})
}

func (s *Server) handleNotificationCount(c echo.Context) error {
	u, err := s.userFromToken(c.Request().Context(), c.QueryParam("i"))
	if err != nil {
		return err
	}
	if u == nil {
		return stream.ErrCredentialRequired
	}

	count, err := s.notifman.GetCount(c.Request().Context(), u.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int64{"count": count})
}

func (s *Server) handleMarkNotificationsRead(c echo.Context) error {
	u, err := s.userFromToken(c.Request().Context(), c.QueryParam("i"))
	if err != nil {
		return err
	}
	if u == nil {
		return stream.ErrCredentialRequired
	}

	if err := s.notifman.MarkAllRead(c.Request().Context(), u.ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type readUserMessagesBody struct {
	UserID     string   `json:"userId"`
	MessageIDs []string `json:"messageIds"`
}

func (s *Server) handleReadUserMessages(c echo.Context) error {
	u, err := s.userFromToken(c.Request().Context(), c.QueryParam("i"))
	if err != nil {
		return err
	}
	if u == nil {
		return stream.ErrCredentialRequired
	}

	var body readUserMessagesBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	if err := s.chat.ReadUserMessages(c.Request().Context(), u.ID, body.UserID, body.MessageIDs); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type readGroupMessagesBody struct {
	GroupID    string   `json:"groupId"`
	MessageIDs []string `json:"messageIds"`
}

func (s *Server) handleReadGroupMessages(c echo.Context) error {
	u, err := s.userFromToken(c.Request().Context(), c.QueryParam("i"))
	if err != nil {
		return err
	}
	if u == nil {
		return stream.ErrCredentialRequired
	}

	var body readGroupMessagesBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	if err := s.chat.ReadGroupMessages(c.Request().Context(), u.ID, body.GroupID, body.MessageIDs); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
