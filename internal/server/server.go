// Package server exposes the session state over HTTP: a small JSON API for
// the consolidated view model, an SSE stream of change signals, and the
// notification ingress used by the job service's push path.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/crewdeck/runwatch/internal/core"
	"github.com/crewdeck/runwatch/internal/logger"
	"github.com/crewdeck/runwatch/internal/monitor"
)

// ErrServerRunning is returned when starting an already running server.
var ErrServerRunning = errors.New("server is already running")

// SessionController is the slice of the session controller the server
// serves. *monitor.Controller satisfies it.
type SessionController interface {
	Session() core.Session
	ViewModel() monitor.ViewModel
	Subscribe() (<-chan struct{}, monitor.CancelFunc)
	HandleNotification(n monitor.Notification)
}

var _ SessionController = (*monitor.Controller)(nil)

// SessionArchive is the optional read side of the message archive.
type SessionArchive interface {
	ReplaySession(ctx context.Context, sessionID string) ([]core.Message, error)
	SessionLabel(ctx context.Context, sessionID string) (string, error)
	ListSessions(ctx context.Context) ([]core.Session, error)
}

// Server wraps the echo instance serving the session API.
type Server struct {
	port       int
	echo       *echo.Echo
	controller SessionController
	archive    SessionArchive
	log        *logger.Logger
	running    bool
}

// NewServer creates a server for one session controller. The archive may be
// nil; archive-backed endpoints then return only live state.
func NewServer(port int, controller SessionController, archive SessionArchive) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(logger.EchoMiddleware(logger.GetLogger()))

	s := &Server{
		port:       port,
		echo:       e,
		controller: controller,
		archive:    archive,
		log:        logger.WithField("component", "server"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/api/sessions", s.handleListSessions)
	s.echo.GET("/api/sessions/:id", s.handleSession)
	s.echo.GET("/api/sessions/:id/messages", s.handleMessages)
	s.echo.GET("/api/sessions/:id/tasks", s.handleTasks)
	s.echo.GET("/api/sessions/:id/events", s.handleEvents)
	s.echo.POST("/api/notify", s.handleNotify)
}

// Start begins listening and blocks until the context is cancelled or the
// listener fails. Graceful shutdown drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	if s.running {
		return ErrServerRunning
	}
	s.running = true
	defer func() { s.running = false }()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(fmt.Sprintf(":%d", s.port))
	}()
	s.log.Infof("Listening on port %d", s.port)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

// Handler exposes the routing tree, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
