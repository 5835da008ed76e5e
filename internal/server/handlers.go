package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/crewdeck/runwatch/internal/core"
	"github.com/crewdeck/runwatch/internal/monitor"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleListSessions returns every known session: the live one plus any the
// archive remembers.
func (s *Server) handleListSessions(c echo.Context) error {
	live := s.controller.Session()
	sessions := []core.Session{live}

	if s.archive != nil {
		archived, err := s.archive.ListSessions(c.Request().Context())
		if err != nil {
			s.log.Warnf("Failed to list archived sessions: %v", err)
			return c.JSON(http.StatusInternalServerError, errorBody("failed to list sessions"))
		}
		for _, sess := range archived {
			if sess.SessionID != live.SessionID {
				sessions = append(sessions, sess)
			}
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions})
}

// handleSession returns the consolidated view model for the live session,
// or an archive-backed reconstruction for a past one.
func (s *Server) handleSession(c echo.Context) error {
	id := c.Param("id")
	live := s.controller.Session()
	if id == live.SessionID {
		return c.JSON(http.StatusOK, s.controller.ViewModel())
	}

	if s.archive == nil {
		return c.JSON(http.StatusNotFound, errorBody("session not found"))
	}
	msgs, err := s.archive.ReplaySession(c.Request().Context(), id)
	if err != nil {
		s.log.Warnf("Failed to replay session %s: %v", id, err)
		return c.JSON(http.StatusInternalServerError, errorBody("failed to load session"))
	}
	label, err := s.archive.SessionLabel(c.Request().Context(), id)
	if err != nil {
		s.log.Warnf("Failed to load label for %s: %v", id, err)
	}
	if len(msgs) == 0 && label == "" {
		return c.JSON(http.StatusNotFound, errorBody("session not found"))
	}

	return c.JSON(http.StatusOK, monitor.ViewModel{
		Session: core.Session{
			SessionID:       id,
			ExecutionStatus: core.ExecIdle,
		},
		Messages: msgs,
	})
}

func (s *Server) handleMessages(c echo.Context) error {
	id := c.Param("id")
	if id == s.controller.Session().SessionID {
		return c.JSON(http.StatusOK, map[string]any{"messages": s.controller.ViewModel().Messages})
	}

	if s.archive == nil {
		return c.JSON(http.StatusNotFound, errorBody("session not found"))
	}
	msgs, err := s.archive.ReplaySession(c.Request().Context(), id)
	if err != nil {
		s.log.Warnf("Failed to replay session %s: %v", id, err)
		return c.JSON(http.StatusInternalServerError, errorBody("failed to load messages"))
	}
	if len(msgs) == 0 {
		return c.JSON(http.StatusNotFound, errorBody("session not found"))
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleTasks(c echo.Context) error {
	id := c.Param("id")
	if id != s.controller.Session().SessionID {
		return c.JSON(http.StatusNotFound, errorBody("session not found"))
	}
	return c.JSON(http.StatusOK, map[string]any{"tasks": s.controller.ViewModel().Tasks})
}

// handleEvents streams view model snapshots over SSE. A snapshot is sent
// immediately, then once per change signal, with periodic heartbeats in
// between.
func (s *Server) handleEvents(c echo.Context) error {
	id := c.Param("id")
	if id != s.controller.Session().SessionID {
		return c.JSON(http.StatusNotFound, errorBody("session not found"))
	}

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	changes, cancel := s.controller.Subscribe()
	defer cancel()

	if err := s.writeSnapshot(c); err != nil {
		return nil
	}

	ctx := c.Request().Context()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			if err := s.writeSnapshot(c); err != nil {
				return nil
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Response(), ": heartbeat\n\n"); err != nil {
				return nil
			}
			c.Response().Flush()
		}
	}
}

func (s *Server) writeSnapshot(c echo.Context) error {
	payload, err := json.Marshal(s.controller.ViewModel())
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "event: snapshot\ndata: %s\n\n", payload); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

// handleNotify ingests one push notification. The controller makes every
// branch idempotent, so retries and duplicates are safe.
func (s *Server) handleNotify(c echo.Context) error {
	var n monitor.Notification
	if err := c.Bind(&n); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid notification payload"))
	}
	if n.Type == "" {
		return c.JSON(http.StatusBadRequest, errorBody("notification type is required"))
	}

	s.controller.HandleNotification(n)
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
