package logger

import (
	"time"

	"github.com/labstack/echo/v4"
)

// EchoMiddleware returns an echo middleware that logs every request through
// the given logger, including status, size, and duration.
func EchoMiddleware(l *Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			reqLogger := l.WithFields(map[string]interface{}{
				"method":      req.Method,
				"path":        req.URL.Path,
				"remote_addr": c.RealIP(),
			})
			reqLogger.Debug("Request received")

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			duration := time.Since(start)
			res := c.Response()
			respLogger := reqLogger.WithFields(map[string]interface{}{
				"status":      res.Status,
				"size":        res.Size,
				"duration_ms": float64(duration.Nanoseconds()) / 1e6,
			})

			switch {
			case res.Status >= 500:
				respLogger.Error("Request failed with server error")
			case res.Status >= 400:
				respLogger.Warn("Request failed with client error")
			default:
				respLogger.Info("Request completed")
			}

			if duration > time.Second {
				respLogger.Warnf("Slow request detected: %v", duration)
			}

			return err
		}
	}
}
