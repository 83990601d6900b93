// internal/server/middleware.go
package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const contextRequestIDKey = "request_id"

// RequestLogger tags each request with an id and logs it once done.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := ensureRequestID(c)

		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}

		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		default:
			ev = log.Debug()
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			ev = ev.Err(lastErr.Err)
		}
		ev.Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("route", route).
			Int("status", status).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Int("bytes_out", max(c.Writer.Size(), 0)).
			Msg("request")
	}
}

func ensureRequestID(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader("X-Request-Id"))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(contextRequestIDKey, requestID)
	c.Header("X-Request-Id", requestID)
	return requestID
}

// CORS allows any origin to read the public API. Preflight requests end here.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// AdminRequired checks "Authorization: Bearer <token>". An empty token locks the routes.
func AdminRequired(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		parts := strings.Fields(header)
		if len(want) == 0 || len(parts) != 2 || parts[0] != "Bearer" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), want) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}
