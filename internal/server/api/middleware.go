// Package api is the north-side HTTP surface: request decoding, bearer
// auth, and the sync/SSE delivery of runs.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acp2/acp2/internal/common/errors"
	"github.com/acp2/acp2/internal/common/logger"
)

// RequestLogger logs every request with a generated request id.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		duration := time.Since(start)
		log.Info("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
			zap.String("request_id", requestID),
		)
	}
}

// Recovery turns panics into internal-error envelopes.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				appErr := errors.Internal("an internal server error occurred", nil)
				c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.Response())
			}
		}()

		c.Next()
	}
}

// CORS adds permissive cross-origin headers.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// BearerAuth enforces the static north-side token. An empty token
// disables authentication entirely. /ping stays open for probes; /ws
// validates its own credentials because browsers cannot set headers on
// websocket upgrades.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || c.Request.URL.Path == "/ping" || c.Request.URL.Path == "/ws" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			appErr := errors.AuthError("missing credentials")
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.Response())
			return
		}

		provided := strings.TrimPrefix(header, "Bearer ")
		if provided == header || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			appErr := errors.AuthError("invalid credentials")
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.Response())
			return
		}

		c.Next()
	}
}
