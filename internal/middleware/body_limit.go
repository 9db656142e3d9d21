// Package middleware provides HTTP middleware shared by the coordination
// service's routers.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// BodyTooLargeResponse is the JSON body sent with a 413.
type BodyTooLargeResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	MaxBytes int64  `json:"maxBytes"`
}

// BodyLimit rejects request bodies larger than maxBytes. A declared
// Content-Length over the limit is refused before the handler runs; otherwise
// the body is wrapped with http.MaxBytesReader and a handler that records the
// resulting read error with c.Error gets a 413 instead of its own response.
func BodyLimit(maxBytes int64, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body == nil || c.Request.ContentLength == 0 {
			c.Next()
			return
		}

		if c.Request.ContentLength > maxBytes {
			rejectBody(c, logger, c.Request.ContentLength, maxBytes)
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()

		for _, ginErr := range c.Errors {
			var tooLarge *http.MaxBytesError
			if errors.As(ginErr.Err, &tooLarge) {
				c.Errors = c.Errors[:0]
				rejectBody(c, logger, -1, maxBytes)
				return
			}
		}
	}
}

func rejectBody(c *gin.Context, logger zerolog.Logger, size, maxBytes int64) {
	logger.Warn().
		Str("clientIP", c.ClientIP()).
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int64("size", size).
		Int64("maxBytes", maxBytes).
		Msg("oversized request body rejected")

	if c.Writer.Written() {
		return
	}
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, BodyTooLargeResponse{
		Error:    "payloadTooLarge",
		Message:  "request body exceeds the maximum allowed size",
		MaxBytes: maxBytes,
	})
}
