package overlay

import (
	"github.com/gin-gonic/gin"
)

// ContextKey is the gin context key holding the request's Overlay.
const ContextKey = "overlay"

// Middleware gives every request its own mirror and invalidates it once the
// request has been handled, including when a handler panics.
func Middleware(o *Overlay) gin.HandlerFunc {
	return func(c *gin.Context) {
		scoped := o.Fork()
		defer scoped.InvalidateAll()

		c.Set(ContextKey, scoped)
		c.Request = c.Request.WithContext(NewContext(c.Request.Context(), scoped))

		c.Next()
	}
}

// FromGin returns the request's Overlay, falling back to fallback when the
// middleware is not installed.
func FromGin(c *gin.Context, fallback *Overlay) *Overlay {
	if v, ok := c.Get(ContextKey); ok {
		if o, ok := v.(*Overlay); ok {
			return o
		}
	}
	return fallback
}
