// Package admin exposes read-mostly diagnostics for the coordination service
// over HTTP and the standard gRPC health protocol.
package admin

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/coordination/internal/lock"
	"github.com/kneutral-org/coordination/internal/logging"
	"github.com/kneutral-org/coordination/internal/metrics"
	"github.com/kneutral-org/coordination/internal/middleware"
	"github.com/kneutral-org/coordination/internal/overlay"
	"github.com/kneutral-org/coordination/internal/sharedcache"
)

// DefaultMaxEntrySize is the largest value accepted by PUT /entries (100KB).
const DefaultMaxEntrySize int64 = 100 * 1024

// Handler serves lock and cache diagnostics.
type Handler struct {
	manager      *lock.Manager
	client       sharedcache.Client
	store        *overlay.Store
	logger       zerolog.Logger
	maxEntrySize int64
}

// NewHandler creates a new admin handler with the provided dependencies.
func NewHandler(manager *lock.Manager, client sharedcache.Client, store *overlay.Store, logger zerolog.Logger) *Handler {
	return &Handler{
		manager:      manager,
		client:       client,
		store:        store,
		logger:       logging.ComponentLogger(logger, "admin"),
		maxEntrySize: DefaultMaxEntrySize,
	}
}

// SharedLockResponse describes a counting lock.
type SharedLockResponse struct {
	Name   string `json:"name"`
	Count  uint64 `json:"count"`
	Locked bool   `json:"locked"`
}

// RWLockResponse describes a reader/writer lock.
type RWLockResponse struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Readers    uint64 `json:"readers"`
	Owner      string `json:"owner,omitempty"`
	OwnerReads uint64 `json:"ownerReads,omitempty"`
}

// NewRouter builds the HTTP router. Every request runs with its own overlay
// mirror, dropped when the request completes.
func NewRouter(h *Handler, o *overlay.Overlay, logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.RequestLogger(logger))
	router.Use(requestMetrics())
	router.Use(overlay.Middleware(o))

	router.GET("/health", h.Health)
	metrics.RegisterMetricsEndpoint(router)

	h.RegisterRoutes(router.Group("/api/v1"))
	return router
}

// RegisterRoutes registers the diagnostic routes on the provided router group.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	locks := router.Group("/locks")
	locks.GET("/shared/:name", h.GetSharedLock)
	locks.GET("/rw/:name", h.GetRWLock)

	entries := router.Group("/entries")
	entries.GET("/:key", h.GetEntry)
	entries.PUT("/:key", middleware.BodyLimit(h.maxEntrySize, h.logger), h.PutEntry)
	entries.DELETE("/:key", h.DeleteEntry)
}

// Health reports whether the shared cache answers.
func (h *Handler) Health(c *gin.Context) {
	if err := h.client.Ping(c.Request.Context()); err != nil {
		h.logger.Warn().Err(err).Msg("shared cache ping failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// GetSharedLock returns the hold count of a counting lock.
func (h *Handler) GetSharedLock(c *gin.Context) {
	name := c.Param("name")

	entry, err := h.manager.SharedState(c.Request.Context(), name)
	if err != nil {
		h.fail(c, logging.LockLogger(h.logger, "shared", name), err)
		return
	}

	c.JSON(http.StatusOK, SharedLockResponse{
		Name:   name,
		Count:  entry.Count,
		Locked: entry.Count > 0,
	})
}

// GetRWLock returns the state of a reader/writer lock.
func (h *Handler) GetRWLock(c *gin.Context) {
	name := c.Param("name")

	entry, err := h.manager.RWState(c.Request.Context(), name)
	if err != nil {
		h.fail(c, logging.LockLogger(h.logger, "rw", name), err)
		return
	}

	state := lock.State{Readers: entry.Count, Owner: entry.Owner, OwnerReads: entry.OwnerReads}
	c.JSON(http.StatusOK, RWLockResponse{
		Name:       name,
		State:      state.Mode(),
		Readers:    entry.Count,
		Owner:      string(entry.Owner),
		OwnerReads: entry.OwnerReads,
	})
}

// GetEntry returns a stored value.
func (h *Handler) GetEntry(c *gin.Context) {
	key := c.Param("key")
	if h.refuseLockKey(c, key) {
		return
	}

	value, err := h.store.Get(c.Request.Context(), key)
	if errors.Is(err, sharedcache.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	if err != nil {
		h.fail(c, entryLogger(c, key), err)
		return
	}

	c.Data(http.StatusOK, "application/octet-stream", value)
}

// PutEntry stores the request body under key.
func (h *Handler) PutEntry(c *gin.Context) {
	key := c.Param("key")
	if h.refuseLockKey(c, key) {
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			_ = c.Error(err)
			c.Abort()
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if err := h.store.Put(c.Request.Context(), key, body); err != nil {
		h.fail(c, entryLogger(c, key), err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"key": key, "shared": h.store.IsShared(key), "size": len(body)})
}

// DeleteEntry removes key.
func (h *Handler) DeleteEntry(c *gin.Context) {
	key := c.Param("key")
	if h.refuseLockKey(c, key) {
		return
	}

	if err := h.store.Remove(c.Request.Context(), key); err != nil {
		h.fail(c, entryLogger(c, key), err)
		return
	}

	c.Status(http.StatusNoContent)
}

// refuseLockKey answers 403 for keys in the lock manager's namespace. Lock
// entries only change through lock operations.
func (h *Handler) refuseLockKey(c *gin.Context, key string) bool {
	if !strings.HasPrefix(key, h.manager.KeyPrefix()) && !h.store.IsReserved(key) {
		return false
	}
	logger := entryLogger(c, key)
	logger.Warn().Msg("lock entry access refused")
	c.JSON(http.StatusForbidden, gin.H{"error": "key is reserved for locks"})
	return true
}

func entryLogger(c *gin.Context, key string) zerolog.Logger {
	return logging.LoggerFromContext(c.Request.Context()).With().
		Str("component", "admin").
		Str("key", key).
		Logger()
}

func (h *Handler) fail(c *gin.Context, logger zerolog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sharedcache.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, overlay.ErrReservedKey):
		status = http.StatusForbidden
	}
	logger.Error().Err(err).Msg("admin request failed")
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

// requestMetrics records every request by route template and status.
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()))
	}
}
