package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/monitoring"
	"huddle/pkg/tracing"

	"github.com/gin-gonic/gin"
)

type PresenceHandler struct {
	presence  ports.PresenceService
	collector *monitoring.PrometheusCollector
	startedAt time.Time
}

func NewPresenceHandler(presence ports.PresenceService, collector *monitoring.PrometheusCollector) *PresenceHandler {
	return &PresenceHandler{
		presence:  presence,
		collector: collector,
		startedAt: time.Now(),
	}
}

func (h *PresenceHandler) SetupRoutes(router *gin.Engine) {
	router.POST("/register", h.Register)
	router.POST("/unregister", h.Unregister)
	router.POST("/heartbeat", h.Heartbeat)
	router.GET("/users", h.ListPeers)
	router.GET("/health", h.Health)
}

// MetricsMiddleware records request durations per route.
func (h *PresenceHandler) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.collector == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		h.collector.RecordHTTPRequest(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(c.Writer.Status()),
			time.Since(start),
		)
	}
}

func (h *PresenceHandler) Register(c *gin.Context) {
	var req struct {
		PeerID      string `json:"peerId"`
		DisplayName string `json:"displayName"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	ctx, span := tracing.TracePresenceOperation(c.Request.Context(), "register", req.PeerID)
	defer span.End()

	err := h.presence.Register(ctx, domain.PeerID(req.PeerID), req.DisplayName)
	if errors.Is(err, domain.ErrInvalidPeerID) || errors.Is(err, domain.ErrInvalidName) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	if h.collector != nil {
		h.collector.RecordRegister()
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "peerId": req.PeerID})
}

func (h *PresenceHandler) Unregister(c *gin.Context) {
	var req struct {
		PeerID string `json:"peerId"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	ctx, span := tracing.TracePresenceOperation(c.Request.Context(), "unregister", req.PeerID)
	defer span.End()

	err := h.presence.Unregister(ctx, domain.PeerID(req.PeerID))
	if err != nil && !errors.Is(err, domain.ErrPeerNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	if err == nil && h.collector != nil {
		h.collector.RecordUnregister()
	}

	// Absent peer is still success: repeated unregister is idempotent.
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *PresenceHandler) Heartbeat(c *gin.Context) {
	var req struct {
		PeerID string `json:"peerId"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	ctx, span := tracing.TracePresenceOperation(c.Request.Context(), "heartbeat", req.PeerID)
	defer span.End()

	err := h.presence.Heartbeat(ctx, domain.PeerID(req.PeerID))
	if errors.Is(err, domain.ErrPeerNotFound) {
		// Expected race: this peer was already swept and must re-register.
		if h.collector != nil {
			h.collector.RecordHeartbeat(false)
		}
		c.JSON(http.StatusNotFound, gin.H{"success": false})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	if h.collector != nil {
		h.collector.RecordHeartbeat(true)
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *PresenceHandler) ListPeers(c *gin.Context) {
	peers, err := h.presence.ListPeers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if h.collector != nil {
		h.collector.SetPeerCount(len(peers))
	}
	c.JSON(http.StatusOK, gin.H{"users": peers})
}

func (h *PresenceHandler) Health(c *gin.Context) {
	peers, err := h.presence.ListPeers(c.Request.Context())
	status := "healthy"
	if err != nil {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"timestamp":      time.Now().Unix(),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"peers":          len(peers),
	})
}
