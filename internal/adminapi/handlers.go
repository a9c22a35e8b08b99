// Package adminapi exposes the Interop Layer's health/stats/reload HTTP
// surface: a gin router with the same health-check-plus-protected-routes
// shape the rest of this codebase uses, narrowed to operator-facing
// endpoints instead of a CRUD domain.
package adminapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smile-health/interop-pipeline/internal/eventbus/connection"
	"github.com/smile-health/interop-pipeline/internal/eventbus/consumer"
	"github.com/smile-health/interop-pipeline/internal/openhim"
	"github.com/smile-health/interop-pipeline/internal/routing"
)

// Handler serves the admin/health HTTP endpoints.
type Handler struct {
	conn      *connection.Manager
	consumers map[string]*consumer.Consumer
	engine    *routing.Engine
	bridge    *openhim.Bridge

	service   string
	version   string
	startedAt time.Time
}

// NewHandler constructs a Handler. consumers is keyed by queue name for
// per-queue stats reporting. service/version are reported verbatim in the
// /health response.
func NewHandler(conn *connection.Manager, consumers map[string]*consumer.Consumer, engine *routing.Engine, bridge *openhim.Bridge, service, version string) *Handler {
	return &Handler{
		conn: conn, consumers: consumers, engine: engine, bridge: bridge,
		service: service, version: version, startedAt: time.Now(),
	}
}

// Health reports the pipeline's liveness:
// { status, service, version, timestamp, uptime, correlationId? }, with
// status one of healthy/degraded/unhealthy derived from both broker health
// and whether consumers are actively pulling messages.
func (h *Handler) Health(c *gin.Context) {
	status := h.status()
	httpStatus := http.StatusOK
	if status == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}

	resp := gin.H{
		"status":    status,
		"service":   h.service,
		"version":   h.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.startedAt).String(),
	}
	if corrID := c.GetHeader("X-Correlation-Id"); corrID != "" {
		resp["correlationId"] = corrID
	}
	c.JSON(httpStatus, resp)
}

// status derives healthy/degraded/unhealthy from broker connectivity and
// consumer activity.
func (h *Handler) status() string {
	brokerHealthy := h.conn.IsHealthy()

	if len(h.consumers) == 0 {
		if brokerHealthy {
			return "degraded"
		}
		return "unhealthy"
	}

	activeCount := 0
	for _, cons := range h.consumers {
		if cons.IsActive() {
			activeCount++
		}
	}

	switch {
	case brokerHealthy && activeCount == len(h.consumers):
		return "healthy"
	case brokerHealthy || activeCount > 0:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// Stats reports per-component counters: connection health, per-queue
// consumer stats, route count, and (if configured) OpenHIM bridge stats.
func (h *Handler) Stats(c *gin.Context) {
	queueStats := make(map[string]consumer.Stats, len(h.consumers))
	for queue, cons := range h.consumers {
		queueStats[queue] = cons.Stats()
	}

	resp := gin.H{
		"connection": h.conn.GetHealth(),
		"consumers":  queueStats,
		"routes":     len(h.engine.Routes()),
	}
	if h.bridge != nil {
		resp["openhim"] = h.bridge.GetStats()
	}
	c.JSON(http.StatusOK, resp)
}

// ReloadRoutes forces an immediate re-read of the routing config file,
// bypassing the watcher's debounce. Gated by AuthMiddleware.
func (h *Handler) ReloadRoutes(reload func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := reload(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"routes": len(h.engine.Routes())})
	}
}
