package http

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/davicafu/ledgerrelay/pkg/utils"
)

const readinessTimeout = 2 * time.Second

// Pinger es cualquier dependencia que el readiness comprueba (store, broker, caché).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapta una función a Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler expone liveness y readiness.
type HealthHandler struct {
	service string
	checks  map[string]Pinger
	started time.Time
}

func NewHealthHandler(service string, checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{service: service, checks: checks, started: time.Now()}
}

func RegisterHealthRoutes(r *gin.Engine, handler *HealthHandler) {
	health := r.Group("/health")
	{
		health.GET("", handler.Health)
		health.GET("/live", handler.Live)
		health.GET("/ready", handler.Ready)
	}
}

// Health endpoint GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	utils.SendSuccess(c, http.StatusOK, gin.H{
		"service": h.service,
		"status":  "ok",
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}

// Live endpoint GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	utils.SendSuccess(c, http.StatusOK, gin.H{"status": "alive"})
}

// Ready endpoint GET /health/ready. 503 si alguna dependencia falla.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(gin.H, len(names))
	ready := true
	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			results[name] = err.Error()
			ready = false
			continue
		}
		results[name] = "ok"
	}

	if !ready {
		utils.SendServiceUnavailable(c, "not ready", results)
		return
	}
	utils.SendSuccess(c, http.StatusOK, gin.H{"status": "ready", "checks": results})
}
