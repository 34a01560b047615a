package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/cortexops/gantry/pkg/version"
)

type healthResponse struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	Build         version.Build  `json:"build"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Services      map[string]any `json:"services"`
	Overall       string         `json:"overall"`
}

// healthHandler reports liveness plus per-dependency detail. Degraded
// dependencies turn the overall status but still return 200; only the
// readiness probe gates traffic.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	services := map[string]any{}

	if err := s.deps.Store.Ping(ctx); err != nil {
		status = "degraded"
		services["ledger"] = map[string]any{"status": "unhealthy", "error": err.Error()}
	} else {
		services["ledger"] = map[string]any{"status": "healthy"}
	}

	stats := s.deps.Pool.Stats()
	services["worker_pool"] = map[string]any{
		"status":         "healthy",
		"queued":         stats.Queued,
		"running":        stats.Running,
		"max_concurrent": stats.MaxConcurrent,
	}

	services["registry"] = map[string]any{
		"status":    "healthy",
		"last_scan": s.deps.Registry.LastScan(),
	}

	if s.deps.Direct == nil {
		services["direct"] = map[string]any{"status": "disabled"}
	} else {
		services["direct"] = map[string]any{"status": "healthy"}
	}

	return c.JSON(http.StatusOK, healthResponse{
		Status:        status,
		Version:       version.Full(),
		Build:         version.Get(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Services:      services,
		Overall:       status,
	})
}

// readyHandler gates load balancer traffic during startup and drain.
func (s *Server) readyHandler(c *echo.Context) error {
	if !s.ready.Load() {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"ready":  false,
			"reason": "server is starting or draining",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"ready": true})
}
