package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/fetchd/engine"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Uptime   string            `json:"uptime"`
	Version  string            `json:"version"`
	Browser  *engine.PoolStats `json:"browser,omitempty"`
	Rulesets []string          `json:"rulesets"`
}

// Health returns a handler for GET /api/v1/health.
//
// Reports browser pool utilisation and degrades status when every session
// is busy. pool may be nil when the browser is disabled.
func Health(pool *engine.SessionPool, rulesets []string, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := HealthResponse{
			Status:   "healthy",
			Uptime:   time.Since(startTime).Round(time.Second).String(),
			Version:  Version,
			Rulesets: rulesets,
		}
		if pool != nil {
			stats := pool.Stats()
			resp.Browser = &stats
			if stats.Max > 0 && stats.InUse >= stats.Max {
				resp.Status = "degraded"
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}
