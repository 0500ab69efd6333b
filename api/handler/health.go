package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/shepherd/models"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// StatsProvider reports job table statistics.
type StatsProvider interface {
	Stats() models.SupervisorStats
}

// Health returns a handler for GET /api/v1/health.
//
// Status degrades while the job table is at its active-job limit.
func Health(sp StatsProvider, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := sp.Stats()

		status := "healthy"
		if stats.MaxActive > 0 && stats.ActiveJobs >= stats.MaxActive {
			status = "degraded"
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:          status,
			Uptime:          time.Since(startTime).Round(time.Second).String(),
			SupervisorStats: stats,
			Version:         Version,
		})
	}
}
