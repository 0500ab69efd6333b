package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/shepherd/api/handler"
	"github.com/use-agent/shepherd/api/middleware"
	"github.com/use-agent/shepherd/config"
)

// Supervisor is what the router serves: job control plus health stats.
type Supervisor interface {
	handler.JobService
	handler.StatsProvider
}

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     Auth (if enabled) → RateLimit
//
// Health stays outside auth so monitoring probes always work.
func NewRouter(sup Supervisor, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	v1 := r.Group("/api/v1")
	v1.GET("/health", handler.Health(sup, startTime))

	protected := v1.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	protected.Use(middleware.RateLimit(cfg.RateLimit))

	jobs := protected.Group("/jobs")
	jobs.POST("", handler.StartJob(sup))
	jobs.GET("", handler.ListJobs(sup))
	jobs.GET("/:id", handler.GetJob(sup))
	jobs.POST("/:id/cancel", handler.CancelJob(sup))
	jobs.DELETE("/:id", handler.DeleteJob(sup))

	return r
}
