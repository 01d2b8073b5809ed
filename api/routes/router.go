// api/routes/router.go
package routes

import (
	"net/http"
	"time"

	"queuetrack/internal/shared/config"
	"queuetrack/internal/shared/database"
	"queuetrack/internal/tracker"

	"github.com/gin-gonic/gin"
)

// Router holds all route dependencies
type Router struct {
	config  *config.Config
	db      *database.DB
	service *tracker.Service
	hub     *tracker.Hub
}

// NewRouter creates a new router instance. hub may be nil to disable streaming.
func NewRouter(cfg *config.Config, db *database.DB, service *tracker.Service, hub *tracker.Hub) *Router {
	return &Router{
		config:  cfg,
		db:      db,
		service: service,
		hub:     hub,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes(engine *gin.Engine) {
	// Health check and basic info endpoints
	r.setupHealthRoutes(engine)

	// API routes
	api := engine.Group(r.config.GetAPIBasePath())
	{
		r.setupTrackerRoutes(api)
	}
}

// setupHealthRoutes sets up health check and system status routes
func (r *Router) setupHealthRoutes(engine *gin.Engine) {
	engine.GET("/health", func(c *gin.Context) {
		if err := r.db.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "unhealthy",
				"error":     err.Error(),
				"timestamp": time.Now(),
				"service":   "queuetrack",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"service":   "queuetrack",
		})
	})

	engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
			"version": r.config.APIVersion,
		})
	})

	engine.GET("/status", func(c *gin.Context) {
		snap := r.service.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"status":          "operational",
			"api_version":     r.config.APIVersion,
			"tracker_state":   snap.State,
			"waitlist_active": snap.Enabled,
			"timestamp":       time.Now(),
		})
	})
}

// setupTrackerRoutes configures the waitlist tracker routes
func (r *Router) setupTrackerRoutes(rg *gin.RouterGroup) {
	trackerController := tracker.NewController(r.service)

	var stream gin.HandlerFunc
	if r.hub != nil {
		stream = r.hub.Handler(r.service.Snapshot)
	}

	tracker.SetupTrackerRoutes(rg, trackerController, stream)
}
