package tracker

import (
	"queuetrack/internal/shared/middleware"

	"github.com/gin-gonic/gin"
)

func SetupTrackerRoutes(router *gin.RouterGroup, controller Controller, stream gin.HandlerFunc) {
	tracker := router.Group("/tracker")
	{
		tracker.GET("/snapshot", controller.GetSnapshot)     // GET /api/v1/tracker/snapshot - Current reconciled state
		tracker.POST("/submit", controller.Submit)           // POST /api/v1/tracker/submit - Join the waitlist
		tracker.POST("/position", controller.CheckPosition)  // POST /api/v1/tracker/position - Look up an email
		tracker.POST("/refresh", controller.Refresh)         // POST /api/v1/tracker/refresh - Reload status and entry
		tracker.POST("/share", controller.Share)             // POST /api/v1/tracker/share - Generate a share link
		tracker.GET("/referral", controller.GetReferral)     // GET /api/v1/tracker/referral?code= - Referral summary
		tracker.GET("/leaderboard", controller.GetLeaderboard)
		tracker.POST("/events", controller.PublishEvent) // POST /api/v1/tracker/events - Inject a bus event

		tracker.POST("/verify", middleware.OptionalBearer(), controller.Verify)

		if stream != nil {
			tracker.GET("/stream", stream) // GET /api/v1/tracker/stream - Websocket snapshot stream
		}
	}
}
