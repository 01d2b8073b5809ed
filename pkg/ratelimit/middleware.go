package ratelimit

import (
	"fmt"

	"queuetrack/internal/shared/utils/response"

	"github.com/gin-gonic/gin"
)

// Middleware limits local API calls per client IP
func Middleware(rateLimiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		result := rateLimiter.Allow("api:" + c.ClientIP())

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", result.Limit))

		if !result.Allowed {
			response.RespondTooManyRequests(c, "Rate limit exceeded", result.RetryAfter, map[string]interface{}{
				"limit":       result.Limit,
				"retry_after": response.RetryAfterSeconds(result.RetryAfter),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
