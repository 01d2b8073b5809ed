package response

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func RespondJSON(c *gin.Context, status string, code int, message string, data interface{}, errors interface{}) {
	c.JSON(code, StandardApiResponse{
		Status:     status,
		StatusCode: code,
		Message:    message,
		Data:       data,
		Errors:     errors,
	})
}

// RespondTooManyRequests writes a 429 with Retry-After in whole seconds, rounded up
func RespondTooManyRequests(c *gin.Context, message string, retryAfter time.Duration, errors interface{}) {
	c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds(retryAfter)))
	RespondJSON(c, "error", http.StatusTooManyRequests, message, nil, errors)
}

// RetryAfterSeconds rounds d up to whole seconds, never below zero
func RetryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
