package middleware

import (
	"net/http"
	"strings"
	"time"

	"queuetrack/internal/shared/utils/response"
	"queuetrack/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	RequestIDHeader = "X-Request-ID"

	// context keys
	ContextRequestID   = "request_id"
	ContextAccessToken = "access_token"
)

// RequestID propagates or assigns an X-Request-ID for every request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ContextRequestID, id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}

// RequestLogger logs each request once it has been served
func RequestLogger(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		reqLogger := l
		if id := c.GetString(ContextRequestID); id != "" {
			reqLogger = l.WithRequestID(id)
		}
		reqLogger.LogHTTPRequest(c, time.Since(start))
	}
}

// OptionalBearer stores a bearer token in the context when one is present
func OptionalBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			c.Set(ContextAccessToken, token)
		}
		c.Next()
	}
}

// RequireBearer rejects requests without a well-formed bearer token
func RequireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.RespondJSON(c, "error", http.StatusUnauthorized, "Authorization header is required", nil, nil)
			c.Abort()
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			response.RespondJSON(c, "error", http.StatusUnauthorized, "authorization header format must be Bearer {token}", nil, nil)
			c.Abort()
			return
		}

		c.Set(ContextAccessToken, token)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
