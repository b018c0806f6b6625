// Package ginlimit adapts the rate limiting middleware to gin.
package ginlimit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/KanavDutta/ratefence/middleware"
)

// New returns a gin handler that applies rl to every request
func New(rl *middleware.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := rl.Evaluate(c.Request)
		if err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, middleware.ErrorResponse{
				Error:   "rate_limit_error",
				Message: "Rate limit could not be evaluated",
			})
			return
		}
		if result.Skipped {
			c.Next()
			return
		}

		middleware.WriteHeaders(c.Writer.Header(), result.Decision)

		if !result.Decision.Allowed {
			c.Header("Retry-After", strconv.FormatInt(result.RetryAfterSeconds, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, middleware.DeniedBody(result.Decision))
			return
		}

		c.Next()
	}
}
