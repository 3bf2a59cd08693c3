package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/imagetag/internal/pkg/response"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimit enforces a fixed window of max requests per client IP. A nil
// client or max <= 0 disables it. Redis errors let the request through.
func RateLimit(rdb *redis.Client, max int, window time.Duration, log *zap.Logger) gin.HandlerFunc {
	if rdb == nil || max <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if window <= 0 {
		window = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	retryAfter := strconv.Itoa(int(window.Round(time.Second) / time.Second))

	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		slot := time.Now().UnixNano() / int64(window)
		key := fmt.Sprintf("imagetag:rate_limit:%s:%d", ip, slot)

		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			log.Warn("rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if count == 1 {
			rdb.PExpire(ctx, key, window+time.Second)
		}

		if count > int64(max) {
			c.Header("Retry-After", retryAfter)
			response.Fail(c, http.StatusTooManyRequests, "too many requests, slow down")
			return
		}
		c.Next()
	}
}
