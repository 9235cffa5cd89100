package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/pi-docket/ConvertX-CN/metrics"
)

const (
	headerUserID    = "X-User-ID"
	headerUserRoles = "X-User-Roles"

	ctxUserID = "user_id"
	ctxRoles  = "user_roles"
)

// Identity reads the caller identity set by the upstream auth gateway.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(headerUserID))
		if userID == "" {
			fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing caller identity", nil)
			return
		}
		var roles []string
		for _, role := range strings.Split(c.GetHeader(headerUserRoles), ",") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, strings.ToLower(role))
			}
		}
		c.Set(ctxUserID, userID)
		c.Set(ctxRoles, roles)
		c.Next()
	}
}

func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		roles, _ := c.Get(ctxRoles)
		if list, _ := roles.([]string); !slices.Contains(list, role) {
			fail(c, http.StatusForbidden, "FORBIDDEN", fmt.Sprintf("%s role required", role), nil)
			return
		}
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

type RateLimiterConfig struct {
	RedisClient *redis.Client
	Limit       int
	Window      time.Duration
	KeyPrefix   string
}

// NewRateLimiter counts requests per caller in a fixed Redis window. Redis
// errors let the request through.
func NewRateLimiter(cfg RateLimiterConfig) gin.HandlerFunc {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:"
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := userID(c)
		if id == "" {
			id = c.ClientIP()
		}
		key := cfg.KeyPrefix + id

		count, err := cfg.RedisClient.Incr(ctx, key).Result()
		if err != nil {
			c.Next()
			return
		}
		if count == 1 {
			cfg.RedisClient.Expire(ctx, key, cfg.Window)
		}

		ttl, _ := cfg.RedisClient.TTL(ctx, key).Result()
		reset := max(int(ttl.Seconds()), 0)
		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Limit))
		c.Header("X-RateLimit-Reset", strconv.Itoa(reset))

		if count > int64(cfg.Limit) {
			c.Header("X-RateLimit-Remaining", "0")
			fail(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", gin.H{
				"rateLimit":       cfg.Limit,
				"rateLimitWindow": cfg.Window.String(),
				"retryAfterSec":   reset,
			})
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(cfg.Limit-int(count)))
		c.Next()
	}
}

// Metrics counts requests by route template, method and status code.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HttpRequestsTotal.WithLabelValues(path, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	logger = logger.With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start),
		}
		if id := userID(c); id != "" {
			attrs = append(attrs, "owner", id)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.Last().Err)
		}
		switch {
		case status >= 500:
			logger.Error("request failed", attrs...)
		case status >= 400:
			logger.Info("request rejected", attrs...)
		default:
			logger.Debug("request handled", attrs...)
		}
	}
}
