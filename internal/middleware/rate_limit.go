package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/tiledetect/internal/metrics"
	"github.com/osvaldoandrade/tiledetect/internal/ratelimit"
	"github.com/osvaldoandrade/tiledetect/pkg/config"
)

// RateLimitDetect throttles detection submissions per caller. Callers are
// keyed by bearer token when one is present and by client IP otherwise. With
// bytesPerToken set, a submission costs one token per started block of its
// declared body size.
func RateLimitDetect(lim ratelimit.Limiter, cfg *config.Config) gin.HandlerFunc {
	return rateLimitCaller(lim, "detect", "submit_image", cfg.RateLimit.Detect)
}

func rateLimitCaller(lim ratelimit.Limiter, scope string, operation string, bcfg config.RateLimitBucketConfig) gin.HandlerFunc {
	bucket := ratelimit.Bucket{
		RequestsPerMinute: bcfg.RequestsPerMinute,
		BurstSize:         bcfg.BurstSize,
		BytesPerToken:     bcfg.BytesPerToken,
	}
	return func(c *gin.Context) {
		if lim == nil || !bucket.Enabled() {
			c.Next()
			return
		}

		subject := bearerToken(c.GetHeader("Authorization"))
		if subject == "" {
			subject = "ip:" + c.ClientIP()
		}

		req := ratelimit.Request{Scope: scope, Subject: subject, Cost: bucket.Cost(c.Request.ContentLength)}
		dec, err := lim.Allow(c.Request.Context(), req, bucket)
		if err != nil {
			// Fail open; a Redis hiccup must not block detection.
			slog.Default().Warn("rate limit check failed", "scope", scope, "op", operation, "err", err)
			c.Next()
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
		if dec.Allowed {
			c.Next()
			return
		}

		retryAfterSeconds := int(math.Ceil(dec.RetryAfter.Seconds()))
		if retryAfterSeconds <= 0 {
			retryAfterSeconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		metrics.RateLimitHitsTotal.WithLabelValues(scope, operation).Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":             "rate limit exceeded",
			"code":              "rate_limited",
			"scope":             scope,
			"operation":         operation,
			"retryAfterSeconds": retryAfterSeconds,
			"cost":              req.Cost,
		})
	}
}

func bearerToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
