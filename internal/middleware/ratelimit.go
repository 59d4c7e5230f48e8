package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	appconfig "github.com/lumenforge/generation-service/config"
	"github.com/lumenforge/generation-service/internal/ratelimit"
)

// ScopeHeader names the policy scope applied to an admitted request.
const ScopeHeader = "X-RateLimit-Scope"

// check is one admission check compiled from a policy.
type check struct {
	kind   string
	quota  int
	window time.Duration
}

// RateLimit builds the ordered admission checks for a (policy, scope) pair.
// Checks run global-first, then per-identity; either may reject. A nil
// limiter or a counter-store error admits the request: the enforcer degrades
// open so an infra outage never becomes a full service outage.
func RateLimit(limiter *ratelimit.Limiter, policy appconfig.RateLimitPolicy, scope string) gin.HandlerFunc {
	checks := make([]check, 0, 2)
	if policy.GlobalQuota > 0 && policy.GlobalWindow > 0 {
		checks = append(checks, check{kind: ratelimit.KindGlobal, quota: policy.GlobalQuota, window: policy.GlobalWindow})
	}
	if policy.PerIdentityQuota > 0 && policy.PerIdentityWindow > 0 {
		checks = append(checks, check{kind: "identity", quota: policy.PerIdentityQuota, window: policy.PerIdentityWindow})
	}

	return func(c *gin.Context) {
		if limiter == nil || len(checks) == 0 {
			c.Header(ScopeHeader, scope)
			c.Next()
			return
		}

		for _, chk := range checks {
			kind, identity := resolveIdentity(c, chk.kind)
			key := ratelimit.Key(scope, kind, identity)

			decision, err := limiter.Allow(c.Request.Context(), key, chk.quota, chk.window)
			if err != nil {
				log.Warn().Err(err).Str("scope", scope).Msg("Rate limit backend unavailable, admitting")
				backendErrorsTotal.WithLabelValues(scope).Inc()
				continue
			}

			if !decision.Allowed {
				rejectionsTotal.WithLabelValues(scope, kind).Inc()
				retryAfterMs := decision.RetryAfter.Milliseconds()
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"error":          "rate limit exceeded",
					"scope":          scope,
					"retry_after_ms": retryAfterMs,
				})
				return
			}
		}

		c.Header(ScopeHeader, scope)
		c.Next()
	}
}

// resolveIdentity picks the counter identity for a check. The global check
// always counts against the client token; the per-identity check prefers the
// authenticated user and falls back to an anonymous client token.
func resolveIdentity(c *gin.Context, kind string) (string, string) {
	if kind == ratelimit.KindGlobal {
		return ratelimit.KindGlobal, clientToken(c)
	}
	if userID, ok := c.Get(UserIDKey); ok {
		if id, _ := userID.(string); id != "" {
			return ratelimit.KindUser, id
		}
	}
	return ratelimit.KindAnon, clientToken(c)
}

// clientToken identifies the caller: first forwarded-for entry, else the
// direct peer address, else a sentinel.
func clientToken(c *gin.Context) string {
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if c.Request.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil && host != "" {
			return host
		}
		return c.Request.RemoteAddr
	}
	return "unknown"
}

// ServiceRateLimit applies a process-local limit for service-to-service
// calls, where all internal callers share one bucket.
func ServiceRateLimit(requestsPerSecond float64, burstSize int) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "service rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
