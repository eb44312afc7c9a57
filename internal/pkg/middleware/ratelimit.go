package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/prepwell/entitlement-api/internal/pkg/ratelimit"
	"github.com/prepwell/entitlement-api/internal/pkg/usercontext"
)

// RateLimitMiddleware throttles requests against the limiter's per-route
// rules. Authenticated callers are keyed by user ID, anonymous ones (webhook
// endpoints) by client IP. A broken limiter store fails open.
func RateLimitMiddleware(limiter *ratelimit.Limiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		identifier := c.IP()
		if userID := usercontext.GetUserID(c); userID != 0 {
			identifier = fmt.Sprintf("user:%d", userID)
		}

		ok, retryAfter, err := limiter.Allow(c.Path(), identifier, time.Now())
		if err != nil {
			log.Warnf("rate limit store error on %s: %v", c.Path(), err)
			return c.Next()
		}
		if !ok {
			seconds := int(retryAfter / time.Second)
			if retryAfter%time.Second > 0 {
				seconds++
			}
			c.Set("Retry-After", fmt.Sprintf("%d", seconds))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":          "rate_limited",
				"message":        "Too many requests",
				"retry_after_ms": retryAfter.Milliseconds(),
			})
		}
		return c.Next()
	}
}
