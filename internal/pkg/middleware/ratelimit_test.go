package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepwell/entitlement-api/internal/pkg/ratelimit"
)

func TestRateLimitMiddlewareRejectsOverBudget(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Rule{MaxAttempts: 60, Window: time.Minute})
	limiter.SetRule("/ping", ratelimit.Rule{MaxAttempts: 2, Window: time.Minute})

	app := fiber.New()
	app.Use(RateLimitMiddleware(limiter))
	app.Get("/ping", func(c *fiber.Ctx) error {
		return c.SendString("pong")
	})

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/ping", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/ping", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestRateLimitMiddlewareSeparatesPaths(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Rule{MaxAttempts: 60, Window: time.Minute})
	limiter.SetRule("/tight", ratelimit.Rule{MaxAttempts: 1, Window: time.Minute})

	app := fiber.New()
	app.Use(RateLimitMiddleware(limiter))
	handler := func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) }
	app.Get("/tight", handler)
	app.Get("/loose", handler)

	resp, err := app.Test(httptest.NewRequest("GET", "/tight", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/tight", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/loose", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
