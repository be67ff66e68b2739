package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newApp(rl *RateLimiter) *fiber.App {
	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	return app
}

func get(t *testing.T, app *fiber.App, org string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if org != "" {
		req.Header.Set("X-Org-ID", org)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestMiddleware_BurstThenReject(t *testing.T) {
	rl := New(Config{RequestsPerSecond: 1, Burst: 2})
	defer rl.Stop()
	frozen := time.Now()
	rl.now = func() time.Time { return frozen }
	app := newApp(rl)

	assert.Equal(t, fiber.StatusOK, get(t, app, "org-a"))
	assert.Equal(t, fiber.StatusOK, get(t, app, "org-a"))
	assert.Equal(t, fiber.StatusTooManyRequests, get(t, app, "org-a"))

	// Buckets are per organization.
	assert.Equal(t, fiber.StatusOK, get(t, app, "org-b"))

	frozen = frozen.Add(time.Second)
	assert.Equal(t, fiber.StatusOK, get(t, app, "org-a"), "one token refills per second")
}

func TestMiddleware_FallsBackToIP(t *testing.T) {
	rl := New(Config{RequestsPerSecond: 1, Burst: 1})
	defer rl.Stop()
	frozen := time.Now()
	rl.now = func() time.Time { return frozen }
	app := newApp(rl)

	assert.Equal(t, fiber.StatusOK, get(t, app, ""))
	assert.Equal(t, fiber.StatusTooManyRequests, get(t, app, ""))
	assert.Equal(t, fiber.StatusOK, get(t, app, "org-a"))
}

func TestEvictDropsIdleBuckets(t *testing.T) {
	rl := New(Config{IdleTimeout: time.Minute})
	defer rl.Stop()
	frozen := time.Now()
	rl.now = func() time.Time { return frozen }

	rl.allow("org-a")
	frozen = frozen.Add(30 * time.Second)
	rl.allow("org-b")
	frozen = frozen.Add(45 * time.Second)
	rl.evict()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.buckets, "org-a")
	assert.Contains(t, rl.buckets, "org-b")
}

func TestStopEndsCleanup(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rl := New(Config{})
	rl.Stop()
	rl.Stop()
}
