package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/smartscope/backend/internal/metrics"
	"github.com/smartscope/backend/internal/middleware/ratelimit"
	"github.com/smartscope/backend/internal/middleware/validation"
)

type Deps struct {
	Engine      Engine
	Budget      Budget
	Calibration Calibration
	Checks      map[string]Check
	Validation  validation.Config
	// RateLimiter is optional; nil disables per-org limiting.
	RateLimiter *ratelimit.RateLimiter
	// StreamTimeout bounds how long a websocket status stream stays open.
	StreamTimeout time.Duration
}

// Register mounts every route. Health, readiness and metrics are unscoped;
// everything else requires an org id.
func Register(app *fiber.App, d Deps) {
	health := NewHealthHandler(d.Checks)
	analyses := NewAnalysisHandler(d.Engine)
	results := NewResultsHandler(d.Engine)
	admin := NewAdminHandler(d.Budget, d.Calibration)
	ws := NewWebSocketHandler(d.Engine, d.StreamTimeout)

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	api.Get("/health", health.Health)
	api.Get("/ready", health.Ready)

	api.Use(validation.RequireOrg(OrgHeader))
	if d.RateLimiter != nil {
		api.Use(d.RateLimiter.Middleware())
	}

	api.Post("/analyses", validation.Submissions(d.Validation), analyses.Submit)
	api.Get("/analyses/:id", analyses.Get)
	api.Delete("/analyses/:id", analyses.Cancel)

	api.Get("/subjects/:id/result", results.SubjectResult)
	api.Get("/subjects/:id/results", results.SubjectHistory)
	api.Get("/results/:id/versions", results.Versions)
	api.Post("/results/:id/feedback", results.Feedback)
	api.Post("/results/:id/review", results.Review)
	api.Get("/projects/:id/quote-comparison", results.CompareQuotes)

	api.Get("/budget", admin.BudgetStatus)
	api.Get("/costs/report", admin.CostReport)
	api.Post("/calibration/recompute", admin.Recompute)
	api.Get("/calibration/:category", admin.Profile)
	api.Get("/analytics/accuracy", admin.Accuracy)

	streams := app.Group("/ws", validation.RequireOrg(OrgHeader))
	streams.Get("/analyses/:id", ws.Upgrade, websocket.New(ws.HandleConnection))
}
