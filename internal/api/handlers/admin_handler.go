package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/smartscope/backend/internal/cost"
	"github.com/smartscope/backend/internal/storage/models"
	"github.com/smartscope/backend/pkg/logger"
)

type Budget interface {
	BudgetStatus(ctx context.Context, orgID string, window cost.Window) (*cost.BudgetStatus, error)
	Report(ctx context.Context, orgID, timeframe string) (*cost.Report, error)
}

type Calibration interface {
	Recompute(ctx context.Context, category models.Category) ([]*models.CalibrationProfile, error)
	Snapshot(category models.Category) *models.CalibrationProfile
	Accuracy(ctx context.Context, orgID string) (*models.AccuracyStats, error)
}

// AdminHandler serves spend, learning-loop and accuracy views.
type AdminHandler struct {
	budget      Budget
	calibration Calibration
}

func NewAdminHandler(budget Budget, calibration Calibration) *AdminHandler {
	return &AdminHandler{
		budget:      budget,
		calibration: calibration,
	}
}

func (h *AdminHandler) BudgetStatus(c *fiber.Ctx) error {
	window, ok := cost.ParseWindow(c.Query("window", string(cost.WindowDaily)))
	if !ok {
		return badRequest(c, "window must be daily or monthly")
	}
	status, err := h.budget.BudgetStatus(c.UserContext(), orgID(c), window)
	if err != nil {
		return fail(c, "load budget", err)
	}
	return c.JSON(status)
}

func (h *AdminHandler) CostReport(c *fiber.Ctx) error {
	timeframe := c.Query("timeframe", "30d")
	if _, err := cost.ParseTimeframe(timeframe); err != nil {
		return badRequest(c, err.Error())
	}
	report, err := h.budget.Report(c.UserContext(), orgID(c), timeframe)
	if err != nil {
		return fail(c, "build cost report", err)
	}
	return c.JSON(report)
}

func (h *AdminHandler) Recompute(c *fiber.Ctx) error {
	var category models.Category
	if raw := c.Query("category"); raw != "" {
		parsed, ok := models.ParseCategory(raw)
		if !ok {
			return badRequest(c, fmt.Sprintf("unknown category %q", raw))
		}
		category = parsed
	}

	start := time.Now()
	profiles, err := h.calibration.Recompute(c.UserContext(), category)
	if err != nil {
		return fail(c, "recompute calibration", err)
	}
	logger.Info("Calibration recomputed on request",
		zap.Int("profiles", len(profiles)),
		zap.Duration("took", time.Since(start)),
	)
	return c.JSON(fiber.Map{"profiles": profiles})
}

func (h *AdminHandler) Profile(c *fiber.Ctx) error {
	category, ok := models.ParseCategory(c.Params("category"))
	if !ok {
		return badRequest(c, "unknown category")
	}
	profile := h.calibration.Snapshot(category)
	if profile == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no calibration profile for " + string(category),
		})
	}
	return c.JSON(profile)
}

func (h *AdminHandler) Accuracy(c *fiber.Ctx) error {
	stats, err := h.calibration.Accuracy(c.UserContext(), orgID(c))
	if err != nil {
		return fail(c, "load accuracy", err)
	}
	return c.JSON(stats)
}
