package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/smartscope/backend/internal/comparison"
	"github.com/smartscope/backend/internal/cost"
	"github.com/smartscope/backend/internal/pipeline"
	"github.com/smartscope/backend/internal/storage/models"
	"github.com/smartscope/backend/pkg/logger"
)

// OrgHeader carries the organization every request is scoped to.
const OrgHeader = "X-Org-ID"

// ManualFallback is returned wherever no usable analysis exists, so callers
// continue the workflow by hand.
const ManualFallback = "no AI analysis available, proceed manually"

// orgID returns the caller's organization in canonical form. Org ids are
// case-insensitive; every store, cache and budget lookup sees the lower-cased
// value.
func orgID(c *fiber.Ctx) string {
	org := c.Get(OrgHeader)
	if strings.TrimSpace(org) == "" {
		org = c.Query("org_id")
	}
	return strings.ToLower(strings.TrimSpace(org))
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

// fail maps domain errors onto HTTP statuses. Unexpected errors are logged
// and reported as a generic failure.
func fail(c *fiber.Ctx, op string, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrInvalidSubmission), errors.Is(err, pipeline.ErrInvalidReview),
		errors.Is(err, comparison.ErrTooManyQuotes):
		status = fiber.StatusBadRequest
	case errors.Is(err, models.ErrNotFound), errors.Is(err, comparison.ErrNoQuotes):
		status = fiber.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		status = fiber.StatusConflict
	case errors.Is(err, cost.ErrBudgetExceeded):
		status = fiber.StatusPaymentRequired
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrNotRunning):
		status = fiber.StatusServiceUnavailable
	}

	if status == fiber.StatusInternalServerError {
		logger.Error("Request failed", zap.String("op", op), zap.String("path", c.Path()), zap.Error(err))
		return c.Status(status).JSON(fiber.Map{"error": "Failed to " + op})
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
