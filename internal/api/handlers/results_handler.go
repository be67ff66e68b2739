package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/smartscope/backend/internal/pipeline"
	"github.com/smartscope/backend/internal/storage/models"
)

const maxPageSize = 100

type ResultsHandler struct {
	engine Engine
}

func NewResultsHandler(engine Engine) *ResultsHandler {
	return &ResultsHandler{
		engine: engine,
	}
}

// SubjectResult returns the newest usable result for a subject. A missing
// or failed analysis is not an error for the caller: the response says so
// and the workflow continues manually.
func (h *ResultsHandler) SubjectResult(c *fiber.Ctx) error {
	result, err := h.engine.GetResult(c.UserContext(), orgID(c), c.Params("id"))
	if err != nil {
		return fail(c, "load result", err)
	}
	if result == nil || result.Status == models.ResultFailed {
		body := fiber.Map{"available": false, "message": ManualFallback}
		if result != nil {
			body["result_id"] = result.ID
		}
		return c.JSON(body)
	}
	return c.JSON(fiber.Map{"available": true, "result": result})
}

func (h *ResultsHandler) SubjectHistory(c *fiber.Ctx) error {
	limit, err := strconv.Atoi(c.Query("limit", "20"))
	if err != nil || limit <= 0 || limit > maxPageSize {
		return badRequest(c, "limit must be between 1 and 100")
	}
	offset, err := strconv.Atoi(c.Query("offset", "0"))
	if err != nil || offset < 0 {
		return badRequest(c, "offset must not be negative")
	}

	results, err := h.engine.History(c.UserContext(), orgID(c), c.Params("id"), limit, offset)
	if err != nil {
		return fail(c, "list results", err)
	}
	return c.JSON(fiber.Map{
		"results": results,
		"limit":   limit,
		"offset":  offset,
	})
}

func (h *ResultsHandler) Versions(c *fiber.Ctx) error {
	versions, err := h.engine.Versions(c.UserContext(), orgID(c), c.Params("id"))
	if err != nil {
		return fail(c, "list versions", err)
	}
	return c.JSON(fiber.Map{"versions": versions})
}

func (h *ResultsHandler) Feedback(c *fiber.Ctx) error {
	var req struct {
		RaterRole   string         `json:"rater_role"`
		Corrections map[string]any `json:"field_corrections"`
		Rating      int            `json:"rating"`
		Comments    string         `json:"comments"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	fb, err := h.engine.SubmitFeedback(c.UserContext(), orgID(c), c.Params("id"), pipeline.Feedback{
		RaterRole:   req.RaterRole,
		Corrections: req.Corrections,
		Rating:      req.Rating,
		Comments:    req.Comments,
	})
	if err != nil {
		return fail(c, "record feedback", err)
	}
	return c.Status(fiber.StatusCreated).JSON(fb)
}

// Review approves a result as-is (no updates) or with field edits. A null
// update removes the field.
func (h *ResultsHandler) Review(c *fiber.Ctx) error {
	var req struct {
		Reviewer string         `json:"reviewer"`
		Updates  map[string]any `json:"field_updates"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.Reviewer == "" {
		return badRequest(c, "reviewer is required")
	}

	result, err := h.engine.ApproveOrEdit(c.UserContext(), orgID(c), c.Params("id"), req.Reviewer, req.Updates)
	if err != nil {
		return fail(c, "review result", err)
	}
	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *ResultsHandler) CompareQuotes(c *fiber.Ctx) error {
	cmp, err := h.engine.CompareQuotes(c.UserContext(), orgID(c), c.Params("id"))
	if err != nil {
		return fail(c, "compare quotes", err)
	}
	return c.JSON(cmp)
}
