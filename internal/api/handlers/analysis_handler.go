package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/smartscope/backend/internal/comparison"
	"github.com/smartscope/backend/internal/middleware/validation"
	"github.com/smartscope/backend/internal/pipeline"
	"github.com/smartscope/backend/internal/storage/models"
	"github.com/smartscope/backend/pkg/logger"
)

// Engine is the analysis surface the HTTP layer drives.
type Engine interface {
	Submit(ctx context.Context, s pipeline.Submission) (*models.AnalysisRequest, error)
	Request(ctx context.Context, orgID, id string) (*models.AnalysisRequest, error)
	Cancel(ctx context.Context, orgID, id string) (*models.AnalysisRequest, error)
	Wait(ctx context.Context, orgID, id string) (*models.AnalysisRequest, error)

	GetResult(ctx context.Context, orgID, subjectID string) (*models.AnalysisResult, error)
	Result(ctx context.Context, orgID, id string) (*models.AnalysisResult, error)
	History(ctx context.Context, orgID, subjectID string, limit, offset int) ([]*models.AnalysisResult, error)
	Versions(ctx context.Context, orgID, resultID string) ([]*models.AnalysisResult, error)
	SubmitFeedback(ctx context.Context, orgID, resultID string, fb pipeline.Feedback) (*models.FeedbackRecord, error)
	ApproveOrEdit(ctx context.Context, orgID, resultID, reviewer string, updates map[string]any) (*models.AnalysisResult, error)
	CompareQuotes(ctx context.Context, orgID, projectID string) (*comparison.Comparison, error)
}

type AnalysisHandler struct {
	engine Engine
}

func NewAnalysisHandler(engine Engine) *AnalysisHandler {
	return &AnalysisHandler{
		engine: engine,
	}
}

// Submit expects the body already parsed by validation.Submissions.
func (h *AnalysisHandler) Submit(c *fiber.Ctx) error {
	body, ok := c.Locals(validation.BodyKey).(*validation.Submission)
	if !ok {
		return badRequest(c, "Invalid request body")
	}

	req, err := h.engine.Submit(c.UserContext(), pipeline.Submission{
		OrgID:       orgID(c),
		SubjectID:   body.SubjectID,
		SubjectType: models.SubjectType(body.SubjectType),
		ParentID:    body.ParentID,
		MediaRefs:   body.MediaRefs,
		Category:    body.Category,
		Context:     body.Context,
		Source:      models.Source(body.Source),
		Document:    body.Document,
		Form:        body.Form,
	})
	if err != nil {
		return fail(c, "submit analysis", err)
	}

	status := fiber.StatusAccepted
	if req.Status.Terminal() {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(req)
}

func (h *AnalysisHandler) Get(c *fiber.Ctx) error {
	req, err := h.engine.Request(c.UserContext(), orgID(c), c.Params("id"))
	if err != nil {
		return fail(c, "load analysis", err)
	}
	return c.JSON(req)
}

func (h *AnalysisHandler) Cancel(c *fiber.Ctx) error {
	req, err := h.engine.Cancel(c.UserContext(), orgID(c), c.Params("id"))
	if err != nil {
		return fail(c, "cancel analysis", err)
	}
	logger.Info("Cancel requested", zap.String("request_id", req.ID), zap.String("status", string(req.Status)))
	return c.JSON(req)
}
