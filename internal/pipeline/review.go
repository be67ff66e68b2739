package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/smartscope/backend/internal/comparison"
	"github.com/smartscope/backend/internal/extraction"
	"github.com/smartscope/backend/internal/metrics"
	"github.com/smartscope/backend/internal/standardize"
	"github.com/smartscope/backend/internal/storage/models"
	"github.com/smartscope/backend/pkg/logger"
)

var ErrInvalidReview = errors.New("invalid review")

var listFields = map[string]bool{
	extraction.FieldScopeItems:             true,
	extraction.FieldMaterials:              true,
	extraction.FieldAdditionalObservations: true,
	extraction.FieldInclusions:             true,
	extraction.FieldExclusions:             true,
}

func schemaFor(kind models.ResultKind) map[string]bool {
	names := extraction.ScopeFieldNames
	if kind == models.KindQuote {
		names = extraction.QuoteFieldNames
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// GetResult returns the newest result for a subject, or nil when none exists.
func (e *Engine) GetResult(ctx context.Context, orgID, subjectID string) (*models.AnalysisResult, error) {
	r, err := e.deps.Store.LatestResultForSubject(ctx, orgID, subjectID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	return r, err
}

func (e *Engine) Result(ctx context.Context, orgID, id string) (*models.AnalysisResult, error) {
	return e.deps.Store.GetResult(ctx, orgID, id)
}

func (e *Engine) History(ctx context.Context, orgID, subjectID string, limit, offset int) ([]*models.AnalysisResult, error) {
	return e.deps.Store.ListSubjectResults(ctx, orgID, subjectID, limit, offset)
}

func (e *Engine) Versions(ctx context.Context, orgID, resultID string) ([]*models.AnalysisResult, error) {
	return e.deps.Store.ListResultVersions(ctx, orgID, resultID)
}

type Feedback struct {
	RaterRole   string
	Corrections map[string]any
	Rating      int
	Comments    string
}

func (e *Engine) SubmitFeedback(ctx context.Context, orgID, resultID string, fb Feedback) (*models.FeedbackRecord, error) {
	if fb.Rating < 1 || fb.Rating > 5 {
		return nil, fmt.Errorf("%w: rating must be within 1-5, got %d", ErrInvalidReview, fb.Rating)
	}
	result, err := e.deps.Store.GetResult(ctx, orgID, resultID)
	if err != nil {
		return nil, err
	}
	schema := schemaFor(result.Kind)
	for name := range fb.Corrections {
		if !schema[name] {
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidReview, name)
		}
	}

	record := &models.FeedbackRecord{
		ID:               e.newID(),
		OrgID:            orgID,
		ResultID:         resultID,
		RaterRole:        strings.TrimSpace(fb.RaterRole),
		FieldCorrections: fb.Corrections,
		Rating:           fb.Rating,
		Comments:         strings.TrimSpace(fb.Comments),
		CreatedAt:        e.now().UTC(),
	}
	if err := e.deps.Store.InsertFeedback(ctx, record); err != nil {
		return nil, err
	}
	metrics.FeedbackRating.WithLabelValues(string(result.Category)).Observe(float64(fb.Rating))
	return record, nil
}

// ApproveOrEdit stores a reviewed version of a result. Edited fields take
// source human and confidence 1.0; the rest are carried over unchanged. A
// nil update removes the field. Only the newest version can be reviewed.
func (e *Engine) ApproveOrEdit(ctx context.Context, orgID, resultID, reviewer string, updates map[string]any) (*models.AnalysisResult, error) {
	prev, err := e.deps.Store.GetResult(ctx, orgID, resultID)
	if err != nil {
		return nil, err
	}

	schema := schemaFor(prev.Kind)
	fields := prev.Fields.Clone()
	if fields == nil {
		fields = models.Fields{}
	}
	for name, value := range updates {
		if !schema[name] {
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidReview, name)
		}
		if value == nil {
			delete(fields, name)
			continue
		}
		if listFields[name] {
			value = models.Field{Value: value}.Strings()
		}
		fields[name] = models.Field{Value: value, Confidence: 1.0, Source: models.FieldSourceHuman}
	}

	now := e.now().UTC()
	overall := standardize.OverallConfidence(prev.Kind, fields)
	next := &models.AnalysisResult{
		ID:                e.newID(),
		OrgID:             orgID,
		RequestID:         prev.RequestID,
		SubjectID:         prev.SubjectID,
		ParentID:          prev.ParentID,
		Kind:              prev.Kind,
		Category:          prev.Category,
		Fields:            fields,
		OverallConfidence: overall,
		Band:              models.BandFor(overall),
		RawResponse:       prev.RawResponse,
		Status:            models.ResultCompleted,
		Model:             prev.Model,
		PreviousVersionID: prev.ID,
		Version:           prev.Version + 1,
		ProfileVersion:    prev.ProfileVersion,
		ReviewedBy:        strings.TrimSpace(reviewer),
		ReviewedAt:        &now,
		CreatedAt:         now,
	}
	if err := e.deps.Store.InsertResultVersion(ctx, next); err != nil {
		return nil, err
	}

	logger.Info("Result reviewed",
		zap.String("result_id", next.ID),
		zap.String("previous_version_id", prev.ID),
		zap.Int("edited_fields", len(updates)),
	)
	return next, nil
}

// CompareQuotes compares the earliest submitted quotes of a project.
func (e *Engine) CompareQuotes(ctx context.Context, orgID, projectID string) (*comparison.Comparison, error) {
	quotes, err := e.deps.Store.ListProjectQuotes(ctx, orgID, projectID)
	if err != nil {
		return nil, err
	}
	if len(quotes) > comparison.MaxQuotes {
		quotes = quotes[:comparison.MaxQuotes]
	}
	return comparison.Compare(quotes)
}
