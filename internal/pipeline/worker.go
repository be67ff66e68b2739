package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smartscope/backend/internal/calibration"
	"github.com/smartscope/backend/internal/extraction"
	"github.com/smartscope/backend/internal/llm"
	"github.com/smartscope/backend/internal/media"
	"github.com/smartscope/backend/internal/metrics"
	"github.com/smartscope/backend/internal/standardize"
	"github.com/smartscope/backend/internal/storage/models"
	"github.com/smartscope/backend/pkg/logger"
)

// FormModel is recorded as the model of results built from web forms.
const FormModel = "form"

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case req := <-e.queue:
			metrics.QueueDepth.Set(float64(len(e.queue)))
			e.process(req)
		}
	}
}

func (e *Engine) process(req *models.AnalysisRequest) {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.JobTimeout)
	defer cancel()

	e.mu.Lock()
	e.running[req.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, req.ID)
		e.mu.Unlock()
	}()

	log := logger.ForRequest(req.OrgID, req.ID)

	if err := e.deps.Store.MarkProcessing(ctx, req.OrgID, req.ID); err != nil {
		if !errors.Is(err, models.ErrConflict) {
			log.Error("Failed to start analysis", zap.Error(err))
		}
		return
	}

	start := time.Now()
	kind := kindFor(req)
	log.Info("Analysis started", zap.String("kind", string(kind)))

	// The profile in force when the request starts is used throughout.
	var profile *models.CalibrationProfile
	if e.deps.Profiles != nil {
		profile = e.deps.Profiles.Snapshot(req.Category)
	}

	result, err := e.analyze(ctx, req, kind, profile)

	if e.ctx.Err() != nil {
		// Shutting down; the request resumes on the next start.
		return
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		log.Info("Discarding cancelled analysis")
		return
	}

	status, reason := models.RequestCompleted, ""
	if err != nil {
		status, reason = models.RequestFailed, err.Error()
		result = e.failedResult(req, kind, profile, err)
	}

	finishCtx := context.WithoutCancel(ctx)
	if storeErr := e.deps.Store.FinishRequest(finishCtx, req.OrgID, req.ID, status, reason, result); storeErr != nil {
		if errors.Is(storeErr, models.ErrConflict) {
			log.Info("Discarding analysis for finished request")
			if current, gerr := e.deps.Store.GetRequest(finishCtx, req.OrgID, req.ID); gerr == nil {
				req.Status = current.Status
			}
			e.finished(req)
			return
		}

		log.Error("Failed to store analysis outcome", zap.Error(storeErr))
		status, result = models.RequestFailed, nil
		reason = fmt.Sprintf("failed to store analysis outcome: %v", storeErr)
		err = storeErr
		if ferr := e.deps.Store.FinishRequest(finishCtx, req.OrgID, req.ID, status, reason, nil); ferr != nil && !errors.Is(ferr, models.ErrConflict) {
			log.Error("Failed to mark analysis failed", zap.Error(ferr))
		}
	}

	req.Status = status
	e.finished(req)

	metrics.AnalysisTotal.WithLabelValues(string(kind), string(status)).Inc()
	metrics.AnalysisDuration.WithLabelValues(string(kind), string(req.Source)).Observe(time.Since(start).Seconds())
	if status == models.RequestCompleted {
		metrics.ConfidenceScore.WithLabelValues(string(kind), string(req.Category)).Observe(result.OverallConfidence)
		log.Info("Analysis completed",
			zap.String("result_id", result.ID),
			zap.Float64("confidence", result.OverallConfidence),
			zap.String("status", string(result.Status)),
		)
	} else {
		log.Warn("Analysis failed", zap.Error(err))
	}
}

func (e *Engine) analyze(ctx context.Context, req *models.AnalysisRequest, kind models.ResultKind, profile *models.CalibrationProfile) (*models.AnalysisResult, error) {
	var fields models.Fields
	model := FormModel
	raw := ""

	switch req.Source {
	case models.SourcePhoto:
		images, err := e.deps.Media.Process(ctx, req.MediaRefs)
		for _, img := range images {
			if !img.Usable && len(img.Issues) > 0 {
				metrics.MediaRejected.WithLabelValues(img.Issues[0]).Inc()
			}
		}
		if err != nil {
			return nil, err
		}

		usable := media.Usable(images)
		inputs := make([]llm.Image, len(usable))
		quality := 0.0
		for i, img := range usable {
			inputs[i] = llm.Image{Data: img.Data, Quality: img.Quality}
			quality += img.Quality
		}
		quality /= float64(len(usable))

		resp, err := e.deps.Analyzer.Analyze(ctx, e.analyzeRequest(req, kind, inputs, ""))
		if err != nil {
			return nil, err
		}
		model, raw = resp.Model, resp.Raw
		if kind == models.KindQuote {
			fields = extraction.ParseQuote(resp.Data, "")
		} else {
			fields = extraction.ParseScope(resp.Data, quality)
		}

	case models.SourceDocument:
		doc, err := e.deps.Documents.Process(req.Payload)
		if err != nil {
			return nil, err
		}
		resp, err := e.deps.Analyzer.Analyze(ctx, e.analyzeRequest(req, kind, nil, doc.Excerpt))
		if err != nil {
			return nil, err
		}
		model, raw = resp.Model, resp.Raw
		fields = extraction.ParseQuote(resp.Data, doc.Text)

	case models.SourceForm:
		var form standardize.QuoteForm
		if err := json.Unmarshal([]byte(req.Payload), &form); err != nil {
			return nil, fmt.Errorf("%w: failed to decode form: %v", ErrInvalidSubmission, err)
		}
		var err error
		if fields, err = standardize.FromForm(form); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidSubmission, req.Source)
	}

	fields = e.deps.Mapper.Standardize(kind, req.Category, fields)
	fields = calibration.Apply(profile, fields)
	return e.newResult(req, kind, profile, fields, model, raw), nil
}

func (e *Engine) analyzeRequest(req *models.AnalysisRequest, kind models.ResultKind, images []llm.Image, text string) llm.AnalyzeRequest {
	return llm.AnalyzeRequest{
		OrgID:     req.OrgID,
		RequestID: req.ID,
		Key:       req.RequestKey,
		Kind:      kind,
		Category:  req.Category,
		Context:   req.Context,
		Images:    images,
		Text:      text,
	}
}

func (e *Engine) newResult(req *models.AnalysisRequest, kind models.ResultKind, profile *models.CalibrationProfile, fields models.Fields, model, raw string) *models.AnalysisResult {
	overall := standardize.OverallConfidence(kind, fields)
	return &models.AnalysisResult{
		ID:                e.newID(),
		OrgID:             req.OrgID,
		RequestID:         req.ID,
		SubjectID:         req.SubjectID,
		ParentID:          req.ParentID,
		Kind:              kind,
		Category:          req.Category,
		Fields:            fields,
		OverallConfidence: overall,
		Band:              models.BandFor(overall),
		RawResponse:       raw,
		Status:            models.StatusFor(overall),
		Model:             model,
		Version:           1,
		ProfileVersion:    profileVersion(profile),
		CreatedAt:         e.now().UTC(),
	}
}

// failedResult keeps the raw payload of malformed replies for review.
// Other failures store no result row.
func (e *Engine) failedResult(req *models.AnalysisRequest, kind models.ResultKind, profile *models.CalibrationProfile, err error) *models.AnalysisResult {
	var malformed *llm.MalformedResponseError
	if !errors.As(err, &malformed) {
		return nil
	}
	r := e.newResult(req, kind, profile, models.Fields{}, e.deps.Analyzer.Model(), malformed.Raw)
	r.Status = models.ResultFailed
	return r
}

func profileVersion(p *models.CalibrationProfile) int {
	if p == nil {
		return 0
	}
	return p.Version
}
