// Package pipeline runs analysis requests through preprocessing, inference,
// extraction, standardization and calibration on a bounded worker pool.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smartscope/backend/internal/ingestion"
	"github.com/smartscope/backend/internal/llm"
	"github.com/smartscope/backend/internal/media"
	"github.com/smartscope/backend/internal/metrics"
	"github.com/smartscope/backend/internal/standardize"
	"github.com/smartscope/backend/internal/storage/models"
	"github.com/smartscope/backend/pkg/logger"
	"github.com/smartscope/backend/pkg/utils"
)

var (
	ErrInvalidSubmission = errors.New("invalid submission")
	ErrQueueFull         = errors.New("analysis queue is full")
	ErrNotRunning        = errors.New("engine is not running")
)

type Store interface {
	CreateRequest(ctx context.Context, req *models.AnalysisRequest) error
	GetRequest(ctx context.Context, orgID, id string) (*models.AnalysisRequest, error)
	FindCompletedByKey(ctx context.Context, orgID, key string, since time.Time) (*models.AnalysisRequest, error)
	MarkProcessing(ctx context.Context, orgID, id string) error
	FinishRequest(ctx context.Context, orgID, id string, status models.RequestStatus, reason string, result *models.AnalysisResult) error
	CancelRequest(ctx context.Context, orgID, id string) (bool, error)
	RequeueInterrupted(ctx context.Context) ([]*models.AnalysisRequest, error)

	GetResult(ctx context.Context, orgID, id string) (*models.AnalysisResult, error)
	LatestResultForSubject(ctx context.Context, orgID, subjectID string) (*models.AnalysisResult, error)
	ListSubjectResults(ctx context.Context, orgID, subjectID string, limit, offset int) ([]*models.AnalysisResult, error)
	ListResultVersions(ctx context.Context, orgID, id string) ([]*models.AnalysisResult, error)
	InsertResultVersion(ctx context.Context, r *models.AnalysisResult) error
	ListProjectQuotes(ctx context.Context, orgID, projectID string) ([]*models.AnalysisResult, error)
	InsertFeedback(ctx context.Context, fb *models.FeedbackRecord) error
}

type Analyzer interface {
	Analyze(ctx context.Context, req llm.AnalyzeRequest) (*llm.ParsedResponse, error)
	Model() string
	PromptVersion() string
}

type MediaProcessor interface {
	Process(ctx context.Context, refs []string) ([]media.Image, error)
}

type Budget interface {
	Admit(ctx context.Context, orgID string) (flagged bool, err error)
}

type ProfileSource interface {
	Snapshot(category models.Category) *models.CalibrationProfile
}

type Config struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
	// CacheWindow is how long a completed request answers repeats of its key.
	CacheWindow time.Duration
	// MaxImages bounds media refs per submission.
	MaxImages int
}

type Deps struct {
	Store     Store
	Analyzer  Analyzer
	Media     MediaProcessor
	Budget    Budget
	Profiles  ProfileSource
	Documents *ingestion.Processor
	Mapper    *standardize.Mapper
}

type Engine struct {
	deps Deps
	cfg  Config

	queue chan *models.AnalysisRequest

	mu       sync.Mutex
	inflight map[string]string // org + request key -> request id
	running  map[string]context.CancelFunc
	watchers map[string][]chan struct{}

	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup
	now   func() time.Time
	newID func() string
}

func NewEngine(deps Deps, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 3 * time.Minute
	}
	if cfg.CacheWindow <= 0 {
		cfg.CacheWindow = 24 * time.Hour
	}
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = 8
	}
	if deps.Documents == nil {
		deps.Documents = ingestion.NewProcessor(0)
	}
	if deps.Mapper == nil {
		deps.Mapper = standardize.NewMapper(nil)
	}
	return &Engine{
		deps:     deps,
		cfg:      cfg,
		queue:    make(chan *models.AnalysisRequest, cfg.QueueSize),
		inflight: make(map[string]string),
		running:  make(map[string]context.CancelFunc),
		watchers: make(map[string][]chan struct{}),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Start resumes requests interrupted by a restart and launches the workers.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.stop = context.WithCancel(context.WithoutCancel(ctx))

	pending, err := e.deps.Store.RequeueInterrupted(ctx)
	if err != nil {
		e.stop()
		return fmt.Errorf("failed to requeue interrupted requests: %w", err)
	}

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	if len(pending) > 0 {
		e.mu.Lock()
		for _, req := range pending {
			e.inflight[inflightKey(req)] = req.ID
		}
		e.mu.Unlock()

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for _, req := range pending {
				select {
				case e.queue <- req:
					metrics.QueueDepth.Set(float64(len(e.queue)))
				case <-e.ctx.Done():
					return
				}
			}
		}()
		logger.Info("Resuming interrupted analyses", zap.Int("count", len(pending)))
	}

	logger.Info("Analysis engine started", zap.Int("workers", e.cfg.Workers), zap.Int("queue_size", e.cfg.QueueSize))
	return nil
}

// Stop cancels in-flight work and waits for the workers to exit. Requests
// interrupted this way stay non-terminal and resume on the next Start.
func (e *Engine) Stop() {
	if e.stop == nil {
		return
	}
	e.stop()
	e.wg.Wait()
	logger.Info("Analysis engine stopped")
}

type Submission struct {
	OrgID       string
	SubjectID   string
	SubjectType models.SubjectType
	ParentID    string
	MediaRefs   []string
	Category    string
	Context     string
	Source      models.Source
	// Document is the raw quote document for document sources.
	Document string
	Form     *standardize.QuoteForm
}

// Submit validates s and queues it, or returns the request that already
// answers it: an in-flight request with the same key, or a completed one
// inside the cache window.
func (e *Engine) Submit(ctx context.Context, s Submission) (*models.AnalysisRequest, error) {
	if e.ctx == nil || e.ctx.Err() != nil {
		return nil, ErrNotRunning
	}

	req, err := e.build(s)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ik := inflightKey(req)
	if id, ok := e.inflight[ik]; ok {
		existing, err := e.deps.Store.GetRequest(ctx, req.OrgID, id)
		if err == nil && !existing.Status.Terminal() {
			logger.Debug("Joined in-flight analysis", zap.String("request_id", id))
			return existing, nil
		}
		delete(e.inflight, ik)
	}

	done, err := e.deps.Store.FindCompletedByKey(ctx, req.OrgID, req.RequestKey, e.now().Add(-e.cfg.CacheWindow))
	switch {
	case err == nil:
		logger.Debug("Reused completed analysis", zap.String("request_id", done.ID), zap.String("result_id", done.ResultID))
		return done, nil
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}

	if req.Source != models.SourceForm {
		flagged, err := e.deps.Budget.Admit(ctx, req.OrgID)
		if err != nil {
			return nil, err
		}
		req.BudgetFlagged = flagged
	}

	if err := e.deps.Store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	select {
	case e.queue <- req:
		e.inflight[ik] = req.ID
		metrics.QueueDepth.Set(float64(len(e.queue)))
	default:
		reason := ErrQueueFull.Error()
		if err := e.deps.Store.FinishRequest(context.WithoutCancel(ctx), req.OrgID, req.ID, models.RequestFailed, reason, nil); err != nil {
			logger.Error("Failed to reject request", zap.String("request_id", req.ID), zap.Error(err))
		}
		return nil, ErrQueueFull
	}

	logger.Info("Analysis queued",
		zap.String("request_id", req.ID),
		zap.String("org_id", req.OrgID),
		zap.String("subject_id", req.SubjectID),
		zap.String("source", string(req.Source)),
		zap.Bool("budget_flagged", req.BudgetFlagged),
	)
	return req, nil
}

func (e *Engine) build(s Submission) (*models.AnalysisRequest, error) {
	var problems []string
	if strings.TrimSpace(s.OrgID) == "" {
		problems = append(problems, "org id is required")
	}
	if strings.TrimSpace(s.SubjectID) == "" {
		problems = append(problems, "subject id is required")
	}
	category, ok := models.ParseCategory(s.Category)
	if !ok {
		problems = append(problems, fmt.Sprintf("unknown category %q", s.Category))
	}
	if s.Source == "" {
		s.Source = models.SourcePhoto
	}
	if s.SubjectType == "" {
		s.SubjectType = models.SubjectProject
		if s.Source != models.SourcePhoto {
			s.SubjectType = models.SubjectQuote
		}
	}
	if s.SubjectType != models.SubjectProject && s.SubjectType != models.SubjectQuote {
		problems = append(problems, fmt.Sprintf("unknown subject type %q", s.SubjectType))
	}

	var payload string
	var extra []string
	switch s.Source {
	case models.SourcePhoto:
		if len(s.MediaRefs) == 0 {
			problems = append(problems, "at least one media ref is required")
		}
		if len(s.MediaRefs) > e.cfg.MaxImages {
			problems = append(problems, fmt.Sprintf("at most %d media refs are allowed", e.cfg.MaxImages))
		}
	case models.SourceDocument:
		if s.SubjectType != models.SubjectQuote {
			problems = append(problems, "documents can only be submitted for quotes")
		}
		doc, err := e.deps.Documents.Process(s.Document)
		if err != nil {
			problems = append(problems, err.Error())
		} else {
			payload = s.Document
			extra = append(extra, doc.Hash)
		}
	case models.SourceForm:
		if s.SubjectType != models.SubjectQuote {
			problems = append(problems, "forms can only be submitted for quotes")
		}
		if s.Form == nil {
			problems = append(problems, "form is required")
		} else if err := s.Form.Validate(); err != nil {
			problems = append(problems, err.Error())
		} else {
			data, err := json.Marshal(s.Form)
			if err != nil {
				return nil, fmt.Errorf("failed to encode form: %w", err)
			}
			payload = string(data)
			extra = append(extra, utils.HashString(payload))
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown source %q", s.Source))
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSubmission, strings.Join(problems, "; "))
	}

	now := e.now().UTC()
	refs := append([]string(nil), s.MediaRefs...)
	if refs == nil {
		refs = []string{}
	}
	return &models.AnalysisRequest{
		ID:          e.newID(),
		OrgID:       s.OrgID,
		SubjectID:   s.SubjectID,
		SubjectType: s.SubjectType,
		ParentID:    s.ParentID,
		MediaRefs:   refs,
		Category:    category,
		Context:     strings.TrimSpace(s.Context),
		Source:      s.Source,
		Payload:     payload,
		RequestKey:  llm.Key(s.SubjectID, refs, category, e.deps.Analyzer.PromptVersion(), extra...),
		Status:      models.RequestQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (e *Engine) Request(ctx context.Context, orgID, id string) (*models.AnalysisRequest, error) {
	return e.deps.Store.GetRequest(ctx, orgID, id)
}

// Cancel stops a request in any state. Queued requests are dropped,
// running ones have their context cancelled and their outcome discarded.
// Finished requests are returned unchanged.
func (e *Engine) Cancel(ctx context.Context, orgID, id string) (*models.AnalysisRequest, error) {
	cancelled, err := e.deps.Store.CancelRequest(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	req, err := e.deps.Store.GetRequest(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if cancelled {
		e.mu.Lock()
		if stop, ok := e.running[id]; ok {
			stop()
		}
		e.mu.Unlock()
		e.finished(req)
		metrics.AnalysisTotal.WithLabelValues(string(kindFor(req)), string(models.RequestCancelled)).Inc()
		logger.Info("Analysis cancelled", zap.String("request_id", id))
	}
	return req, nil
}

// Wait blocks until the request reaches a terminal status or ctx is done.
func (e *Engine) Wait(ctx context.Context, orgID, id string) (*models.AnalysisRequest, error) {
	for {
		ch := make(chan struct{})
		e.mu.Lock()
		e.watchers[id] = append(e.watchers[id], ch)
		e.mu.Unlock()

		req, err := e.deps.Store.GetRequest(ctx, orgID, id)
		if err != nil || req.Status.Terminal() {
			e.unwatch(id, ch)
			return req, err
		}

		select {
		case <-ch:
		case <-ctx.Done():
			e.unwatch(id, ch)
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) unwatch(id string, ch chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.watchers[id]
	for i, c := range list {
		if c == ch {
			e.watchers[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(e.watchers[id]) == 0 {
		delete(e.watchers, id)
	}
}

// finished releases the request's dedup slot and wakes its waiters.
func (e *Engine) finished(req *models.AnalysisRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ik := inflightKey(req)
	if e.inflight[ik] == req.ID {
		delete(e.inflight, ik)
	}
	for _, ch := range e.watchers[req.ID] {
		close(ch)
	}
	delete(e.watchers, req.ID)
}

func inflightKey(req *models.AnalysisRequest) string {
	return req.OrgID + "\x00" + req.RequestKey
}

func kindFor(req *models.AnalysisRequest) models.ResultKind {
	if req.SubjectType == models.SubjectQuote {
		return models.KindQuote
	}
	return models.KindScope
}
