package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/jarcoal/httpmock"
	openai "github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/smartscope/backend/internal/cache/memory"
	"github.com/smartscope/backend/internal/calibration"
	"github.com/smartscope/backend/internal/comparison"
	"github.com/smartscope/backend/internal/cost"
	"github.com/smartscope/backend/internal/extraction"
	"github.com/smartscope/backend/internal/llm"
	"github.com/smartscope/backend/internal/media"
	"github.com/smartscope/backend/internal/standardize"
	"github.com/smartscope/backend/internal/storage/models"
	"github.com/smartscope/backend/internal/storage/sqlite"
	"github.com/smartscope/backend/pkg/config"
	"github.com/smartscope/backend/pkg/retry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"))
}

const completionsURL = "https://api.test/v1/chat/completions"

const scopeReply = `Here is the assessment:
{"primary_issue": "Leaking P-trap under kitchen sink", "severity": "urgent",
 "scope_items": ["Replace the P-trap", "Shut off the water supply"], "materials": ["PVC pipes"],
 "estimated_hours": 2, "confidence": 0.92}`

type harness struct {
	engine  *Engine
	db      *sqlite.Client
	mock    *httpmock.MockTransport
	tracker *cost.Tracker
	calib   *calibration.Calibrator
}

func checkerboard(w, h, cell int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(0)
			if (x/cell+y/cell)%2 == 0 {
				v = 255
			}
			img.Set(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func flat() []byte {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(300, 300, color.NRGBA{R: 128, G: 128, B: 128, A: 255}), imaging.PNG); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func noSleep(context.Context, time.Duration) error { return nil }

func newHarness(t *testing.T, budget config.BudgetConfig, tweak ...func(*Config)) *harness {
	t.Helper()

	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())

	mock := httpmock.NewMockTransport()
	tracker := cost.NewTracker(db, budget, 0.01, nil)
	client := llm.NewClient(
		llm.NewOpenAI("test-key", "https://api.test/v1", &http.Client{Transport: mock}),
		llm.Options{
			Model: "gpt-4o",
			Retry: retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, Sleep: noSleep},
		},
		memory.New(time.Hour, time.Minute),
		tracker,
	)
	source := media.StaticSource{"good.jpg": checkerboard(400, 400, 8), "flat.jpg": flat()}
	calib := calibration.NewCalibrator(db, calibration.DefaultOptions())

	cfg := Config{Workers: 2, QueueSize: 8, JobTimeout: 10 * time.Second}
	for _, fn := range tweak {
		fn(&cfg)
	}
	engine := NewEngine(Deps{
		Store:    db,
		Analyzer: client,
		Media:    media.NewPreprocessor(source, media.DefaultOptions()),
		Budget:   tracker,
		Profiles: calib,
	}, cfg)
	require.NoError(t, engine.Start(context.Background()))

	t.Cleanup(func() {
		engine.Stop()
		db.Close()
	})
	return &harness{engine: engine, db: db, mock: mock, tracker: tracker, calib: calib}
}

func reply(content string) httpmock.Responder {
	return func(*http.Request) (*http.Response, error) {
		return httpmock.NewJsonResponse(http.StatusOK, openai.ChatCompletionResponse{
			Model: "gpt-4o",
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			}},
			Usage: openai.Usage{PromptTokens: 1000, CompletionTokens: 200, TotalTokens: 1200},
		})
	}
}

func photo(subject string, refs ...string) Submission {
	return Submission{
		OrgID:     "org-1",
		SubjectID: subject,
		MediaRefs: refs,
		Category:  "plumbing",
		Context:   "Water pooling under the sink",
	}
}

func (h *harness) wait(t *testing.T, req *models.AnalysisRequest) *models.AnalysisRequest {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := h.engine.Wait(ctx, req.OrgID, req.ID)
	require.NoError(t, err)
	return done
}

func (h *harness) costEntries(t *testing.T, requestID string) []*models.CostEntry {
	t.Helper()
	entries, err := h.db.ListCostEntries(context.Background(), "org-1", requestID)
	require.NoError(t, err)
	return entries
}

func noBudget() config.BudgetConfig { return config.BudgetConfig{} }

func TestSubmit_PhotoScopeCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noBudget())
	h.mock.RegisterResponder(http.MethodPost, completionsURL, reply(scopeReply))

	req, err := h.engine.Submit(context.Background(), photo("project-1", "good.jpg", "good.jpg"))
	require.NoError(t, err)
	assert.Equal(t, models.RequestQueued, req.Status)
	assert.Equal(t, models.CategoryPlumbing, req.Category)
	assert.Equal(t, models.SubjectProject, req.SubjectType)

	done := h.wait(t, req)
	require.Equal(t, models.RequestCompleted, done.Status, done.FailureReason)
	require.NotEmpty(t, done.ResultID)

	result, err := h.engine.GetResult(context.Background(), "org-1", "project-1")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, done.ResultID, result.ID)
	assert.Equal(t, models.KindScope, result.Kind)
	assert.Equal(t, standardize.SeverityEmergency, result.Fields[extraction.FieldSeverity].Value)
	assert.Equal(t, []any{"Replace P-trap", "Shut off water supply to affected area"}, result.Fields[extraction.FieldScopeItems].Value)
	assert.Equal(t, []any{"PVC pipe"}, result.Fields[extraction.FieldMaterials].Value)
	assert.Equal(t, standardize.OverallConfidence(models.KindScope, result.Fields), result.OverallConfidence)
	assert.Equal(t, models.BandFor(result.OverallConfidence), result.Band)
	assert.Equal(t, "gpt-4o", result.Model)
	assert.Contains(t, result.RawResponse, "Here is the assessment")

	entries := h.costEntries(t, req.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, 1200, entries[0].UnitsConsumed)
	assert.True(t, entries[0].ComputedCost.Equal(decimal.RequireFromString("0.012")))
}

func TestSubmit_RepeatWithinCacheWindowReturnsSameResult(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noBudget())
	h.mock.RegisterResponder(http.MethodPost, completionsURL, reply(scopeReply))

	first := h.wait(t, must(h.engine.Submit(context.Background(), photo("project-1", "good.jpg"))))
	require.Equal(t, models.RequestCompleted, first.Status)

	again, err := h.engine.Submit(context.Background(), photo("project-1", "good.jpg"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.ResultID, again.ResultID)
	assert.Equal(t, 1, h.mock.GetTotalCallCount())

	other := h.wait(t, must(h.engine.Submit(context.Background(), photo("project-2", "good.jpg"))))
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, 2, h.mock.GetTotalCallCount())
}

func TestSubmit_ConcurrentIdenticalRequestsShareOneCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noBudget())
	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	h.mock.RegisterResponder(http.MethodPost, completionsURL, func(r *http.Request) (*http.Response, error) {
		entered <- struct{}{}
		<-release
		return reply(scopeReply)(r)
	})

	first, err := h.engine.Submit(context.Background(), photo("project-1", "good.jpg"))
	require.NoError(t, err)
	<-entered

	second, err := h.engine.Submit(context.Background(), photo("project-1", "good.jpg"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.RequestProcessing, second.Status)

	close(release)
	done := h.wait(t, first)
	assert.Equal(t, models.RequestCompleted, done.Status)
	assert.Equal(t, 1, h.mock.GetTotalCallCount())
}

func TestSubmit_UnusableMediaFailsWithoutCost(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noBudget())
	h.mock.RegisterResponder(http.MethodPost, completionsURL, reply(scopeReply))

	done := h.wait(t, must(h.engine.Submit(context.Background(), photo("project-1", "flat.jpg", "missing.jpg"))))
	assert.Equal(t, models.RequestFailed, done.Status)
	assert.Contains(t, done.FailureReason, media.ErrInsufficientMediaQuality.Error())
	assert.Empty(t, done.ResultID)

	assert.Zero(t, h.mock.GetTotalCallCount())
	assert.Empty(t, h.costEntries(t, done.ID))

	result, err := h.engine.GetResult(context.Background(), "org-1", "project-1")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestSubmit_MalformedReplyKeepsRawPayload(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noBudget())
	h.mock.RegisterResponder(http.MethodPost, completionsURL, reply("I could not decide, sorry."))

	done := h.wait(t, must(h.engine.Submit(context.Background(), photo("project-1", "good.jpg"))))
	assert.Equal(t, models.RequestFailed, done.Status)
	assert.Contains(t, done.FailureReason, "malformed")
	require.NotEmpty(t, done.ResultID)

	result, err := h.engine.Result(context.Background(), "org-1", done.ResultID)
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailed, result.Status)
	assert.Equal(t, "I could not decide, sorry.", result.RawResponse)

	assert.Equal(t, 2, h.mock.GetTotalCallCount())
	assert.Len(t, h.costEntries(t, done.ID), 2)
}

func TestCancel_RunningRequestIsDiscarded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noBudget())
	entered := make(chan struct{}, 4)
	h.mock.RegisterResponder(http.MethodPost, completionsURL, func(r *http.Request) (*http.Response, error) {
		entered <- struct{}{}
		<-r.Context().Done()
		return nil, r.Context().Err()
	})

	req, err := h.engine.Submit(context.Background(), photo("project-1", "good.jpg"))
	require.NoError(t, err)
	<-entered

	cancelled, err := h.engine.Cancel(context.Background(), "org-1", req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, cancelled.Status)

	done := h.wait(t, req)
	assert.Equal(t, models.RequestCancelled, done.Status)

	// Give the worker time to unwind; nothing may be written afterwards.
	require.Eventually(t, func() bool {
		h.engine.mu.Lock()
		defer h.engine.mu.Unlock()
		return len(h.engine.running) == 0
	}, 2*time.Second, 5*time.Millisecond)

	after, err := h.engine.Request(context.Background(), "org-1", req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, after.Status)
	assert.Empty(t, after.ResultID)

	result, err := h.engine.GetResult(context.Background(), "org-1", "project-1")
	require.NoError(t, err)
	assert.Nil(t, result)

	again, err := h.engine.Cancel(context.Background(), "org-1", req.ID)
	require.NoError(t, err, "cancel is safe in any state")
	assert.Equal(t, models.RequestCancelled, again.Status)
}

func TestSubmit_FormQuoteSkipsInference(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noBudget())
	labor := 1500.0
	form := &standardize.QuoteForm{TotalAmount: 2500, LaborCost: &labor, ContactEmail: "pro@example.com"}

	done := h.wait(t, must(h.engine.Submit(context.Background(), Submission{
		OrgID: "org-1", SubjectID: "quote-1", ParentID: "project-1",
		Category: "Roofing", Source: models.SourceForm, Form: form,
	})))
	require.Equal(t, models.RequestCompleted, done.Status, done.FailureReason)

	result, err := h.engine.Result(context.Background(), "org-1", done.ResultID)
	require.NoError(t, err)
	assert.Equal(t, models.KindQuote, result.Kind)
	assert.Equal(t, FormModel, result.Model)
	assert.Equal(t, 2500.0, result.Fields[extraction.FieldTotalAmount].Value)
	assert.Equal(t, models.FieldSourceForm, result.Fields[extraction.FieldTotalAmount].Source)
	assert.Equal(t, standardize.OverallConfidence(models.KindQuote, result.Fields), result.OverallConfidence)

	assert.Zero(t, h.mock.GetTotalCallCount())
	assert.Empty(t, h.costEntries(t, done.ID))
}

func TestSubmit_DocumentQuoteReconcilesPatterns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noBudget())
	var calls atomic.Int32
	h.mock.RegisterResponder(http.MethodPost, completionsURL, func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return reply(`{"total_amount": 2500, "timeline_days": 2, "confidence": 0.9}`)(r)
	})

	doc := "<html><body><p>Total: $2,500</p><p>Timeline: 2 days</p><p>Warranty: 12 months</p></body></html>"
	done := h.wait(t, must(h.engine.Submit(context.Background(), Submission{
		OrgID: "org-1", SubjectID: "quote-1", ParentID: "project-1",
		Category: "Roofing", Source: models.SourceDocument, Document: doc,
	})))
	require.Equal(t, models.RequestCompleted, done.Status, done.FailureReason)

	result, err := h.engine.Result(context.Background(), "org-1", done.ResultID)
	require.NoError(t, err)
	assert.Equal(t, 2500.0, result.Fields[extraction.FieldTotalAmount].Value)
	assert.InDelta(t, 1.0, result.Fields[extraction.FieldTotalAmount].Confidence, 1e-9)
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, h.costEntries(t, done.ID), 1)
}

func TestSubmit_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noBudget())
	tests := []Submission{
		{SubjectID: "p", MediaRefs: []string{"a"}, Category: "Plumbing"},
		{OrgID: "o", SubjectID: "p", MediaRefs: []string{"a"}, Category: "Gardening"},
		{OrgID: "o", SubjectID: "p", Category: "Plumbing"},
		{OrgID: "o", SubjectID: "p", MediaRefs: make([]string, 9), Category: "Plumbing"},
		{OrgID: "o", SubjectID: "p", SubjectType: models.SubjectProject, Category: "Plumbing", Source: models.SourceForm, Form: &standardize.QuoteForm{TotalAmount: 1}},
		{OrgID: "o", SubjectID: "q", Category: "Plumbing", Source: models.SourceForm, Form: &standardize.QuoteForm{}},
		{OrgID: "o", SubjectID: "q", Category: "Plumbing", Source: models.SourceDocument, Document: "   "},
	}
	for _, s := range tests {
		_, err := h.engine.Submit(context.Background(), s)
		assert.ErrorIs(t, err, ErrInvalidSubmission, "%+v", s)
	}
}

func TestSubmit_HardStopBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.BudgetConfig{Daily: 0.01, HardStop: true})
	require.NoError(t, h.tracker.Record(context.Background(), &models.CostEntry{
		ID: "seed", OrgID: "org-1", RequestID: "earlier", Attempt: 1,
		UnitCost: decimal.Zero, ComputedCost: decimal.RequireFromString("0.05"), CreatedAt: time.Now(),
	}))

	_, err := h.engine.Submit(context.Background(), photo("project-1", "good.jpg"))
	assert.ErrorIs(t, err, cost.ErrBudgetExceeded)
	assert.Zero(t, h.mock.GetTotalCallCount())
}

func TestSubmit_SoftBudgetFlagsRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.BudgetConfig{Daily: 0.01})
	h.mock.RegisterResponder(http.MethodPost, completionsURL, reply(scopeReply))
	require.NoError(t, h.tracker.Record(context.Background(), &models.CostEntry{
		ID: "seed", OrgID: "org-1", RequestID: "earlier", Attempt: 1,
		UnitCost: decimal.Zero, ComputedCost: decimal.RequireFromString("0.05"), CreatedAt: time.Now(),
	}))

	req, err := h.engine.Submit(context.Background(), photo("project-1", "good.jpg"))
	require.NoError(t, err)
	assert.True(t, req.BudgetFlagged)
	assert.Equal(t, models.RequestCompleted, h.wait(t, req).Status)
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noBudget(), func(c *Config) { c.Workers = 1; c.QueueSize = 1 })
	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	h.mock.RegisterResponder(http.MethodPost, completionsURL, func(r *http.Request) (*http.Response, error) {
		entered <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
			return nil, r.Context().Err()
		}
		return reply(scopeReply)(r)
	})
	defer close(release)

	_, err := h.engine.Submit(context.Background(), photo("a", "good.jpg"))
	require.NoError(t, err)
	<-entered
	_, err = h.engine.Submit(context.Background(), photo("b", "good.jpg"))
	require.NoError(t, err)
	_, err = h.engine.Submit(context.Background(), photo("c", "good.jpg"))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestReview_CreatesHumanVersion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noBudget())
	h.mock.RegisterResponder(http.MethodPost, completionsURL, reply(scopeReply))
	done := h.wait(t, must(h.engine.Submit(context.Background(), photo("project-1", "good.jpg"))))
	ctx := context.Background()

	v1, err := h.engine.Result(ctx, "org-1", done.ResultID)
	require.NoError(t, err)

	v2, err := h.engine.ApproveOrEdit(ctx, "org-1", v1.ID, "pm-7", map[string]any{
		extraction.FieldSeverity:  "Medium",
		extraction.FieldMaterials: []any{"P-trap", "Plumber's tape"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, v1.ID, v2.PreviousVersionID)
	assert.Equal(t, "pm-7", v2.ReviewedBy)
	assert.Equal(t, models.FieldSourceHuman, v2.Fields[extraction.FieldSeverity].Source)
	assert.Equal(t, 1.0, v2.Fields[extraction.FieldSeverity].Confidence)
	assert.Equal(t, []string{"P-trap", "Plumber's tape"}, v2.Fields[extraction.FieldMaterials].Value)
	assert.Equal(t, v1.Fields[extraction.FieldScopeItems], v2.Fields[extraction.FieldScopeItems])
	assert.Equal(t, models.FieldSourceModel, v2.Fields[extraction.FieldPrimaryIssue].Source)
	assert.Equal(t, standardize.OverallConfidence(models.KindScope, v2.Fields), v2.OverallConfidence)

	stored, err := h.engine.Result(ctx, "org-1", v1.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.Fields, stored.Fields, "earlier versions are kept as they were")

	_, err = h.engine.ApproveOrEdit(ctx, "org-1", v1.ID, "pm-8", nil)
	assert.ErrorIs(t, err, models.ErrConflict, "only the newest version can be reviewed")

	_, err = h.engine.ApproveOrEdit(ctx, "org-1", v2.ID, "pm-8", map[string]any{"total_amount": 5})
	assert.ErrorIs(t, err, ErrInvalidReview)

	versions, err := h.engine.Versions(ctx, "org-1", v2.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)

	latest, err := h.engine.GetResult(ctx, "org-1", "project-1")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, latest.ID)
}

func TestFeedback_CountedByNextLearningRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noBudget())
	h.mock.RegisterResponder(http.MethodPost, completionsURL, reply(scopeReply))
	done := h.wait(t, must(h.engine.Submit(context.Background(), photo("project-1", "good.jpg"))))
	ctx := context.Background()

	before, err := h.engine.Result(ctx, "org-1", done.ResultID)
	require.NoError(t, err)

	fb, err := h.engine.SubmitFeedback(ctx, "org-1", done.ResultID, Feedback{RaterRole: "property_manager", Rating: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, fb.Rating)

	_, err = h.engine.SubmitFeedback(ctx, "org-1", done.ResultID, Feedback{Rating: 0})
	assert.ErrorIs(t, err, ErrInvalidReview)
	_, err = h.engine.SubmitFeedback(ctx, "org-1", done.ResultID, Feedback{Rating: 3, Corrections: map[string]any{"bogus": 1}})
	assert.ErrorIs(t, err, ErrInvalidReview)

	profiles, err := h.calib.Recompute(ctx, "")
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, 1, profiles[0].SampleSize)
	assert.Equal(t, models.CategoryPlumbing, profiles[0].Category)
	assert.Equal(t, 1, profiles[0].Version)

	after, err := h.engine.Result(ctx, "org-1", done.ResultID)
	require.NoError(t, err)
	assert.Equal(t, before.Fields, after.Fields)
	assert.Equal(t, before.OverallConfidence, after.OverallConfidence)
}

func TestCompareQuotes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noBudget())
	ctx := context.Background()
	submit := func(subject string, total float64, days int) {
		form := &standardize.QuoteForm{TotalAmount: total, EstimatedDurationDays: &days, Inclusions: []string{"Permits"}}
		if subject == "quote-a" {
			form.Inclusions = append(form.Inclusions, "Cleanup")
		}
		done := h.wait(t, must(h.engine.Submit(ctx, Submission{
			OrgID: "org-1", SubjectID: subject, ParentID: "project-1",
			Category: "Roofing", Source: models.SourceForm, Form: form,
		})))
		require.Equal(t, models.RequestCompleted, done.Status, done.FailureReason)
	}
	submit("quote-a", 2500, 2)
	submit("quote-b", 2200, 3)

	cmp, err := h.engine.CompareQuotes(ctx, "org-1", "project-1")
	require.NoError(t, err)
	require.Len(t, cmp.Quotes, 2)
	assert.Equal(t, "quote-a", cmp.Quotes[0].SubjectID)
	assert.Equal(t, cmp.Quotes[1].ResultID, cmp.Best[comparison.BestLowestPrice])
	assert.Equal(t, cmp.Quotes[0].ResultID, cmp.Best[comparison.BestFastest])
	assert.Equal(t, []string{"Cleanup"}, cmp.Quotes[1].MissingItems)

	_, err = h.engine.CompareQuotes(ctx, "org-1", "project-404")
	assert.ErrorIs(t, err, comparison.ErrNoQuotes)
}

func TestStart_ResumesInterruptedRequests(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "resume.db")
	db, err := sqlite.NewClient(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	defer db.Close()

	ctx := context.Background()
	payload := `{"total_amount": 900}`
	now := time.Now().UTC()
	require.NoError(t, db.CreateRequest(ctx, &models.AnalysisRequest{
		ID: "interrupted", OrgID: "org-1", SubjectID: "quote-1", SubjectType: models.SubjectQuote,
		MediaRefs: []string{}, Category: models.CategoryFlooring, Source: models.SourceForm,
		Payload: payload, RequestKey: "k", Status: models.RequestQueued, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, db.MarkProcessing(ctx, "org-1", "interrupted"))

	engine := NewEngine(Deps{Store: db, Analyzer: stubAnalyzer{}, Budget: stubBudget{}}, Config{Workers: 1})
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := engine.Wait(waitCtx, "org-1", "interrupted")
	require.NoError(t, err)
	assert.Equal(t, models.RequestCompleted, done.Status, done.FailureReason)
}

func TestSubmit_NotRunning(t *testing.T) {
	t.Parallel()

	engine := NewEngine(Deps{Analyzer: stubAnalyzer{}}, Config{})
	_, err := engine.Submit(context.Background(), photo("p", "good.jpg"))
	assert.ErrorIs(t, err, ErrNotRunning)
}

type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(context.Context, llm.AnalyzeRequest) (*llm.ParsedResponse, error) {
	return nil, llm.ErrServiceDegraded
}
func (stubAnalyzer) Model() string         { return "stub" }
func (stubAnalyzer) PromptVersion() string { return "v1" }

type stubBudget struct{}

func (stubBudget) Admit(context.Context, string) (bool, error) { return false, nil }

func must(req *models.AnalysisRequest, err error) *models.AnalysisRequest {
	if err != nil {
		panic(err)
	}
	return req
}

// brokenResultStore fails every write that carries a result row.
type brokenResultStore struct {
	*sqlite.Client
}

func (s brokenResultStore) FinishRequest(ctx context.Context, orgID, id string, status models.RequestStatus, reason string, result *models.AnalysisResult) error {
	if result != nil {
		return errors.New("json: unsupported value: +Inf")
	}
	return s.Client.FinishRequest(ctx, orgID, id, status, reason, nil)
}

func TestProcess_StoreFailureStillReachesTerminalStatus(t *testing.T) {
	t.Parallel()

	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "broken.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())

	engine := NewEngine(Deps{Store: brokenResultStore{db}, Analyzer: stubAnalyzer{}, Budget: stubBudget{}},
		Config{Workers: 1, QueueSize: 4, JobTimeout: 5 * time.Second})
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() {
		engine.Stop()
		db.Close()
	})

	sub := Submission{
		OrgID: "org-1", SubjectID: "quote-1", ParentID: "project-1",
		Category: "Roofing", Source: models.SourceForm,
		Form: &standardize.QuoteForm{TotalAmount: 900, ContactEmail: "pro@example.com"},
	}
	first := must(engine.Submit(context.Background(), sub))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := engine.Wait(ctx, "org-1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestFailed, done.Status)
	assert.Contains(t, done.FailureReason, "failed to store analysis outcome")
	assert.Empty(t, done.ResultID)

	// The dedup slot is released, so a repeat starts a fresh request.
	second := must(engine.Submit(context.Background(), sub))
	assert.NotEqual(t, first.ID, second.ID)
	_, err = engine.Wait(ctx, "org-1", second.ID)
	require.NoError(t, err)

	requeued, err := db.RequeueInterrupted(context.Background())
	require.NoError(t, err)
	for _, r := range requeued {
		assert.NotEqual(t, first.ID, r.ID)
	}
}

func TestSubmit_NonFiniteNumbersInReplyAreDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noBudget())
	h.mock.RegisterResponder(http.MethodPost, completionsURL, reply(
		`{"primary_issue": "Leaking P-trap", "severity": "high", "scope_items": ["Replace the P-trap"],
		  "estimated_hours": "Infinity", "confidence": 0.9}`))

	done := h.wait(t, must(h.engine.Submit(context.Background(), photo("project-9", "good.jpg"))))
	require.Equal(t, models.RequestCompleted, done.Status, done.FailureReason)

	result, err := h.engine.Result(context.Background(), "org-1", done.ResultID)
	require.NoError(t, err)
	_, ok := result.Fields[extraction.FieldEstimatedHours]
	assert.False(t, ok)
	assert.Equal(t, "Leaking P-trap", result.Fields[extraction.FieldPrimaryIssue].Value)
}
