// Package cost records per-attempt inference spend and evaluates it against
// organization budgets.
package cost

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/smartscope/backend/internal/llm"
	"github.com/smartscope/backend/internal/metrics"
	"github.com/smartscope/backend/internal/storage/models"
	"github.com/smartscope/backend/pkg/config"
	"github.com/smartscope/backend/pkg/logger"
)

var ErrBudgetExceeded = errors.New("budget exceeded")

type Window string

const (
	WindowDaily   Window = "daily"
	WindowMonthly Window = "monthly"
)

var Windows = []Window{WindowDaily, WindowMonthly}

func ParseWindow(s string) (Window, bool) {
	switch Window(strings.ToLower(strings.TrimSpace(s))) {
	case WindowDaily:
		return WindowDaily, true
	case WindowMonthly:
		return WindowMonthly, true
	default:
		return "", false
	}
}

// Duration is the trailing period a window covers.
func (w Window) Duration() time.Duration {
	if w == WindowMonthly {
		return 30 * 24 * time.Hour
	}
	return 24 * time.Hour
}

type Level string

const (
	LevelGreen Level = "green"
	LevelAmber Level = "amber"
	LevelRed   Level = "red"
)

func levelFor(percent float64) Level {
	switch {
	case percent >= 90:
		return LevelRed
	case percent >= 70:
		return LevelAmber
	default:
		return LevelGreen
	}
}

type BudgetStatus struct {
	OrgID       string          `json:"org_id"`
	Window      Window          `json:"window"`
	Spent       decimal.Decimal `json:"spent"`
	Limit       decimal.Decimal `json:"limit"`
	Remaining   decimal.Decimal `json:"remaining"`
	PercentUsed float64         `json:"percent_used"`
	Status      Level           `json:"status"`
	HardStop    bool            `json:"hard_stop"`
}

// Exceeded reports whether spend has reached a non-zero limit.
func (s *BudgetStatus) Exceeded() bool {
	return s.Limit.IsPositive() && s.Spent.GreaterThanOrEqual(s.Limit)
}

// Store is the persistence the tracker needs.
type Store interface {
	InsertCostEntry(ctx context.Context, e *models.CostEntry) error
	SumCosts(ctx context.Context, orgID string, since time.Time) (models.CostSummary, error)
}

type Tracker struct {
	store    Store
	budget   config.BudgetConfig
	unitCost decimal.Decimal
	notifier Notifier
	now      func() time.Time

	// mu serializes record-then-evaluate so a threshold crossing is seen by
	// exactly one entry.
	mu sync.Mutex
}

// NewTracker prices tokens at costPer1K USD per thousand. A nil notifier
// logs alerts.
func NewTracker(store Store, budget config.BudgetConfig, costPer1K float64, notifier Notifier) *Tracker {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	thresholds := append([]float64(nil), budget.Thresholds...)
	sort.Float64s(thresholds)
	budget.Thresholds = thresholds

	return &Tracker{
		store:    store,
		budget:   budget,
		unitCost: decimal.NewFromFloat(costPer1K).Div(decimal.NewFromInt(1000)),
		notifier: notifier,
		now:      time.Now,
	}
}

// RecordAttempt prices and stores one inference attempt.
func (t *Tracker) RecordAttempt(ctx context.Context, a llm.AttemptCost) error {
	units := a.PromptTokens + a.CompletionTokens
	entry := &models.CostEntry{
		OrgID:         a.OrgID,
		RequestID:     a.RequestID,
		Attempt:       a.Attempt,
		Model:         a.Model,
		UnitCost:      t.unitCost,
		UnitsConsumed: units,
		ComputedCost:  t.unitCost.Mul(decimal.NewFromInt(int64(units))),
		Success:       a.Success,
	}
	return t.Record(ctx, entry)
}

// Record appends entry and raises an alert for every configured threshold
// the entry pushed spend across.
func (t *Tracker) Record(ctx context.Context, entry *models.CostEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.store.InsertCostEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to record cost entry: %w", err)
	}
	cost, _ := entry.ComputedCost.Float64()
	metrics.LLMCost.WithLabelValues(entry.Model).Add(cost)

	for _, w := range Windows {
		status, err := t.status(ctx, entry.OrgID, w)
		if err != nil {
			return err
		}
		t.checkThresholds(ctx, status, status.Spent.Sub(entry.ComputedCost))
	}
	return nil
}

func (t *Tracker) checkThresholds(ctx context.Context, status *BudgetStatus, before decimal.Decimal) {
	if !status.Limit.IsPositive() {
		return
	}
	for _, threshold := range t.budget.Thresholds {
		mark := status.Limit.Mul(decimal.NewFromFloat(threshold))
		if before.LessThan(mark) && status.Spent.GreaterThanOrEqual(mark) {
			alert := Alert{
				OrgID:       status.OrgID,
				Window:      status.Window,
				Threshold:   threshold,
				Spent:       status.Spent,
				Limit:       status.Limit,
				PercentUsed: status.PercentUsed,
				At:          t.now().UTC(),
			}
			metrics.BudgetAlerts.WithLabelValues(string(status.Window)).Inc()
			if err := t.notifier.Notify(context.WithoutCancel(ctx), alert); err != nil {
				logger.Error("Failed to deliver budget alert",
					zap.String("org_id", alert.OrgID),
					zap.String("window", string(alert.Window)),
					zap.Error(err),
				)
			}
		}
	}
}

func (t *Tracker) BudgetStatus(ctx context.Context, orgID string, window Window) (*BudgetStatus, error) {
	return t.status(ctx, orgID, window)
}

func (t *Tracker) status(ctx context.Context, orgID string, window Window) (*BudgetStatus, error) {
	summary, err := t.store.SumCosts(ctx, orgID, t.now().Add(-window.Duration()))
	if err != nil {
		return nil, fmt.Errorf("failed to sum costs: %w", err)
	}

	limits := t.budget.BudgetFor(orgID)
	limitValue := limits.Daily
	if window == WindowMonthly {
		limitValue = limits.Monthly
	}
	limit := decimal.NewFromFloat(limitValue)

	s := &BudgetStatus{
		OrgID:     orgID,
		Window:    window,
		Spent:     summary.Total,
		Limit:     limit,
		Remaining: decimal.Max(decimal.Zero, limit.Sub(summary.Total)),
		HardStop:  t.budget.HardStop,
	}
	if limit.IsPositive() {
		s.PercentUsed, _ = summary.Total.Div(limit).Mul(decimal.NewFromInt(100)).Round(2).Float64()
	}
	s.Status = levelFor(s.PercentUsed)
	return s, nil
}

// Admit decides whether a new analysis may start. In hard-stop mode an
// exhausted budget returns ErrBudgetExceeded; otherwise the request proceeds
// and flagged reports whether it should be marked.
func (t *Tracker) Admit(ctx context.Context, orgID string) (flagged bool, err error) {
	for _, w := range Windows {
		s, err := t.status(ctx, orgID, w)
		if err != nil {
			return false, err
		}
		if !s.Exceeded() {
			continue
		}
		if t.budget.HardStop {
			return false, fmt.Errorf("%w: %s spend %s of %s", ErrBudgetExceeded, w, s.Spent.StringFixed(2), s.Limit.StringFixed(2))
		}
		flagged = true
	}
	return flagged, nil
}
