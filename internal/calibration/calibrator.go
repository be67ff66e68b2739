package calibration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/smartscope/backend/internal/metrics"
	"github.com/smartscope/backend/internal/storage/models"
	"github.com/smartscope/backend/pkg/logger"
)

type Store interface {
	FeedbackSnapshot(ctx context.Context, category models.Category) ([]models.FeedbackSample, error)
	InsertProfile(ctx context.Context, p *models.CalibrationProfile) error
	LatestProfiles(ctx context.Context) (map[models.Category]*models.CalibrationProfile, error)
	AccuracyStats(ctx context.Context, orgID string) (*models.AccuracyStats, error)
}

type registry map[models.Category]*models.CalibrationProfile

// Calibrator serves the newest profile per category and recomputes them
// from feedback. Profiles handed out are never mutated.
type Calibrator struct {
	store    Store
	opts     Options
	profiles atomic.Pointer[registry]
	// mu serializes recomputation.
	mu  sync.Mutex
	now func() time.Time
}

func NewCalibrator(store Store, opts Options) *Calibrator {
	def := DefaultOptions()
	if opts.MinSamples <= 0 {
		opts.MinSamples = def.MinSamples
	}
	if opts.Shrinkage <= 0 {
		opts.Shrinkage = def.Shrinkage
	}
	if opts.MaxAdjustment <= 0 {
		opts.MaxAdjustment = def.MaxAdjustment
	}
	c := &Calibrator{store: store, opts: opts, now: time.Now}
	c.profiles.Store(&registry{})
	return c
}

// Load replaces the registry with the newest stored profiles.
func (c *Calibrator) Load(ctx context.Context) error {
	latest, err := c.store.LatestProfiles(ctx)
	if err != nil {
		return fmt.Errorf("failed to load calibration profiles: %w", err)
	}
	reg := registry(latest)
	c.profiles.Store(&reg)
	logger.Info("Calibration profiles loaded", zap.Int("categories", len(reg)))
	return nil
}

// Snapshot returns the current profile for category, or nil.
func (c *Calibrator) Snapshot(category models.Category) *models.CalibrationProfile {
	return (*c.profiles.Load())[category]
}

// Recompute builds and stores a new profile version for category, or for
// every category with feedback when category is empty.
func (c *Calibrator) Recompute(ctx context.Context, category models.Category) ([]*models.CalibrationProfile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	categories := models.Categories
	if category != "" {
		categories = []models.Category{category}
	}

	samples, err := c.store.FeedbackSnapshot(ctx, category)
	if err != nil {
		metrics.CalibrationRuns.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to read feedback: %w", err)
	}

	var updated []*models.CalibrationProfile
	now := c.now()
	for _, cat := range categories {
		profile := ComputeProfile(cat, samples, c.opts, now)
		if profile.SampleSize == 0 {
			continue
		}
		if err := c.store.InsertProfile(ctx, profile); err != nil {
			metrics.CalibrationRuns.WithLabelValues("failed").Inc()
			return updated, fmt.Errorf("failed to store %s profile: %w", cat, err)
		}
		updated = append(updated, profile)
	}

	if len(updated) > 0 {
		current := *c.profiles.Load()
		next := make(registry, len(current)+len(updated))
		for k, v := range current {
			next[k] = v
		}
		for _, p := range updated {
			next[p.Category] = p
		}
		c.profiles.Store(&next)
	}

	metrics.CalibrationRuns.WithLabelValues("success").Inc()
	logger.Info("Calibration recomputed",
		zap.String("category", string(category)),
		zap.Int("samples", len(samples)),
		zap.Int("profiles", len(updated)),
	)
	return updated, nil
}

// Run recomputes every interval until ctx is done.
func (c *Calibrator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Recompute(ctx, ""); err != nil && ctx.Err() == nil {
				logger.Error("Scheduled calibration failed", zap.Error(err))
			}
		}
	}
}

func (c *Calibrator) Accuracy(ctx context.Context, orgID string) (*models.AccuracyStats, error) {
	stats, err := c.store.AccuracyStats(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute accuracy stats: %w", err)
	}
	return stats, nil
}
