// Package calibration learns per-field confidence corrections from human
// feedback and applies them to fresh model output.
package calibration

import (
	"math"
	"sort"
	"time"

	"github.com/smartscope/backend/internal/storage/models"
)

// CorrectRating is the lowest rating at which an uncorrected field counts
// as correct.
const CorrectRating = 4

type Options struct {
	// MinSamples is the number of observations a band needs before its
	// adjustment is non-zero.
	MinSamples int
	// Shrinkage is k in n/(n+k); larger values trust small samples less.
	Shrinkage float64
	// MaxAdjustment bounds the magnitude of any single adjustment.
	MaxAdjustment float64
}

func DefaultOptions() Options {
	return Options{MinSamples: 10, Shrinkage: 20, MaxAdjustment: 0.3}
}

type bandStats struct {
	n       int
	correct int
	confSum float64
}

// ComputeProfile derives a profile for category from a feedback snapshot.
// Samples of other categories are ignored. The returned profile carries no
// version; the store assigns one.
func ComputeProfile(category models.Category, samples []models.FeedbackSample, opts Options, now time.Time) *models.CalibrationProfile {
	stats := make(map[string]map[models.Band]*bandStats)
	size := 0

	for _, s := range samples {
		if s.Category != category {
			continue
		}
		size++
		for name, f := range s.Fields {
			if f.Source != models.FieldSourceModel || f.Value == nil {
				continue
			}
			// Bin on the uncalibrated value so each round measures the
			// model itself rather than the previous round's correction.
			conf := f.Uncalibrated()
			band := models.BandFor(conf)
			if stats[name] == nil {
				stats[name] = make(map[models.Band]*bandStats)
			}
			st := stats[name][band]
			if st == nil {
				st = &bandStats{}
				stats[name][band] = st
			}
			st.n++
			st.confSum += conf
			if _, corrected := s.FieldCorrections[name]; !corrected && s.Rating >= CorrectRating {
				st.correct++
			}
		}
	}

	profile := &models.CalibrationProfile{
		Category:   category,
		ComputedAt: now.UTC(),
		SampleSize: size,
		Fields:     make(map[string]models.FieldCurve, len(stats)),
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		curve := make(models.FieldCurve, len(stats[name]))
		for band, st := range stats[name] {
			n := float64(st.n)
			accuracy := float64(st.correct) / n
			mean := st.confSum / n
			adj := 0.0
			if st.n >= opts.MinSamples {
				adj = (accuracy - mean) * n / (n + opts.Shrinkage)
				if opts.MaxAdjustment > 0 {
					adj = math.Max(-opts.MaxAdjustment, math.Min(opts.MaxAdjustment, adj))
				}
			}
			curve[band] = models.BandAdjustment{
				Adjustment:     round4(adj),
				Samples:        st.n,
				Accuracy:       round4(accuracy),
				MeanConfidence: round4(mean),
			}
		}
		profile.Fields[name] = curve
	}
	return profile
}

// Apply returns a copy of fields with the profile's adjustments added to
// every model-sourced confidence. A nil profile leaves values unchanged.
func Apply(profile *models.CalibrationProfile, fields models.Fields) models.Fields {
	out := fields.Clone()
	if profile == nil {
		return out
	}
	for name, f := range out {
		if f.Source != models.FieldSourceModel {
			continue
		}
		raw := f.Uncalibrated()
		if adj := profile.Adjustment(name, raw); adj != 0 {
			f.RawConfidence = &raw
			f.Confidence = round4(math.Max(0, math.Min(1, raw+adj)))
			out[name] = f
		}
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
