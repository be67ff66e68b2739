package standardize

import (
	"math"
	"sort"

	"github.com/smartscope/backend/internal/extraction"
	"github.com/smartscope/backend/internal/storage/models"
)

// MissingRequiredCap bounds the overall confidence of a record that lacks a
// required field.
const MissingRequiredCap = 0.5

var requiredFields = map[models.ResultKind]map[string]bool{
	models.KindScope: {
		extraction.FieldPrimaryIssue: true,
		extraction.FieldSeverity:     true,
		extraction.FieldScopeItems:   true,
	},
	models.KindQuote: {
		extraction.FieldTotalAmount: true,
	},
}

// Required reports whether name is required for kind.
func Required(kind models.ResultKind, name string) bool {
	return requiredFields[kind][name]
}

// OverallConfidence is the weighted mean of present field confidences,
// required fields counting double. A missing required field caps the result
// at MissingRequiredCap. The value depends only on fields.
func OverallConfidence(kind models.ResultKind, fields models.Fields) float64 {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var sum, weights float64
	for _, name := range names {
		f := fields[name]
		if !present(f) {
			continue
		}
		w := 1.0
		if Required(kind, name) {
			w = 2
		}
		sum += w * clamp01(f.Confidence)
		weights += w
	}

	score := 0.0
	if weights > 0 {
		score = sum / weights
	}
	for name := range requiredFields[kind] {
		if f, ok := fields[name]; !ok || !present(f) {
			score = math.Min(score, MissingRequiredCap)
			break
		}
	}
	return math.Round(score*1e4) / 1e4
}

func present(f models.Field) bool {
	switch v := f.Value.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case []string:
		return len(v) > 0
	case []any:
		return len(v) > 0
	default:
		return true
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
