// Package standardize maps extracted fields onto controlled vocabularies,
// applies cross-field consistency checks and computes record confidence.
package standardize

import (
	"math"
	"strings"
	"time"

	"github.com/smartscope/backend/internal/extraction"
	"github.com/smartscope/backend/internal/storage/models"
)

// Flags attached to fields by consistency checks.
const (
	FlagInvalidDateOrder  = "invalid_date_order"
	FlagTimelineMismatch  = "timeline_mismatch"
	FlagCostExceedsTotal  = "cost_sum_exceeds_total"
	FlagOutOfRange        = "out_of_range"
	FlagUnrecognizedValue = "unrecognized_value"
)

// unmappedConfidenceRate scales the confidence share of items that matched
// no vocabulary term.
const unmappedConfidenceRate = 0.7

// Severity levels.
const (
	SeverityEmergency = "Emergency"
	SeverityHigh      = "High"
	SeverityMedium    = "Medium"
	SeverityLow       = "Low"
)

var severitySynonyms = map[string]string{
	"emergency": SeverityEmergency, "critical": SeverityEmergency, "urgent": SeverityEmergency,
	"immediate": SeverityEmergency, "severe": SeverityEmergency,
	"high": SeverityHigh, "major": SeverityHigh, "serious": SeverityHigh, "significant": SeverityHigh,
	"medium": SeverityMedium, "moderate": SeverityMedium, "normal": SeverityMedium, "average": SeverityMedium,
	"low": SeverityLow, "minor": SeverityLow, "cosmetic": SeverityLow, "trivial": SeverityLow,
}

// NormalizeSeverity maps a free-text severity onto the four levels.
func NormalizeSeverity(s string) (string, bool) {
	for _, word := range strings.Fields(strings.ToLower(s)) {
		if level, ok := severitySynonyms[strings.Trim(word, ".,:;!()")]; ok {
			return level, true
		}
	}
	return "", false
}

type Mapper struct {
	vocab *Vocabulary
}

func NewMapper(vocab *Vocabulary) *Mapper {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	return &Mapper{vocab: vocab}
}

// Standardize returns a copy of fields with list items mapped onto the
// category vocabulary and consistency checks applied. Fields not sourced
// from the model are left as they are.
func (m *Mapper) Standardize(kind models.ResultKind, category models.Category, fields models.Fields) models.Fields {
	out := fields.Clone()
	if kind == models.KindQuote {
		checkQuote(out)
		return out
	}

	if f, ok := out[extraction.FieldSeverity]; ok && f.Source == models.FieldSourceModel {
		raw, _ := f.Text()
		if level, ok := NormalizeSeverity(raw); ok {
			f.Value = level
		} else {
			f.Unmapped = []string{raw}
			f.Confidence *= 0.6
			f.AddFlag(FlagUnrecognizedValue)
		}
		out[extraction.FieldSeverity] = f
	}
	m.mapList(out, extraction.FieldScopeItems, func(item string) (string, bool) {
		return m.vocab.MatchScope(category, item)
	})
	m.mapList(out, extraction.FieldMaterials, func(item string) (string, bool) {
		return m.vocab.MatchMaterial(category, item)
	})
	checkScope(out)
	return out
}

func (m *Mapper) mapList(fields models.Fields, name string, match func(string) (string, bool)) {
	f, ok := fields[name]
	if !ok || f.Source != models.FieldSourceModel {
		return
	}
	items := f.Strings()
	if len(items) == 0 {
		return
	}

	mapped := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	var unmapped []string
	for _, item := range items {
		value := item
		if canonical, ok := match(item); ok {
			value = canonical
		} else {
			unmapped = append(unmapped, item)
		}
		if key := strings.ToLower(value); !seen[key] {
			seen[key] = true
			mapped = append(mapped, value)
		}
	}

	f.Value = mapped
	f.Unmapped = unmapped
	if len(unmapped) > 0 {
		share := float64(len(unmapped)) / float64(len(items))
		f.Confidence *= 1 - (1-unmappedConfidenceRate)*share
	}
	fields[name] = f
}

func checkScope(fields models.Fields) {
	penalizeOutOfRange(fields, extraction.FieldEstimatedHours, 0, 500, true)
}

func checkQuote(fields models.Fields) {
	start, hasStart := dateField(fields, extraction.FieldStartDate)
	end, hasEnd := dateField(fields, extraction.FieldCompletionDate)
	if hasStart && hasEnd {
		if end.Before(start) {
			reduce(fields, extraction.FieldStartDate, 0.5, FlagInvalidDateOrder)
			reduce(fields, extraction.FieldCompletionDate, 0.5, FlagInvalidDateOrder)
		} else if days, ok := fields[extraction.FieldTimelineDays].Float(); ok {
			span := end.Sub(start).Hours() / 24
			// Business-day timelines run shorter than the calendar span.
			if days > span+1 || days < math.Floor(span*0.6) {
				reduce(fields, extraction.FieldTimelineDays, 0.7, FlagTimelineMismatch)
			}
		}
	}

	total, hasTotal := fields[extraction.FieldTotalAmount].Float()
	labor, hasLabor := fields[extraction.FieldLaborCost].Float()
	materials, hasMaterials := fields[extraction.FieldMaterialsCost].Float()
	if hasTotal && (hasLabor || hasMaterials) && labor+materials > total*1.01 {
		for _, name := range []string{extraction.FieldTotalAmount, extraction.FieldLaborCost, extraction.FieldMaterialsCost} {
			reduce(fields, name, 0.7, FlagCostExceedsTotal)
		}
	}

	penalizeOutOfRange(fields, extraction.FieldTotalAmount, 0, 10_000_000, true)
	penalizeOutOfRange(fields, extraction.FieldTimelineDays, 0, 365, false)
	penalizeOutOfRange(fields, extraction.FieldWarrantyMonths, 0, 120, false)
}

// penalizeOutOfRange halves a numeric field outside [lo, hi]. With
// exclusiveLow, lo itself is out of range too.
func penalizeOutOfRange(fields models.Fields, name string, lo, hi float64, exclusiveLow bool) {
	v, ok := fields[name].Float()
	if !ok {
		return
	}
	if v > hi || v < lo || (exclusiveLow && v == lo) {
		reduce(fields, name, 0.5, FlagOutOfRange)
	}
}

func reduce(fields models.Fields, name string, factor float64, flag string) {
	f, ok := fields[name]
	if !ok || f.Source != models.FieldSourceModel {
		return
	}
	f.Confidence *= factor
	f.AddFlag(flag)
	fields[name] = f
}

func dateField(fields models.Fields, name string) (time.Time, bool) {
	s, ok := fields[name].Text()
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(extraction.DateLayout, s)
	return t, err == nil
}
