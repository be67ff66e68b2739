package extraction

import (
	"math"
	"strconv"
	"strings"

	"github.com/smartscope/backend/internal/storage/models"
)

// Aliases the model uses in replies, mapped to canonical field names.
var scopeAliases = map[string][]string{
	FieldPrimaryIssue:           {"primary_issue", "issue", "problem", "summary"},
	FieldSeverity:               {"severity", "urgency", "priority"},
	FieldScopeItems:             {"scope_items", "scope", "tasks", "work_items"},
	FieldMaterials:              {"materials", "materials_needed", "parts"},
	FieldEstimatedHours:         {"estimated_hours", "hours", "labor_hours"},
	FieldSafetyNotes:            {"safety_notes", "safety", "safety_concerns"},
	FieldAdditionalObservations: {"additional_observations", "observations", "notes"},
}

var quoteAliases = map[string][]string{
	FieldTotalAmount:    {"total_amount", "total", "total_price", "total_cost", "grand_total"},
	FieldLaborCost:      {"labor_cost", "labour_cost", "labor"},
	FieldMaterialsCost:  {"materials_cost", "material_cost", "materials_total"},
	FieldTimelineDays:   {"timeline_days", "estimated_duration_days", "duration_days", "timeline", "duration"},
	FieldStartDate:      {"start_date", "can_start_date", "start"},
	FieldCompletionDate: {"completion_date", "end_date", "finish_date"},
	FieldWarrantyMonths: {"warranty_months", "warranty_period_months", "warranty"},
	FieldInclusions:     {"inclusions", "included", "includes"},
	FieldExclusions:     {"exclusions", "excluded", "excludes"},
	FieldPaymentTerms:   {"payment_terms", "payment"},
	FieldContactEmail:   {"contact_email", "email"},
	FieldContactPhone:   {"contact_phone", "phone"},
}

// ScopeFieldNames and QuoteFieldNames list the canonical schemas.
var (
	ScopeFieldNames = []string{FieldPrimaryIssue, FieldSeverity, FieldScopeItems, FieldMaterials, FieldEstimatedHours, FieldSafetyNotes, FieldAdditionalObservations}
	QuoteFieldNames = []string{FieldTotalAmount, FieldLaborCost, FieldMaterialsCost, FieldTimelineDays, FieldStartDate, FieldCompletionDate, FieldWarrantyMonths, FieldInclusions, FieldExclusions, FieldPaymentTerms, FieldContactEmail, FieldContactPhone}
)

// FlagConflictingSources marks a field where the model and pattern
// extraction disagreed.
const FlagConflictingSources = "conflicting_sources"

// ParseScope maps a model reply onto the scope schema. imageQuality is the
// mean quality of the images sent and only matters when the reply carries
// no confidence of its own.
func ParseScope(data map[string]any, imageQuality float64) models.Fields {
	fields := make(models.Fields)
	conf := newConfidenceLookup(data)

	var nestedMaterials, nestedSafety []string
	var nestedHours float64

	var items []string
	if v, ok := lookup(data, scopeAliases[FieldScopeItems]); ok {
		for _, raw := range asList(v) {
			item, ok := raw.(map[string]any)
			if !ok {
				if s := strings.TrimSpace(asText(raw)); s != "" {
					items = append(items, s)
				}
				continue
			}
			if title := firstText(item, "title", "description", "name", "task"); title != "" {
				items = append(items, title)
			}
			for _, m := range asList(item["materials"]) {
				if name := itemName(m); name != "" {
					nestedMaterials = append(nestedMaterials, name)
				}
			}
			nestedSafety = append(nestedSafety, textList(item["safety_notes"])...)
			if h, ok := asNumber(item["estimated_hours"]); ok {
				nestedHours += h
			}
		}
	}

	fallback := 0.6 + 0.3*clamp01(imageQuality)
	if len(items) >= 3 {
		fallback += 0.05
	}
	conf.fallback = math.Min(fallback, 0.95)

	if len(items) > 0 {
		fields[FieldScopeItems] = modelField(items, conf.of(FieldScopeItems))
	}

	if v, ok := lookup(data, scopeAliases[FieldPrimaryIssue]); ok {
		if s := strings.TrimSpace(asText(v)); s != "" {
			fields[FieldPrimaryIssue] = modelField(s, conf.of(FieldPrimaryIssue))
		}
	}
	if v, ok := lookup(data, scopeAliases[FieldSeverity]); ok {
		if s := strings.TrimSpace(asText(v)); s != "" {
			fields[FieldSeverity] = modelField(s, conf.of(FieldSeverity))
		}
	}

	materials := nestedMaterials
	if v, ok := lookup(data, scopeAliases[FieldMaterials]); ok {
		materials = nil
		for _, m := range asList(v) {
			if name := itemName(m); name != "" {
				materials = append(materials, name)
			}
		}
	}
	if materials = dedupe(materials); len(materials) > 0 {
		fields[FieldMaterials] = modelField(materials, conf.of(FieldMaterials))
	}

	if v, ok := lookup(data, scopeAliases[FieldEstimatedHours]); ok {
		if h, ok := asNumber(v); ok {
			fields[FieldEstimatedHours] = modelField(h, conf.of(FieldEstimatedHours))
		}
	} else if nestedHours > 0 {
		fields[FieldEstimatedHours] = modelField(nestedHours, conf.of(FieldEstimatedHours)*0.9)
	}

	safety := nestedSafety
	if v, ok := lookup(data, scopeAliases[FieldSafetyNotes]); ok {
		safety = textList(v)
	}
	if safety = dedupe(safety); len(safety) > 0 {
		fields[FieldSafetyNotes] = modelField(strings.Join(safety, "; "), conf.of(FieldSafetyNotes))
	}

	if v, ok := lookup(data, scopeAliases[FieldAdditionalObservations]); ok {
		if obs := dedupe(textList(v)); len(obs) > 0 {
			fields[FieldAdditionalObservations] = modelField(obs, conf.of(FieldAdditionalObservations))
		}
	}

	return fields
}

// ParseQuote maps a model reply onto the quote schema and reconciles it with
// pattern matches from the quote text. data may be nil when only the text
// is available.
func ParseQuote(data map[string]any, text string) models.Fields {
	fields := make(models.Fields)
	conf := newConfidenceLookup(data)
	conf.fallback = 0.7

	fromModel := make(map[string]any)
	for _, name := range QuoteFieldNames {
		v, ok := lookup(data, quoteAliases[name])
		if !ok {
			continue
		}
		if value, ok := coerceQuoteValue(name, v); ok {
			fromModel[name] = value
		}
	}

	patterns := ExtractPatterns(text)

	for _, name := range QuoteFieldNames {
		mv, hasModel := fromModel[name]
		pm, hasPattern := patterns[name]
		switch {
		case hasModel && hasPattern:
			mc := conf.of(name)
			if agree(mv, pm.Value) {
				fields[name] = modelField(mv, math.Min(1, math.Max(mc, pm.Confidence)+0.05))
				continue
			}
			// Text evidence beats the model when it is at least as sure.
			value, c := mv, mc
			if pm.Confidence >= mc {
				value, c = pm.Value, pm.Confidence
			}
			f := modelField(value, math.Max(0, c-0.15))
			f.AddFlag(FlagConflictingSources)
			fields[name] = f
		case hasModel:
			fields[name] = modelField(mv, conf.of(name))
		case hasPattern:
			fields[name] = modelField(pm.Value, pm.Confidence)
		}
	}
	return fields
}

func coerceQuoteValue(name string, v any) (any, bool) {
	switch name {
	case FieldTotalAmount, FieldLaborCost, FieldMaterialsCost:
		if n, ok := v.(float64); ok {
			return n, n >= 0
		}
		return ParseAmount(asText(v))
	case FieldTimelineDays:
		if n, ok := asNumber(v); ok {
			return n, n >= 0
		}
		return ParseDuration(asText(v))
	case FieldWarrantyMonths:
		if n, ok := asNumber(v); ok {
			return n, n >= 0
		}
		return ParseWarrantyMonths(asText(v))
	case FieldStartDate, FieldCompletionDate:
		d, ok := ParseDate(asText(v))
		if !ok {
			return nil, false
		}
		return d.Format(DateLayout), true
	case FieldInclusions, FieldExclusions:
		items := dedupe(textList(v))
		return items, len(items) > 0
	case FieldContactEmail:
		s := strings.ToLower(strings.TrimSpace(asText(v)))
		return s, s != ""
	case FieldContactPhone:
		s := strings.TrimSpace(asText(v))
		return normalizePhone(s), s != ""
	default:
		s := strings.TrimSpace(asText(v))
		return s, s != ""
	}
}

func agree(a, b any) bool {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return false
		}
		if av == bv {
			return true
		}
		return math.Abs(av-bv) <= 0.005*math.Max(math.Abs(av), math.Abs(bv))
	case string:
		bv, ok := b.(string)
		return ok && strings.EqualFold(strings.TrimSpace(av), strings.TrimSpace(bv))
	case []string:
		bv, ok := b.([]string)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !strings.EqualFold(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// confidenceLookup resolves per-field confidence from a reply carrying an
// optional per-field map and an optional overall score.
type confidenceLookup struct {
	perField map[string]float64
	overall  float64
	hasAll   bool
	fallback float64
}

func newConfidenceLookup(data map[string]any) *confidenceLookup {
	c := &confidenceLookup{perField: make(map[string]float64), fallback: 0.7}
	for _, key := range []string{"field_confidence", "confidence_by_field", "confidence"} {
		if m, ok := data[key].(map[string]any); ok {
			for name, v := range m {
				if n, ok := asNumber(v); ok {
					c.perField[canonicalName(name)] = normalizeScore(n)
				}
			}
			break
		}
	}
	for _, key := range []string{"confidence", "confidence_score", "overall_confidence"} {
		if n, ok := asNumber(data[key]); ok {
			c.overall = normalizeScore(n)
			c.hasAll = true
			break
		}
	}
	return c
}

func (c *confidenceLookup) of(field string) float64 {
	if v, ok := c.perField[field]; ok {
		return v
	}
	if c.hasAll {
		return c.overall
	}
	return c.fallback
}

func canonicalName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, aliases := range []map[string][]string{scopeAliases, quoteAliases} {
		for canonical, list := range aliases {
			for _, a := range list {
				if a == name {
					return canonical
				}
			}
		}
	}
	return name
}

// normalizeScore accepts both 0-1 and 0-100 scales.
func normalizeScore(n float64) float64 {
	if n > 1 {
		n /= 100
	}
	return clamp01(n)
}

func modelField(v any, confidence float64) models.Field {
	return models.Field{Value: v, Confidence: clamp01(confidence), Source: models.FieldSourceModel}
}

func lookup(data map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := data[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func asList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case nil:
		return nil
	default:
		return []any{t}
	}
}

func textList(v any) []string {
	if s, ok := v.(string); ok {
		return splitList(s)
	}
	var out []string
	for _, item := range asList(v) {
		if s := strings.TrimSpace(itemName(item)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// itemName reads a list entry that is either a string or an object with a
// name-like key.
func itemName(v any) string {
	if m, ok := v.(map[string]any); ok {
		return firstText(m, "name", "title", "item", "description")
	}
	return strings.TrimSpace(asText(v))
}

func firstText(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(asText(m[k])); s != "" {
			return s
		}
	}
	return ""
}

func asText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// asNumber accepts JSON numbers and numeric strings. Non-finite values such
// as "Infinity" or "NaN" are rejected since they cannot be stored as JSON.
func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, isFinite(t)
	case int:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || !isFinite(n) {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func isFinite(v float64) bool {
	return !math.IsInf(v, 0) && !math.IsNaN(v)
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0:0]
	for _, item := range items {
		key := strings.ToLower(strings.TrimSpace(item))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(item))
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
