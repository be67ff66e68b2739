package extraction

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartscope/backend/internal/storage/models"
)

func mustObject(t *testing.T, raw string) map[string]any {
	t.Helper()
	obj, err := ExtractJSONObject(raw)
	require.NoError(t, err)
	return obj
}

func TestParseScope_ObjectItems(t *testing.T) {
	t.Parallel()

	data := mustObject(t, `{
		"primary_issue": "Leaking pipe under sink",
		"severity": "High",
		"scope_items": [
			{"title": "Replace P-trap", "materials": [{"name": "PVC P-trap", "quantity": "1"}], "estimated_hours": 1.5, "safety_notes": ["Shut off water"]},
			{"title": "Inspect supply lines", "estimated_hours": 0.5}
		],
		"confidence": 0.8
	}`)

	fields := ParseScope(data, 0.9)

	assert.Equal(t, "Leaking pipe under sink", fields[FieldPrimaryIssue].Value)
	assert.Equal(t, []string{"Replace P-trap", "Inspect supply lines"}, fields[FieldScopeItems].Strings())
	assert.Equal(t, 0.8, fields[FieldScopeItems].Confidence)
	assert.Equal(t, []string{"PVC P-trap"}, fields[FieldMaterials].Strings())
	assert.Equal(t, "Shut off water", fields[FieldSafetyNotes].Value)

	hours, ok := fields[FieldEstimatedHours].Float()
	require.True(t, ok)
	assert.Equal(t, 2.0, hours)
	assert.InDelta(t, 0.72, fields[FieldEstimatedHours].Confidence, 1e-9)

	for _, f := range fields {
		assert.Equal(t, models.FieldSourceModel, f.Source)
	}
}

func TestParseScope_PerFieldConfidence(t *testing.T) {
	t.Parallel()

	data := mustObject(t, `{"issue": "Cracked tile", "severity": "low", "scope": ["Replace tile"],
		"field_confidence": {"primary_issue": 90, "scope_items": 0.6}}`)

	fields := ParseScope(data, 0.5)
	assert.Equal(t, 0.9, fields[FieldPrimaryIssue].Confidence)
	assert.Equal(t, 0.6, fields[FieldScopeItems].Confidence)
	// No overall score: falls back to image quality.
	assert.InDelta(t, 0.75, fields[FieldSeverity].Confidence, 1e-9)
}

func TestParseScope_FallbackConfidenceFromImageQuality(t *testing.T) {
	t.Parallel()

	data := mustObject(t, `{"primary_issue": "x", "severity": "Medium", "scope_items": ["a", "b", "c"]}`)
	fields := ParseScope(data, 1.0)
	assert.InDelta(t, 0.95, fields[FieldPrimaryIssue].Confidence, 1e-9)
}

func TestParseQuote_AgreementBoostsConfidence(t *testing.T) {
	t.Parallel()

	data := mustObject(t, `{"total_amount": 2500, "confidence": 0.8}`)
	fields := ParseQuote(data, "Total: $2,500.00")

	assert.Equal(t, 2500.0, fields[FieldTotalAmount].Value)
	assert.InDelta(t, 1.0, fields[FieldTotalAmount].Confidence, 1e-9)
	assert.Empty(t, fields[FieldTotalAmount].Flags)
}

func TestParseQuote_ConflictPrefersTextEvidence(t *testing.T) {
	t.Parallel()

	data := mustObject(t, `{"total_amount": "$3,000", "confidence": 0.8}`)
	fields := ParseQuote(data, "Total: $2,500.00")

	f := fields[FieldTotalAmount]
	assert.Equal(t, 2500.0, f.Value)
	assert.InDelta(t, 0.80, f.Confidence, 1e-9)
	assert.True(t, f.HasFlag(FlagConflictingSources))
}

func TestParseQuote_ModelValuesAreCoerced(t *testing.T) {
	t.Parallel()

	data := mustObject(t, `{"total": "1,950", "warranty": "1 year", "timeline": "2 weeks",
		"start_date": "March 3, 2025", "included": "haul away, cleanup", "email": "Bob@Example.com"}`)
	fields := ParseQuote(data, "")

	assert.Equal(t, 1950.0, fields[FieldTotalAmount].Value)
	assert.Equal(t, 12.0, fields[FieldWarrantyMonths].Value)
	assert.Equal(t, 14.0, fields[FieldTimelineDays].Value)
	assert.Equal(t, "2025-03-03", fields[FieldStartDate].Value)
	assert.Equal(t, []string{"haul away", "cleanup"}, fields[FieldInclusions].Value)
	assert.Equal(t, "bob@example.com", fields[FieldContactEmail].Value)
	assert.Equal(t, 0.7, fields[FieldTotalAmount].Confidence)
}

func TestParseQuote_TextOnly(t *testing.T) {
	t.Parallel()

	fields := ParseQuote(nil, sampleQuote)
	assert.Equal(t, 2500.0, fields[FieldTotalAmount].Value)
	assert.Equal(t, 0.95, fields[FieldTotalAmount].Confidence)
	assert.Len(t, fields, len(QuoteFieldNames))
}

func TestParseScope_NonFiniteNumbersAreDropped(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"Infinity", "-Infinity", "NaN", "1e400"} {
		data := mustObject(t, `{"primary_issue": "Loose railing", "estimated_hours": "`+raw+`",
			"scope_items": [{"title": "Re-anchor posts", "estimated_hours": "`+raw+`"}]}`)
		fields := ParseScope(data, 0.9)

		_, ok := fields[FieldEstimatedHours]
		assert.False(t, ok, raw)
		assert.Equal(t, "Loose railing", fields[FieldPrimaryIssue].Value, raw)
	}
}

func TestParseQuote_NonFiniteModelValuesFallBackToText(t *testing.T) {
	t.Parallel()

	data := mustObject(t, `{"total_amount": "Infinity", "labor_cost": "NaN", "timeline_days": "Infinity", "warranty_months": "1e400"}`)
	fields := ParseQuote(data, "Total: $2,500.00")

	assert.Equal(t, 2500.0, fields[FieldTotalAmount].Value)
	for name, f := range fields {
		if n, ok := f.Value.(float64); ok {
			assert.False(t, math.IsInf(n, 0) || math.IsNaN(n), name)
		}
	}
}
