package standardize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartscope/backend/internal/extraction"
	"github.com/smartscope/backend/internal/storage/models"
)

func modelField(v any, conf float64) models.Field {
	return models.Field{Value: v, Confidence: conf, Source: models.FieldSourceModel}
}

func TestNormalizeSeverity(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"Emergency":           SeverityEmergency,
		"critical - act now":  SeverityEmergency,
		"HIGH":                SeverityHigh,
		"moderate":            SeverityMedium,
		"Minor cosmetic wear": SeverityLow,
	} {
		got, ok := NormalizeSeverity(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := NormalizeSeverity("unclear")
	assert.False(t, ok)
}

func TestVocabularyMatching(t *testing.T) {
	t.Parallel()

	v := DefaultVocabulary()

	got, ok := v.MatchScope(models.CategoryPlumbing, "Replace the P-trap")
	require.True(t, ok)
	assert.Equal(t, "Replace P-trap", got)

	got, ok = v.MatchScope(models.CategoryPlumbing, "shut off the water supply")
	require.True(t, ok)
	assert.Equal(t, "Shut off water supply to affected area", got)

	got, ok = v.MatchMaterial(models.CategoryPlumbing, "PVC pipes")
	require.True(t, ok)
	assert.Equal(t, "PVC pipe", got)

	_, ok = v.MatchScope(models.CategoryPlumbing, "Paint the mural")
	assert.False(t, ok)
	_, ok = v.MatchScope(models.CategoryElectrical, "Replace the P-trap")
	assert.False(t, ok, "vocabulary is per category")
}

func TestStandardize_ScopeMapsAndKeepsUnmapped(t *testing.T) {
	t.Parallel()

	m := NewMapper(nil)
	in := models.Fields{
		extraction.FieldPrimaryIssue: modelField("Leak under sink", 0.9),
		extraction.FieldSeverity:     modelField("urgent", 0.9),
		extraction.FieldScopeItems:   modelField([]string{"Replace the P-trap", "Paint the mural"}, 0.8),
		extraction.FieldMaterials:    modelField([]any{"PVC pipes", "P-trap"}, 0.8),
	}

	out := m.Standardize(models.KindScope, models.CategoryPlumbing, in)

	assert.Equal(t, SeverityEmergency, out[extraction.FieldSeverity].Value)
	assert.Equal(t, []string{"Replace P-trap", "Paint the mural"}, out[extraction.FieldScopeItems].Value)
	assert.Equal(t, []string{"Paint the mural"}, out[extraction.FieldScopeItems].Unmapped)
	assert.InDelta(t, 0.8*0.85, out[extraction.FieldScopeItems].Confidence, 1e-9)

	assert.Equal(t, []string{"PVC pipe", "P-trap"}, out[extraction.FieldMaterials].Value)
	assert.Empty(t, out[extraction.FieldMaterials].Unmapped)
	assert.Equal(t, 0.8, out[extraction.FieldMaterials].Confidence)

	assert.Equal(t, "urgent", in[extraction.FieldSeverity].Value, "input is not modified")
}

func TestStandardize_UnknownSeverity(t *testing.T) {
	t.Parallel()

	out := NewMapper(nil).Standardize(models.KindScope, models.CategoryHVAC, models.Fields{
		extraction.FieldSeverity: modelField("it depends", 0.8),
	})
	f := out[extraction.FieldSeverity]
	assert.Equal(t, "it depends", f.Value)
	assert.Equal(t, []string{"it depends"}, f.Unmapped)
	assert.InDelta(t, 0.48, f.Confidence, 1e-9)
	assert.True(t, f.HasFlag(FlagUnrecognizedValue))
}

func TestStandardize_HoursOutOfRange(t *testing.T) {
	t.Parallel()

	out := NewMapper(nil).Standardize(models.KindScope, models.CategoryHVAC, models.Fields{
		extraction.FieldEstimatedHours: modelField(900.0, 0.8),
	})
	assert.InDelta(t, 0.4, out[extraction.FieldEstimatedHours].Confidence, 1e-9)
	assert.True(t, out[extraction.FieldEstimatedHours].HasFlag(FlagOutOfRange))
}

func TestStandardize_QuoteCrossFieldChecks(t *testing.T) {
	t.Parallel()

	m := NewMapper(nil)

	t.Run("completion before start", func(t *testing.T) {
		out := m.Standardize(models.KindQuote, models.CategoryRoofing, models.Fields{
			extraction.FieldStartDate:      modelField("2025-03-10", 0.9),
			extraction.FieldCompletionDate: modelField("2025-03-05", 0.9),
		})
		for _, name := range []string{extraction.FieldStartDate, extraction.FieldCompletionDate} {
			assert.InDelta(t, 0.45, out[name].Confidence, 1e-9)
			assert.True(t, out[name].HasFlag(FlagInvalidDateOrder))
		}
	})

	t.Run("timeline agrees with span", func(t *testing.T) {
		out := m.Standardize(models.KindQuote, models.CategoryRoofing, models.Fields{
			extraction.FieldStartDate:      modelField("2025-03-01", 0.9),
			extraction.FieldCompletionDate: modelField("2025-03-05", 0.9),
			extraction.FieldTimelineDays:   modelField(4.0, 0.85),
		})
		assert.Equal(t, 0.85, out[extraction.FieldTimelineDays].Confidence)
		assert.Empty(t, out[extraction.FieldTimelineDays].Flags)
	})

	t.Run("timeline disagrees with span", func(t *testing.T) {
		out := m.Standardize(models.KindQuote, models.CategoryRoofing, models.Fields{
			extraction.FieldStartDate:      modelField("2025-03-01", 0.9),
			extraction.FieldCompletionDate: modelField("2025-03-05", 0.9),
			extraction.FieldTimelineDays:   modelField(20.0, 0.85),
		})
		assert.InDelta(t, 0.595, out[extraction.FieldTimelineDays].Confidence, 1e-9)
		assert.True(t, out[extraction.FieldTimelineDays].HasFlag(FlagTimelineMismatch))
		assert.Equal(t, 0.9, out[extraction.FieldStartDate].Confidence)
	})

	t.Run("cost parts exceed total", func(t *testing.T) {
		out := m.Standardize(models.KindQuote, models.CategoryRoofing, models.Fields{
			extraction.FieldTotalAmount:   modelField(1000.0, 0.95),
			extraction.FieldLaborCost:     modelField(800.0, 0.95),
			extraction.FieldMaterialsCost: modelField(500.0, 0.95),
		})
		for _, name := range []string{extraction.FieldTotalAmount, extraction.FieldLaborCost, extraction.FieldMaterialsCost} {
			assert.InDelta(t, 0.665, out[name].Confidence, 1e-9, name)
			assert.True(t, out[name].HasFlag(FlagCostExceedsTotal), name)
		}
	})

	t.Run("form fields are not penalized", func(t *testing.T) {
		out := m.Standardize(models.KindQuote, models.CategoryRoofing, models.Fields{
			extraction.FieldStartDate:      {Value: "2025-03-10", Confidence: 0.92, Source: models.FieldSourceForm},
			extraction.FieldCompletionDate: {Value: "2025-03-05", Confidence: 0.92, Source: models.FieldSourceForm},
		})
		assert.Equal(t, 0.92, out[extraction.FieldStartDate].Confidence)
	})
}
