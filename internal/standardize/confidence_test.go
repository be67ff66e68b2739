package standardize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/smartscope/backend/internal/extraction"
	"github.com/smartscope/backend/internal/storage/models"
)

func TestOverallConfidence_WeightedMean(t *testing.T) {
	t.Parallel()

	fields := models.Fields{
		extraction.FieldPrimaryIssue: modelField("Leak", 0.9),
		extraction.FieldSeverity:     modelField("High", 0.9),
		extraction.FieldScopeItems:   modelField([]string{"Replace P-trap"}, 0.6),
		extraction.FieldMaterials:    modelField([]string{"P-trap"}, 0.3),
	}
	// (2*0.9 + 2*0.9 + 2*0.6 + 1*0.3) / 7
	assert.InDelta(t, 0.7286, OverallConfidence(models.KindScope, fields), 1e-4)
}

func TestOverallConfidence_MissingRequiredCaps(t *testing.T) {
	t.Parallel()

	fields := models.Fields{
		extraction.FieldPrimaryIssue: modelField("Leak", 0.99),
		extraction.FieldSeverity:     modelField("High", 0.99),
		extraction.FieldScopeItems:   modelField([]string{}, 0.99),
	}
	assert.Equal(t, MissingRequiredCap, OverallConfidence(models.KindScope, fields), "empty list counts as missing")

	quote := models.Fields{extraction.FieldLaborCost: modelField(500.0, 0.95)}
	assert.Equal(t, MissingRequiredCap, OverallConfidence(models.KindQuote, quote))

	low := models.Fields{extraction.FieldTotalAmount: modelField(nil, 0.9), extraction.FieldLaborCost: modelField(500.0, 0.2)}
	assert.Equal(t, 0.2, OverallConfidence(models.KindQuote, low), "cap never raises a score")
}

func TestOverallConfidence_Idempotent(t *testing.T) {
	t.Parallel()

	fields := models.Fields{
		extraction.FieldTotalAmount:    modelField(2500.0, 0.95),
		extraction.FieldTimelineDays:   modelField(2.0, 0.6),
		extraction.FieldWarrantyMonths: modelField(12.0, 0.9),
	}
	first := OverallConfidence(models.KindQuote, fields)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, OverallConfidence(models.KindQuote, fields.Clone()))
	}
	assert.Equal(t, models.ResultCompleted, models.StatusFor(first))
}

func TestOverallConfidence_Empty(t *testing.T) {
	t.Parallel()

	assert.Zero(t, OverallConfidence(models.KindQuote, models.Fields{}))
}
