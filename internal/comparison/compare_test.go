package comparison

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartscope/backend/internal/extraction"
	"github.com/smartscope/backend/internal/storage/models"
)

func quote(id string, fields map[string]any) *models.AnalysisResult {
	fs := make(models.Fields, len(fields))
	for name, v := range fields {
		fs[name] = models.Field{Value: v, Confidence: 0.9, Source: models.FieldSourceModel}
	}
	return &models.AnalysisResult{ID: id, SubjectID: "subject-" + id, Kind: models.KindQuote, Fields: fs}
}

func row(t *testing.T, c *Comparison, field string) Row {
	t.Helper()
	for _, r := range c.Rows {
		if r.Field == field {
			return r
		}
	}
	t.Fatalf("no row for %s", field)
	return Row{}
}

func TestCompare_PriceVersusSpeed(t *testing.T) {
	t.Parallel()

	a := quote("a", map[string]any{
		extraction.FieldTotalAmount:    2500.0,
		extraction.FieldTimelineDays:   2.0,
		extraction.FieldWarrantyMonths: 12.0,
		extraction.FieldInclusions:     []string{"Permits", "Cleanup", "Disposal"},
	})
	b := quote("b", map[string]any{
		extraction.FieldTotalAmount:  2200.0,
		extraction.FieldTimelineDays: 3.0,
		extraction.FieldInclusions:   []any{"permits", "Haul away old unit"},
	})

	c, err := Compare([]*models.AnalysisResult{a, b})
	require.NoError(t, err)

	assert.Equal(t, "b", c.Best[BestLowestPrice])
	assert.Equal(t, "a", c.Best[BestFastest])
	assert.Equal(t, "a", c.Best[BestLongestWarranty])
	assert.Equal(t, []string{BestFastest, BestLongestWarranty}, c.Quotes[0].BestFor)
	assert.Equal(t, []string{BestLowestPrice}, c.Quotes[1].BestFor)

	assert.Equal(t, []string{"Haul away old unit"}, c.Quotes[0].MissingItems)
	assert.Equal(t, []string{"Cleanup", "Disposal"}, c.Quotes[1].MissingItems)

	total := row(t, c, extraction.FieldTotalAmount)
	assert.True(t, total.Divergent)
	assert.False(t, total.Missing)
	assert.False(t, total.Cells[0].Best)
	assert.True(t, total.Cells[1].Best)

	warranty := row(t, c, extraction.FieldWarrantyMonths)
	assert.True(t, warranty.Missing)
	assert.False(t, warranty.Divergent)
	assert.False(t, warranty.Cells[1].Present)

	email := row(t, c, extraction.FieldContactEmail)
	assert.False(t, email.Missing, "absent everywhere is not missing")
	assert.Len(t, c.Rows, len(extraction.QuoteFieldNames))
}

func TestCompare_FirstSubmittedWinsTies(t *testing.T) {
	t.Parallel()

	a := quote("a", map[string]any{extraction.FieldTotalAmount: 1800.0, extraction.FieldTimelineDays: 5.0})
	b := quote("b", map[string]any{extraction.FieldTotalAmount: 1800.0, extraction.FieldTimelineDays: 4.0})
	c := quote("c", map[string]any{extraction.FieldTotalAmount: 1800.0, extraction.FieldTimelineDays: 4.0})

	got, err := Compare([]*models.AnalysisResult{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, "a", got.Best[BestLowestPrice])
	assert.Equal(t, "b", got.Best[BestFastest])
	assert.NotContains(t, got.Best, BestLongestWarranty)
	assert.False(t, row(t, got, extraction.FieldTotalAmount).Divergent)
}

func TestCompare_Divergence(t *testing.T) {
	t.Parallel()

	a := quote("a", map[string]any{
		extraction.FieldTotalAmount:  1000.0,
		extraction.FieldPaymentTerms: "Net 30",
		extraction.FieldExclusions:   []string{"Painting", "Permits"},
	})
	b := quote("b", map[string]any{
		extraction.FieldTotalAmount:  1003.0,
		extraction.FieldPaymentTerms: "net  30",
		extraction.FieldExclusions:   []any{"permits", "painting"},
	})

	got, err := Compare([]*models.AnalysisResult{a, b})
	require.NoError(t, err)
	assert.False(t, row(t, got, extraction.FieldTotalAmount).Divergent, "within tolerance")
	assert.False(t, row(t, got, extraction.FieldPaymentTerms).Divergent)
	assert.False(t, row(t, got, extraction.FieldExclusions).Divergent)

	b.Fields[extraction.FieldTotalAmount] = models.Field{Value: 1100.0, Source: models.FieldSourceModel}
	got, err = Compare([]*models.AnalysisResult{a, b})
	require.NoError(t, err)
	assert.True(t, row(t, got, extraction.FieldTotalAmount).Divergent)
}

func TestCompare_Deterministic(t *testing.T) {
	t.Parallel()

	quotes := []*models.AnalysisResult{
		quote("a", map[string]any{extraction.FieldTotalAmount: 900.0, extraction.FieldInclusions: []string{"x", "y"}}),
		quote("b", map[string]any{extraction.FieldTotalAmount: 950.0, extraction.FieldInclusions: []string{"z"}}),
	}
	first, err := Compare(quotes)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Compare(quotes)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCompare_Bounds(t *testing.T) {
	t.Parallel()

	_, err := Compare(nil)
	assert.ErrorIs(t, err, ErrNoQuotes)

	many := make([]*models.AnalysisResult, MaxQuotes+1)
	for i := range many {
		many[i] = quote(string(rune('a'+i)), nil)
	}
	_, err = Compare(many)
	assert.ErrorIs(t, err, ErrTooManyQuotes)

	single, err := Compare(many[:1])
	require.NoError(t, err)
	assert.Empty(t, single.Quotes[0].MissingItems)
}
