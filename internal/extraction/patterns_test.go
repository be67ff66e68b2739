package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleQuote = `ACME Plumbing Quote
Labor: $1,200.00
Materials: $800
Total: $2,500.00
Start date: 2025-03-01
Completion date: March 5, 2025
Estimated duration: 3-4 days
12 month warranty on all work
Payment terms: 50% deposit, balance due on completion
Contact: Jobs@acme-plumbing.com or (555) 123-4567
Includes:
- Remove old water heater
- Install new 50 gallon unit
Not included: drywall repair, permits`

func TestExtractPatterns_FullQuote(t *testing.T) {
	t.Parallel()

	m := ExtractPatterns(sampleQuote)

	assert.Equal(t, 2500.0, m[FieldTotalAmount].Value)
	assert.Equal(t, 0.95, m[FieldTotalAmount].Confidence)
	assert.Equal(t, 1200.0, m[FieldLaborCost].Value)
	assert.Equal(t, 800.0, m[FieldMaterialsCost].Value)

	assert.Equal(t, "2025-03-01", m[FieldStartDate].Value)
	assert.Equal(t, "2025-03-05", m[FieldCompletionDate].Value)
	assert.Equal(t, 0.9, m[FieldCompletionDate].Confidence)

	assert.Equal(t, 4.0, m[FieldTimelineDays].Value)
	assert.Equal(t, 0.85, m[FieldTimelineDays].Confidence)

	assert.Equal(t, 12.0, m[FieldWarrantyMonths].Value)
	assert.Equal(t, "50% deposit, balance due on completion", m[FieldPaymentTerms].Value)
	assert.Equal(t, "jobs@acme-plumbing.com", m[FieldContactEmail].Value)
	assert.Equal(t, "(555) 123-4567", m[FieldContactPhone].Value)

	assert.Equal(t, []string{"Remove old water heater", "Install new 50 gallon unit"}, m[FieldInclusions].Value)
	assert.Equal(t, []string{"drywall repair", "permits"}, m[FieldExclusions].Value)
}

func TestExtractPatterns_CurrencyConfidence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		text  string
		value float64
		conf  float64
	}{
		{name: "labelled with symbol", text: "Grand total: $3,150.50", value: 3150.50, conf: 0.95},
		{name: "labelled without symbol", text: "Total 2500", value: 2500, conf: 0.8},
		{name: "unlabelled picks largest", text: "We can do it for $1,800 or $2,100 with upgrades.", value: 2100, conf: 0.5},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, ok := ExtractPatterns(tt.text)[FieldTotalAmount]
			require.True(t, ok)
			assert.Equal(t, tt.value, m.Value)
			assert.Equal(t, tt.conf, m.Confidence)
		})
	}
}

func TestExtractPatterns_LaborDurationIsNotMoney(t *testing.T) {
	t.Parallel()

	m := ExtractPatterns("Labor: 3 days on site")
	_, hasLabor := m[FieldLaborCost]
	assert.False(t, hasLabor)
	assert.Equal(t, 3.0, m[FieldTimelineDays].Value)
	assert.Equal(t, 0.6, m[FieldTimelineDays].Confidence)
}

func TestExtractPatterns_WarrantyYearsAndWeeks(t *testing.T) {
	t.Parallel()

	m := ExtractPatterns("Warranty: 2 years parts and labor.\nTimeline: 2 weeks")
	assert.Equal(t, 24.0, m[FieldWarrantyMonths].Value)
	assert.Equal(t, 14.0, m[FieldTimelineDays].Value)
}

func TestParseHelpers(t *testing.T) {
	t.Parallel()

	v, ok := ParseAmount("USD 1,000")
	assert.True(t, ok)
	assert.Equal(t, 1000.0, v)

	_, ok = ParseAmount("n/a")
	assert.False(t, ok)

	for _, s := range []string{"Infinity", "$NaN", "USD inf", "1e400"} {
		_, ok = ParseAmount(s)
		assert.False(t, ok, s)
	}

	d, ok := ParseDate("3 Jan 2025")
	require.True(t, ok)
	assert.Equal(t, "2025-01-03", d.Format(DateLayout))

	days, ok := ParseDuration("about 2 months")
	assert.True(t, ok)
	assert.Equal(t, 60.0, days)

	months, ok := ParseWarrantyMonths("1 year")
	assert.True(t, ok)
	assert.Equal(t, 12.0, months)
}
