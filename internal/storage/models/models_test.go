package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBandFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		conf float64
		want Band
	}{
		{1.0, BandHigh},
		{0.90, BandHigh},
		{0.8999, BandMedium},
		{0.70, BandMedium},
		{0.6999, BandLow},
		{0, BandLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BandFor(tt.conf), "confidence %v", tt.conf)
	}

	assert.Equal(t, ResultNeedsReview, StatusFor(0.5))
	assert.Equal(t, ResultCompleted, StatusFor(0.75))
}

func TestParseCategory(t *testing.T) {
	t.Parallel()

	c, ok := ParseCategory("general_maintenance")
	assert.True(t, ok)
	assert.Equal(t, CategoryGeneralMaintenance, c)

	c, ok = ParseCategory(" hvac ")
	assert.True(t, ok)
	assert.Equal(t, CategoryHVAC, c)

	_, ok = ParseCategory("landscaping")
	assert.False(t, ok)
}

func TestFieldsCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := Fields{"scope_items": {Value: []string{"a"}, Confidence: 0.8, Flags: []string{"x"}, Unmapped: []string{"a"}}}
	cp := orig.Clone()

	f := cp["scope_items"]
	f.AddFlag("y")
	f.Unmapped[0] = "changed"
	cp["scope_items"] = f

	assert.Equal(t, []string{"x"}, orig["scope_items"].Flags)
	assert.Equal(t, []string{"a"}, orig["scope_items"].Unmapped)
	assert.True(t, cp["scope_items"].HasFlag("y"))
}

func TestProfileAdjustment(t *testing.T) {
	t.Parallel()

	var nilProfile *CalibrationProfile
	assert.Zero(t, nilProfile.Adjustment("severity", 0.95))

	p := &CalibrationProfile{Fields: map[string]FieldCurve{
		"severity": {BandHigh: {Adjustment: -0.1}, BandLow: {Adjustment: 0.05}},
	}}
	assert.InDelta(t, -0.1, p.Adjustment("severity", 0.95), 1e-9)
	assert.InDelta(t, 0.05, p.Adjustment("severity", 0.4), 1e-9)
	assert.Zero(t, p.Adjustment("severity", 0.8))
	assert.Zero(t, p.Adjustment("primary_issue", 0.95))
}

func TestFieldAccessors(t *testing.T) {
	t.Parallel()

	n, ok := Field{Value: 12}.Float()
	assert.True(t, ok)
	assert.InDelta(t, 12.0, n, 1e-9)

	_, ok = Field{Value: "12"}.Float()
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "b"}, Field{Value: []any{"a", 3.0, "b"}}.Strings())
	assert.Equal(t, []string{"solo"}, Field{Value: "solo"}.Strings())
	assert.Nil(t, Field{Value: 4.0}.Strings())

	s, ok := Field{Value: "leak"}.Text()
	assert.True(t, ok)
	assert.Equal(t, "leak", s)
}

func TestFieldUncalibrated(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.8, Field{Confidence: 0.8}.Uncalibrated())

	raw := 0.95
	var decoded Field
	data, err := json.Marshal(Field{Value: "High", Confidence: 0.65, RawConfidence: &raw})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 0.65, decoded.Confidence)
	assert.Equal(t, 0.95, decoded.Uncalibrated())
}
