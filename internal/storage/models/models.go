package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write races a concurrent state change,
	// such as finishing a cancelled request or editing a superseded version.
	ErrConflict = errors.New("state conflict")
)

type Category string

const (
	CategoryPlumbing           Category = "Plumbing"
	CategoryElectrical         Category = "Electrical"
	CategoryHVAC               Category = "HVAC"
	CategoryRoofing            Category = "Roofing"
	CategoryFlooring           Category = "Flooring"
	CategoryAppliances         Category = "Appliances"
	CategoryGeneralMaintenance Category = "General Maintenance"
)

var Categories = []Category{
	CategoryPlumbing,
	CategoryElectrical,
	CategoryHVAC,
	CategoryRoofing,
	CategoryFlooring,
	CategoryAppliances,
	CategoryGeneralMaintenance,
}

// ParseCategory matches s case-insensitively against the known categories,
// accepting underscores or dashes for spaces.
func ParseCategory(s string) (Category, bool) {
	norm := strings.NewReplacer("_", " ", "-", " ").Replace(strings.TrimSpace(s))
	for _, c := range Categories {
		if strings.EqualFold(norm, string(c)) {
			return c, true
		}
	}
	return "", false
}

type SubjectType string

const (
	SubjectProject SubjectType = "project"
	SubjectQuote   SubjectType = "quote"
)

type Source string

const (
	SourcePhoto    Source = "photo"
	SourceDocument Source = "document"
	SourceForm     Source = "form"
)

type RequestStatus string

const (
	RequestQueued     RequestStatus = "queued"
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
	RequestCancelled  RequestStatus = "cancelled"
)

func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed || s == RequestCancelled
}

type ResultKind string

const (
	KindScope ResultKind = "scope"
	KindQuote ResultKind = "quote"
)

type ResultStatus string

const (
	ResultPending     ResultStatus = "pending"
	ResultCompleted   ResultStatus = "completed"
	ResultNeedsReview ResultStatus = "needs_review"
	ResultFailed      ResultStatus = "failed"
)

type FieldSource string

const (
	FieldSourceModel FieldSource = "model"
	FieldSourceHuman FieldSource = "human"
	// FieldSourceForm marks values typed into the quote web form.
	FieldSourceForm FieldSource = "form"
)

type Band string

const (
	BandHigh   Band = "high"
	BandMedium Band = "medium"
	BandLow    Band = "low"
)

var Bands = []Band{BandHigh, BandMedium, BandLow}

const (
	HighConfidence   = 0.90
	MediumConfidence = 0.70
)

func BandFor(confidence float64) Band {
	switch {
	case confidence >= HighConfidence:
		return BandHigh
	case confidence >= MediumConfidence:
		return BandMedium
	default:
		return BandLow
	}
}

// StatusFor maps an overall confidence to the result status a fresh
// result should carry.
func StatusFor(confidence float64) ResultStatus {
	if BandFor(confidence) == BandLow {
		return ResultNeedsReview
	}
	return ResultCompleted
}

type AnalysisRequest struct {
	ID          string      `json:"id"`
	OrgID       string      `json:"org_id"`
	SubjectID   string      `json:"subject_id"`
	SubjectType SubjectType `json:"subject_type"`
	ParentID    string      `json:"parent_id,omitempty"`
	MediaRefs   []string    `json:"media_refs"`
	Category    Category    `json:"category"`
	Context     string      `json:"context,omitempty"`
	Source      Source      `json:"source"`
	// Payload holds the document body or the JSON form for non-photo sources.
	Payload       string        `json:"-"`
	RequestKey    string        `json:"request_key"`
	Status        RequestStatus `json:"status"`
	FailureReason string        `json:"failure_reason,omitempty"`
	BudgetFlagged bool          `json:"budget_flagged"`
	ResultID      string        `json:"result_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type Field struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
	// RawConfidence is the model confidence before calibration. It is set
	// only when calibration changed Confidence.
	RawConfidence *float64    `json:"raw_confidence,omitempty"`
	Source        FieldSource `json:"source"`
	Unmapped      []string    `json:"unmapped,omitempty"`
	Flags         []string    `json:"flags,omitempty"`
}

// Uncalibrated returns the confidence the model reported, before any
// calibration adjustment.
func (f Field) Uncalibrated() float64 {
	if f.RawConfidence != nil {
		return *f.RawConfidence
	}
	return f.Confidence
}

func (f Field) HasFlag(flag string) bool {
	for _, existing := range f.Flags {
		if existing == flag {
			return true
		}
	}
	return false
}

func (f *Field) AddFlag(flag string) {
	if !f.HasFlag(flag) {
		f.Flags = append(f.Flags, flag)
	}
}

// Float returns the value as a number. Values decoded from JSON arrive as
// float64; freshly extracted ones may be any numeric kind.
func (f Field) Float() (float64, bool) {
	switch v := f.Value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		n, err := v.Float64()
		return n, err == nil
	default:
		return 0, false
	}
}

// Text returns the value when it is a string.
func (f Field) Text() (string, bool) {
	s, ok := f.Value.(string)
	return s, ok
}

// Strings returns list values as strings, skipping non-string entries.
func (f Field) Strings() []string {
	switch v := f.Value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

type Fields map[string]Field

// Clone copies the map and the slices inside each field. Values are shared;
// they are treated as immutable once extracted.
func (fs Fields) Clone() Fields {
	out := make(Fields, len(fs))
	for name, f := range fs {
		if f.Unmapped != nil {
			f.Unmapped = append([]string(nil), f.Unmapped...)
		}
		if f.Flags != nil {
			f.Flags = append([]string(nil), f.Flags...)
		}
		out[name] = f
	}
	return out
}

type AnalysisResult struct {
	ID                string       `json:"id"`
	OrgID             string       `json:"org_id"`
	RequestID         string       `json:"request_id"`
	SubjectID         string       `json:"subject_id"`
	ParentID          string       `json:"parent_id,omitempty"`
	Kind              ResultKind   `json:"kind"`
	Category          Category     `json:"category"`
	Fields            Fields       `json:"fields"`
	OverallConfidence float64      `json:"overall_confidence"`
	Band              Band         `json:"band"`
	RawResponse       string       `json:"raw_response,omitempty"`
	Status            ResultStatus `json:"status"`
	Model             string       `json:"model,omitempty"`
	PreviousVersionID string       `json:"previous_version_id,omitempty"`
	Version           int          `json:"version"`
	ProfileVersion    int          `json:"profile_version"`
	ReviewedBy        string       `json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time   `json:"reviewed_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

type FeedbackRecord struct {
	ID               string         `json:"id"`
	OrgID            string         `json:"org_id"`
	ResultID         string         `json:"analysis_result_id"`
	RaterRole        string         `json:"rater_role"`
	FieldCorrections map[string]any `json:"field_corrections,omitempty"`
	Rating           int            `json:"rating"`
	Comments         string         `json:"comments,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

type CostEntry struct {
	ID            string          `json:"id"`
	OrgID         string          `json:"org_id"`
	RequestID     string          `json:"analysis_request_id"`
	Attempt       int             `json:"attempt"`
	Model         string          `json:"model"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	UnitsConsumed int             `json:"units_consumed"`
	ComputedCost  decimal.Decimal `json:"computed_cost"`
	Success       bool            `json:"success"`
	CreatedAt     time.Time       `json:"created_at"`
}

// BandAdjustment is the learned correction for one confidence band of one
// field.
type BandAdjustment struct {
	Adjustment     float64 `json:"adjustment"`
	Samples        int     `json:"samples"`
	Accuracy       float64 `json:"accuracy"`
	MeanConfidence float64 `json:"mean_confidence"`
}

type FieldCurve map[Band]BandAdjustment

type CalibrationProfile struct {
	Category   Category              `json:"category"`
	Version    int                   `json:"version"`
	ComputedAt time.Time             `json:"computed_at"`
	SampleSize int                   `json:"sample_size"`
	Fields     map[string]FieldCurve `json:"fields"`
}

// Adjustment returns the additive correction for a field at the given raw
// confidence, or 0 when the profile has nothing for it.
func (p *CalibrationProfile) Adjustment(field string, confidence float64) float64 {
	if p == nil {
		return 0
	}
	curve, ok := p.Fields[field]
	if !ok {
		return 0
	}
	return curve[BandFor(confidence)].Adjustment
}

// FeedbackSample is one feedback record joined with the result it rates.
type FeedbackSample struct {
	FeedbackID       string
	ResultID         string
	Category         Category
	Fields           Fields
	FieldCorrections map[string]any
	Rating           int
	CreatedAt        time.Time
}

type CategoryAccuracy struct {
	Category          Category `json:"category"`
	Analyses          int      `json:"analyses"`
	AverageConfidence float64  `json:"average_confidence"`
}

type AccuracyStats struct {
	TotalAnalyses     int                `json:"total_analyses"`
	AverageConfidence float64            `json:"average_confidence"`
	AverageRating     float64            `json:"average_rating"`
	FeedbackCount     int                `json:"feedback_count"`
	ByCategory        []CategoryAccuracy `json:"by_category"`
	LastFeedbackAt    *time.Time         `json:"last_feedback_at,omitempty"`
}

// CostSummary aggregates cost entries over a time range.
type CostSummary struct {
	Total    decimal.Decimal
	Entries  int
	Requests int
}
