package standardize

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/smartscope/backend/internal/extraction"
	"github.com/smartscope/backend/internal/storage/models"
)

var ErrInvalidForm = errors.New("invalid quote form")

type QuoteLineItem struct {
	Description   string   `json:"description"`
	Category      string   `json:"category,omitempty"`
	Quantity      *float64 `json:"quantity,omitempty"`
	UnitOfMeasure string   `json:"unit_of_measure,omitempty"`
	UnitPrice     *float64 `json:"unit_price,omitempty"`
	LineTotal     float64  `json:"line_total"`
	// IsIncluded defaults to true.
	IsIncluded *bool `json:"is_included,omitempty"`
}

// QuoteForm is a quote typed into the contractor web form.
type QuoteForm struct {
	TotalAmount           float64         `json:"total_amount"`
	LaborCost             *float64        `json:"labor_cost,omitempty"`
	MaterialsCost         *float64        `json:"materials_cost,omitempty"`
	CanStartDate          string          `json:"can_start_date,omitempty"`
	EstimatedDurationDays *int            `json:"estimated_duration_days,omitempty"`
	CompletionDate        string          `json:"completion_date,omitempty"`
	PaymentTerms          string          `json:"payment_terms,omitempty"`
	WarrantyPeriodMonths  *int            `json:"warranty_period_months,omitempty"`
	ContactName           string          `json:"contact_name,omitempty"`
	ContactEmail          string          `json:"contact_email,omitempty"`
	ContactPhone          string          `json:"contact_phone,omitempty"`
	Inclusions            []string        `json:"inclusions,omitempty"`
	Exclusions            []string        `json:"exclusions,omitempty"`
	LineItems             []QuoteLineItem `json:"line_items,omitempty"`
	Notes                 string          `json:"notes,omitempty"`
}

func (f QuoteForm) Validate() error {
	var problems []string
	if f.TotalAmount <= 0 {
		problems = append(problems, "total_amount must be positive")
	}
	if f.LaborCost != nil && *f.LaborCost < 0 {
		problems = append(problems, "labor_cost must not be negative")
	}
	if f.MaterialsCost != nil && *f.MaterialsCost < 0 {
		problems = append(problems, "materials_cost must not be negative")
	}
	if f.EstimatedDurationDays != nil && *f.EstimatedDurationDays < 0 {
		problems = append(problems, "estimated_duration_days must not be negative")
	}
	if f.WarrantyPeriodMonths != nil && (*f.WarrantyPeriodMonths < 0 || *f.WarrantyPeriodMonths > 120) {
		problems = append(problems, "warranty_period_months must be within 0-120")
	}
	start, startErr := parseFormDate(f.CanStartDate)
	if startErr != nil {
		problems = append(problems, "can_start_date: "+startErr.Error())
	}
	end, endErr := parseFormDate(f.CompletionDate)
	if endErr != nil {
		problems = append(problems, "completion_date: "+endErr.Error())
	}
	if startErr == nil && endErr == nil && !start.IsZero() && !end.IsZero() && end.Before(start) {
		problems = append(problems, "completion_date is before can_start_date")
	}
	if len(f.PaymentTerms) > 1000 {
		problems = append(problems, "payment_terms exceeds 1000 characters")
	}
	if len(f.Notes) > 2000 {
		problems = append(problems, "notes exceeds 2000 characters")
	}
	if f.ContactEmail != "" && !strings.Contains(f.ContactEmail, "@") {
		problems = append(problems, "contact_email is not an email address")
	}
	for i, item := range f.LineItems {
		if strings.TrimSpace(item.Description) == "" {
			problems = append(problems, fmt.Sprintf("line_items[%d].description is required", i))
		}
		if item.LineTotal < 0 {
			problems = append(problems, fmt.Sprintf("line_items[%d].line_total must not be negative", i))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidForm, strings.Join(problems, "; "))
	}
	return nil
}

// FormConfidence is 0.9, plus up to 0.05 for itemized lines and 0.02 for a
// contact email, capped at 0.99.
func FormConfidence(f QuoteForm) float64 {
	c := 0.9
	if len(f.LineItems) > 0 {
		c += math.Min(0.05, float64(len(f.LineItems))*0.005)
	}
	if f.ContactEmail != "" {
		c += 0.02
	}
	return math.Min(c, 0.99)
}

// FromForm converts a validated form into quote fields.
func FromForm(f QuoteForm) (models.Fields, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	conf := FormConfidence(f)
	fields := make(models.Fields)
	set := func(name string, v any) {
		fields[name] = models.Field{Value: v, Confidence: conf, Source: models.FieldSourceForm}
	}

	set(extraction.FieldTotalAmount, f.TotalAmount)
	if f.LaborCost != nil {
		set(extraction.FieldLaborCost, *f.LaborCost)
	}
	if f.MaterialsCost != nil {
		set(extraction.FieldMaterialsCost, *f.MaterialsCost)
	}
	if f.EstimatedDurationDays != nil {
		set(extraction.FieldTimelineDays, float64(*f.EstimatedDurationDays))
	}
	if f.CanStartDate != "" {
		set(extraction.FieldStartDate, f.CanStartDate)
	}
	if f.CompletionDate != "" {
		set(extraction.FieldCompletionDate, f.CompletionDate)
	}
	if f.WarrantyPeriodMonths != nil {
		set(extraction.FieldWarrantyMonths, float64(*f.WarrantyPeriodMonths))
	}
	if terms := strings.TrimSpace(f.PaymentTerms); terms != "" {
		set(extraction.FieldPaymentTerms, terms)
	}
	if f.ContactEmail != "" {
		set(extraction.FieldContactEmail, strings.ToLower(strings.TrimSpace(f.ContactEmail)))
	}
	if f.ContactPhone != "" {
		set(extraction.FieldContactPhone, strings.TrimSpace(f.ContactPhone))
	}

	inclusions := append([]string(nil), f.Inclusions...)
	exclusions := append([]string(nil), f.Exclusions...)
	for _, item := range f.LineItems {
		if item.IsIncluded == nil || *item.IsIncluded {
			inclusions = append(inclusions, strings.TrimSpace(item.Description))
		} else {
			exclusions = append(exclusions, strings.TrimSpace(item.Description))
		}
	}
	if len(inclusions) > 0 {
		set(extraction.FieldInclusions, inclusions)
	}
	if len(exclusions) > 0 {
		set(extraction.FieldExclusions, exclusions)
	}
	return fields, nil
}

func parseFormDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(extraction.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD, got %q", s)
	}
	return t, nil
}
