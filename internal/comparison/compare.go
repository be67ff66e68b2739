// Package comparison aligns standardized quotes for one project into a
// side-by-side matrix.
package comparison

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/smartscope/backend/internal/extraction"
	"github.com/smartscope/backend/internal/storage/models"
)

// MaxQuotes bounds how many quotes are compared at once.
const MaxQuotes = 4

var (
	ErrNoQuotes      = errors.New("no quotes to compare")
	ErrTooManyQuotes = errors.New("too many quotes to compare")
)

// Best-value criteria.
const (
	BestLowestPrice     = "lowest_price"
	BestFastest         = "fastest"
	BestLongestWarranty = "longest_warranty"
)

var criteria = []struct {
	name  string
	field string
	lower bool
}{
	{BestLowestPrice, extraction.FieldTotalAmount, true},
	{BestFastest, extraction.FieldTimelineDays, true},
	{BestLongestWarranty, extraction.FieldWarrantyMonths, false},
}

// numericTolerance is the relative spread under which numbers count as equal.
const numericTolerance = 0.005

type Cell struct {
	Value      any     `json:"value,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Present    bool    `json:"present"`
	Best       bool    `json:"best,omitempty"`
}

type Row struct {
	Field string `json:"field"`
	Cells []Cell `json:"cells"`
	// Divergent is set when present values disagree.
	Divergent bool `json:"divergent"`
	// Missing is set when some quotes lack the field and others have it.
	Missing bool `json:"missing"`
}

type QuoteSummary struct {
	ResultID          string   `json:"result_id"`
	SubjectID         string   `json:"subject_id"`
	OverallConfidence float64  `json:"overall_confidence"`
	BestFor           []string `json:"best_for"`
	MissingItems      []string `json:"missing_items"`
}

type Comparison struct {
	Quotes []QuoteSummary `json:"quotes"`
	Rows   []Row          `json:"rows"`
	// Best maps each criterion to the winning result id.
	Best map[string]string `json:"best"`
}

// Compare builds the matrix for quotes ordered by submission time. The
// first submitted quote wins ties.
func Compare(quotes []*models.AnalysisResult) (*Comparison, error) {
	if len(quotes) == 0 {
		return nil, ErrNoQuotes
	}
	if len(quotes) > MaxQuotes {
		return nil, fmt.Errorf("%w: %d exceeds %d", ErrTooManyQuotes, len(quotes), MaxQuotes)
	}

	c := &Comparison{
		Quotes: make([]QuoteSummary, len(quotes)),
		Rows:   make([]Row, 0, len(extraction.QuoteFieldNames)),
		Best:   make(map[string]string),
	}
	for i, q := range quotes {
		c.Quotes[i] = QuoteSummary{
			ResultID:          q.ID,
			SubjectID:         q.SubjectID,
			OverallConfidence: q.OverallConfidence,
			BestFor:           []string{},
		}
	}

	rowIndex := make(map[string]int)
	for _, name := range extraction.QuoteFieldNames {
		row := Row{Field: name, Cells: make([]Cell, len(quotes))}
		for i, q := range quotes {
			if f, ok := q.Fields[name]; ok && present(f.Value) {
				row.Cells[i] = Cell{Value: f.Value, Confidence: f.Confidence, Present: true}
			}
		}
		row.Divergent, row.Missing = assess(row.Cells)
		rowIndex[name] = len(c.Rows)
		c.Rows = append(c.Rows, row)
	}

	for _, crit := range criteria {
		row := &c.Rows[rowIndex[crit.field]]
		winner := -1
		var best float64
		for i, q := range quotes {
			v, ok := q.Fields[crit.field].Float()
			if !ok || !row.Cells[i].Present {
				continue
			}
			if winner < 0 || (crit.lower && v < best) || (!crit.lower && v > best) {
				winner, best = i, v
			}
		}
		if winner < 0 {
			continue
		}
		row.Cells[winner].Best = true
		c.Best[crit.name] = quotes[winner].ID
		c.Quotes[winner].BestFor = append(c.Quotes[winner].BestFor, crit.name)
	}

	missing := missingItems(quotes)
	for i := range c.Quotes {
		c.Quotes[i].MissingItems = missing[i]
	}
	return c, nil
}

// missingItems returns, per quote, the inclusions offered by any quote but
// not by that one, in first-seen order.
func missingItems(quotes []*models.AnalysisResult) [][]string {
	var union []string
	own := make([]map[string]bool, len(quotes))
	seen := make(map[string]bool)
	for i, q := range quotes {
		own[i] = make(map[string]bool)
		for _, item := range q.Fields[extraction.FieldInclusions].Strings() {
			key := itemKey(item)
			if key == "" {
				continue
			}
			own[i][key] = true
			if !seen[key] {
				seen[key] = true
				union = append(union, strings.TrimSpace(item))
			}
		}
	}

	out := make([][]string, len(quotes))
	for i := range quotes {
		out[i] = []string{}
		for _, item := range union {
			if !own[i][itemKey(item)] {
				out[i] = append(out[i], item)
			}
		}
	}
	return out
}

func itemKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func assess(cells []Cell) (divergent, missing bool) {
	var values []any
	for _, c := range cells {
		if c.Present {
			values = append(values, c.Value)
		}
	}
	missing = len(values) > 0 && len(values) < len(cells)
	for i := 1; i < len(values); i++ {
		if !equal(values[0], values[i]) {
			divergent = true
			break
		}
	}
	return divergent, missing
}

func equal(a, b any) bool {
	af, aNum := number(a)
	bf, bNum := number(b)
	if aNum && bNum {
		scale := math.Max(math.Abs(af), math.Abs(bf))
		return scale == 0 || math.Abs(af-bf) <= scale*numericTolerance
	}
	as, bs := normalized(a), normalized(b)
	return as == bs
}

func number(v any) (float64, bool) {
	return models.Field{Value: v}.Float()
}

// normalized renders a value for comparison: lists become sorted, lowered
// item sets.
func normalized(v any) string {
	switch t := v.(type) {
	case string:
		return itemKey(t)
	case []string, []any:
		items := models.Field{Value: t}.Strings()
		keys := make([]string, 0, len(items))
		for _, item := range items {
			keys = append(keys, itemKey(item))
		}
		sort.Strings(keys)
		return strings.Join(keys, "\x00")
	default:
		return fmt.Sprint(t)
	}
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case []string:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}
