package extraction

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Quote field names.
const (
	FieldTotalAmount    = "total_amount"
	FieldLaborCost      = "labor_cost"
	FieldMaterialsCost  = "materials_cost"
	FieldTimelineDays   = "timeline_days"
	FieldStartDate      = "start_date"
	FieldCompletionDate = "completion_date"
	FieldWarrantyMonths = "warranty_months"
	FieldInclusions     = "inclusions"
	FieldExclusions     = "exclusions"
	FieldPaymentTerms   = "payment_terms"
	FieldContactEmail   = "contact_email"
	FieldContactPhone   = "contact_phone"
)

// Scope field names.
const (
	FieldPrimaryIssue           = "primary_issue"
	FieldSeverity               = "severity"
	FieldScopeItems             = "scope_items"
	FieldMaterials              = "materials"
	FieldEstimatedHours         = "estimated_hours"
	FieldSafetyNotes            = "safety_notes"
	FieldAdditionalObservations = "additional_observations"
)

// DateLayout is how extracted dates are stored.
const DateLayout = "2006-01-02"

// PatternMatch is one structured value found in free text.
type PatternMatch struct {
	Field      string  `json:"field"`
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
}

const numberExpr = `([0-9]{1,3}(?:,[0-9]{3})+(?:\.[0-9]{1,2})?|[0-9]+(?:\.[0-9]{1,2})?)`

var (
	labelledAmount = regexp.MustCompile(`(?i)\b(grand\s+total|total(?:\s+(?:amount|price|cost|due))?|amount\s+due|balance\s+due|labou?r(?:\s+(?:cost|charge|total))?|materials?(?:\s+(?:cost|total))?|parts(?:\s+(?:cost|total))?)\b\s*(?:is|of|:|-|=)?\s*(\$|usd\s*)?` + numberExpr + `(\s*(?:business\s+|working\s+)?(?:days?|weeks?|months?|years?|hours?|hrs?)\b)?`)
	dollarAmount   = regexp.MustCompile(`\$\s*` + numberExpr)

	dateExpr      = `(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4}|[A-Za-z]{3,9}\.?\s+\d{1,2},?\s+\d{4}|\d{1,2}\s+[A-Za-z]{3,9}\.?,?\s+\d{4})`
	startDate     = regexp.MustCompile(`(?i)\b(?:start(?:ing)?(?:\s+date)?|can\s+start|begin(?:ning|s)?(?:\s+on)?|commenc(?:e|ement|ing)(?:\s+date)?)\b[^0-9A-Za-z\n]{0,5}(?:on\s+)?` + dateExpr)
	completeDate  = regexp.MustCompile(`(?i)\b(?:complet(?:ion|ed|e)(?:\s+(?:date|by))?|finish(?:ed)?(?:\s+by)?|end\s+date|done\s+by)\b[^0-9A-Za-z\n]{0,5}(?:on\s+)?` + dateExpr)
	dateLayouts   = []string{"2006-01-02", "1/2/2006", "01/02/2006", "1/2/06", "01/02/06", "January 2, 2006", "January 2 2006", "Jan 2, 2006", "Jan 2 2006", "Jan. 2, 2006", "2 January 2006", "2 Jan 2006", "2 January, 2006"}
	durationLabel = regexp.MustCompile(`(?i)\b(?:timeline|duration|takes?|will\s+take|estimated\s+(?:duration|time)|turnaround|completed?\s+(?:in|within))\b[^0-9\n]{0,20}$`)
	duration      = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*(?:(?:-|to)\s*(\d+(?:\.\d+)?)\s*)?(?:business\s+|working\s+)?(days?|weeks?|months?)\b`)

	warrantyAfter  = regexp.MustCompile(`(?i)\b(\d+)\s*[- ]?\s*(years?|yrs?|months?|mos?)\b[^.\n]{0,25}?\bwarrant(?:y|ied|ee)`)
	warrantyPeriod = regexp.MustCompile(`(?i)(\d+)\s*[- ]?\s*(years?|yrs?|months?|mos?)\b`)
	warrantyBefore = regexp.MustCompile(`(?i)\bwarrant(?:y|ied|ee)\b[^0-9\n]{0,30}?(\d+)\s*[- ]?\s*(years?|yrs?|months?|mos?)\b`)

	emailExpr = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneExpr = regexp.MustCompile(`(?:\+?1[\s.\-]?)?\(?\b\d{3}\)?[\s.\-]?\d{3}[\s.\-]\d{4}\b`)

	paymentLabelled = regexp.MustCompile(`(?im)\bpayment(?:\s+terms|\s+schedule)?\s*[:\-]\s*([^\n]+)`)
	paymentPhrase   = regexp.MustCompile(`(?i)\b(net\s+\d{1,3}(?:\s+days)?|\d{1,3}%\s+(?:deposit|down|upfront)[^.\n]*|(?:due|payable)\s+(?:on|upon)\s+(?:completion|receipt)[^.\n]*)`)

	exclusionHeading = regexp.MustCompile(`(?i)^\s*(?:exclusions?|excluded|excludes|not\s+included|does\s+not\s+include)\b\s*:?\s*(.*)$`)
	inclusionHeading = regexp.MustCompile(`(?i)^\s*(?:inclusions?|included|includes|scope\s+of\s+work|what'?s\s+included|work\s+includes)\b\s*:?\s*(.*)$`)
	bulletLine       = regexp.MustCompile(`^\s*(?:[-*\x{2022}]|\d+[.)])\s+(.+)$`)
)

// ExtractPatterns scans free text for quote fields and keeps the strongest
// match per field. On equal confidence the earliest match wins.
func ExtractPatterns(text string) map[string]PatternMatch {
	best := make(map[string]PatternMatch)
	add := func(m PatternMatch) {
		if cur, ok := best[m.Field]; !ok || m.Confidence > cur.Confidence {
			best[m.Field] = m
		}
	}

	for _, m := range amountMatches(text) {
		add(m)
	}
	if _, ok := best[FieldTotalAmount]; !ok {
		if m, ok := largestDollarAmount(text); ok {
			add(m)
		}
	}

	for _, m := range dateMatches(text, startDate, FieldStartDate) {
		add(m)
	}
	for _, m := range dateMatches(text, completeDate, FieldCompletionDate) {
		add(m)
	}

	warranties, covered := warrantyMatches(text)
	for _, m := range warranties {
		add(m)
	}
	payments, paymentSpans := paymentMatches(text)
	for _, m := range payments {
		add(m)
	}
	covered = append(covered, paymentSpans...)
	for _, m := range durationMatches(text, covered) {
		add(m)
	}

	if loc := emailExpr.FindStringIndex(text); loc != nil {
		email := strings.ToLower(text[loc[0]:loc[1]])
		add(PatternMatch{Field: FieldContactEmail, Value: email, Confidence: 0.95, Evidence: email})
	}
	for _, loc := range phoneExpr.FindAllStringIndex(text, -1) {
		if overlaps(loc, covered) {
			continue
		}
		raw := text[loc[0]:loc[1]]
		add(PatternMatch{Field: FieldContactPhone, Value: normalizePhone(raw), Confidence: 0.9, Evidence: strings.TrimSpace(raw)})
		break
	}

	if items := sectionItems(text, inclusionHeading, exclusionHeading); len(items) > 0 {
		add(PatternMatch{Field: FieldInclusions, Value: items, Confidence: 0.75, Evidence: strings.Join(items, "; ")})
	}
	if items := sectionItems(text, exclusionHeading, inclusionHeading); len(items) > 0 {
		add(PatternMatch{Field: FieldExclusions, Value: items, Confidence: 0.75, Evidence: strings.Join(items, "; ")})
	}

	return best
}

func amountMatches(text string) []PatternMatch {
	var out []PatternMatch
	for _, sm := range labelledAmount.FindAllStringSubmatch(text, -1) {
		if sm[4] != "" {
			// "labor: 3 days" is a duration, not money.
			continue
		}
		amount, ok := ParseAmount(sm[3])
		if !ok {
			continue
		}
		field := amountField(sm[1])
		conf := 0.8
		if strings.TrimSpace(sm[2]) != "" {
			conf = 0.95
		}
		out = append(out, PatternMatch{Field: field, Value: amount, Confidence: conf, Evidence: strings.TrimSpace(sm[0])})
	}
	return out
}

func amountField(label string) string {
	l := strings.ToLower(label)
	switch {
	case strings.HasPrefix(l, "lab"):
		return FieldLaborCost
	case strings.HasPrefix(l, "material"), strings.HasPrefix(l, "parts"):
		return FieldMaterialsCost
	default:
		return FieldTotalAmount
	}
}

func largestDollarAmount(text string) (PatternMatch, bool) {
	var best PatternMatch
	found := false
	for _, sm := range dollarAmount.FindAllStringSubmatch(text, -1) {
		amount, ok := ParseAmount(sm[1])
		if !ok {
			continue
		}
		if !found || amount > best.Value.(float64) {
			best = PatternMatch{Field: FieldTotalAmount, Value: amount, Confidence: 0.5, Evidence: sm[0]}
			found = true
		}
	}
	return best, found
}

// ParseAmount reads "2,500.00", "$2500" or "USD 2500" as a number.
func ParseAmount(s string) (float64, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "$")
	if strings.HasPrefix(strings.ToUpper(s), "USD") {
		s = s[3:]
	}
	s = strings.TrimPrefix(strings.TrimSpace(s), "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || !isFinite(v) || v < 0 {
		return 0, false
	}
	return v, true
}

func dateMatches(text string, re *regexp.Regexp, field string) []PatternMatch {
	var out []PatternMatch
	for _, sm := range re.FindAllStringSubmatch(text, -1) {
		d, ok := ParseDate(sm[1])
		if !ok {
			continue
		}
		out = append(out, PatternMatch{Field: field, Value: d.Format(DateLayout), Confidence: 0.9, Evidence: strings.TrimSpace(sm[0])})
	}
	return out
}

// ParseDate accepts ISO, US numeric and written-month dates.
func ParseDate(s string) (time.Time, bool) {
	s = strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func warrantyMatches(text string) ([]PatternMatch, [][]int) {
	var out []PatternMatch
	var spans [][]int
	for _, re := range []*regexp.Regexp{warrantyAfter, warrantyBefore} {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			n, err := strconv.Atoi(text[loc[2]:loc[3]])
			if err != nil {
				continue
			}
			months := n
			if unit := strings.ToLower(text[loc[4]:loc[5]]); strings.HasPrefix(unit, "y") {
				months = n * 12
			}
			out = append(out, PatternMatch{
				Field:      FieldWarrantyMonths,
				Value:      float64(months),
				Confidence: 0.9,
				Evidence:   strings.TrimSpace(text[loc[0]:loc[1]]),
			})
			spans = append(spans, []int{loc[0], loc[1]})
		}
	}
	return out, spans
}

func paymentMatches(text string) ([]PatternMatch, [][]int) {
	var out []PatternMatch
	var spans [][]int
	for _, loc := range paymentLabelled.FindAllStringSubmatchIndex(text, -1) {
		terms := strings.TrimSpace(text[loc[2]:loc[3]])
		out = append(out, PatternMatch{Field: FieldPaymentTerms, Value: terms, Confidence: 0.7, Evidence: strings.TrimSpace(text[loc[0]:loc[1]])})
		spans = append(spans, []int{loc[0], loc[1]})
	}
	if len(out) > 0 {
		return out, spans
	}
	for _, loc := range paymentPhrase.FindAllStringIndex(text, -1) {
		terms := strings.TrimSpace(text[loc[0]:loc[1]])
		out = append(out, PatternMatch{Field: FieldPaymentTerms, Value: terms, Confidence: 0.7, Evidence: terms})
		spans = append(spans, loc)
	}
	return out, spans
}

func durationMatches(text string, exclude [][]int) []PatternMatch {
	var out []PatternMatch
	for _, loc := range duration.FindAllStringSubmatchIndex(text, -1) {
		span := []int{loc[0], loc[1]}
		if overlaps(span, exclude) {
			continue
		}
		n, err := strconv.ParseFloat(text[loc[2]:loc[3]], 64)
		if err != nil {
			continue
		}
		if loc[4] >= 0 {
			if upper, err := strconv.ParseFloat(text[loc[4]:loc[5]], 64); err == nil {
				n = upper
			}
		}
		days := n * unitDays(text[loc[6]:loc[7]])

		lineStart := strings.LastIndexByte(text[:loc[0]], '\n') + 1
		conf := 0.6
		evidence := strings.TrimSpace(text[loc[0]:loc[1]])
		if prefix := text[lineStart:loc[0]]; durationLabel.MatchString(prefix) {
			conf = 0.85
			evidence = strings.TrimSpace(text[lineStart:loc[1]])
		}
		out = append(out, PatternMatch{Field: FieldTimelineDays, Value: days, Confidence: conf, Evidence: evidence})
	}
	return out
}

func unitDays(unit string) float64 {
	u := strings.ToLower(unit)
	switch {
	case strings.HasPrefix(u, "week"):
		return 7
	case strings.HasPrefix(u, "month"):
		return 30
	default:
		return 1
	}
}

// ParseDuration converts phrases like "3 days" or "2-3 weeks" to days.
func ParseDuration(s string) (float64, bool) {
	sm := duration.FindStringSubmatch(s)
	if sm == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(sm[1], 64)
	if err != nil {
		return 0, false
	}
	if sm[2] != "" {
		if upper, err := strconv.ParseFloat(sm[2], 64); err == nil {
			n = upper
		}
	}
	return n * unitDays(sm[3]), true
}

// ParseWarrantyMonths converts "1 year" or "18 months" to months.
func ParseWarrantyMonths(s string) (float64, bool) {
	sm := warrantyPeriod.FindStringSubmatch(s)
	if sm == nil {
		return 0, false
	}
	n, err := strconv.Atoi(sm[1])
	if err != nil {
		return 0, false
	}
	if strings.HasPrefix(strings.ToLower(sm[2]), "y") {
		n *= 12
	}
	return float64(n), true
}

func normalizePhone(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) == 11 && d[0] == '1' {
		d = d[1:]
	}
	if len(d) != 10 {
		return strings.TrimSpace(raw)
	}
	return "(" + d[:3] + ") " + d[3:6] + "-" + d[6:]
}

// sectionItems collects bullet lines, or a comma list on the heading line,
// under every heading matching open. A blank line or a heading matching
// stop ends the section.
func sectionItems(text string, open, stop *regexp.Regexp) []string {
	var items []string
	seen := make(map[string]bool)
	push := func(item string) {
		item = strings.Trim(strings.TrimSpace(item), ".;")
		key := strings.ToLower(item)
		if item == "" || seen[key] {
			return
		}
		seen[key] = true
		items = append(items, item)
	}

	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		if stop.MatchString(lines[i]) {
			continue
		}
		sm := open.FindStringSubmatch(lines[i])
		if sm == nil {
			continue
		}
		for _, part := range splitList(sm[1]) {
			push(part)
		}
		for i+1 < len(lines) {
			next := lines[i+1]
			if strings.TrimSpace(next) == "" || stop.MatchString(next) || open.MatchString(next) {
				break
			}
			b := bulletLine.FindStringSubmatch(next)
			if b == nil {
				break
			}
			push(b[1])
			i++
		}
	}
	return items
}

func splitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
}

func overlaps(span []int, others [][]int) bool {
	for _, o := range others {
		if span[0] < o[1] && o[0] < span[1] {
			return true
		}
	}
	return false
}

// SortedFields lists the field names of a match set in a stable order.
func SortedFields(matches map[string]PatternMatch) []string {
	names := make([]string, 0, len(matches))
	for name := range matches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
