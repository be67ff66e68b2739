package cost

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Report struct {
	OrgID       string          `json:"org_id"`
	Timeframe   string          `json:"timeframe"`
	Since       time.Time       `json:"since"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	Analyses    int             `json:"analyses"`
	Attempts    int             `json:"attempts"`
	AverageCost decimal.Decimal `json:"average_cost"`
}

// ParseTimeframe reads "24h", "30d", "4w" or "3m" (30-day months).
func ParseTimeframe(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", s)
	}
	day := 24 * time.Hour
	switch s[len(s)-1] {
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * day, nil
	case 'w':
		return time.Duration(n) * 7 * day, nil
	case 'm':
		return time.Duration(n) * 30 * day, nil
	default:
		return 0, fmt.Errorf("invalid timeframe %q", s)
	}
}

// Report summarizes spend over a trailing timeframe.
func (t *Tracker) Report(ctx context.Context, orgID, timeframe string) (*Report, error) {
	d, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	since := t.now().Add(-d)
	summary, err := t.store.SumCosts(ctx, orgID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to sum costs: %w", err)
	}

	r := &Report{
		OrgID:       orgID,
		Timeframe:   timeframe,
		Since:       since.UTC(),
		TotalCost:   summary.Total,
		Analyses:    summary.Requests,
		Attempts:    summary.Entries,
		AverageCost: decimal.Zero,
	}
	if summary.Requests > 0 {
		r.AverageCost = summary.Total.Div(decimal.NewFromInt(int64(summary.Requests))).Round(6)
	}
	return r, nil
}
