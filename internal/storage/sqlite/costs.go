package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smartscope/backend/internal/storage/models"
)

func (c *Client) InsertCostEntry(ctx context.Context, e *models.CostEntry) error {
	success := 0
	if e.Success {
		success = 1
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO cost_entries (id, org_id, request_id, attempt, model, unit_cost, units_consumed, computed_cost, success, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.OrgID,
		nullString(e.RequestID),
		e.Attempt,
		e.Model,
		e.UnitCost.String(),
		e.UnitsConsumed,
		e.ComputedCost.String(),
		success,
		toUnix(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert cost entry: %w", err)
	}
	return nil
}

// SumCosts totals entries for org created at or after since. Amounts are
// stored as decimal strings and summed exactly in Go.
func (c *Client) SumCosts(ctx context.Context, orgID string, since time.Time) (models.CostSummary, error) {
	summary := models.CostSummary{Total: decimal.Zero}

	rows, err := c.db.QueryContext(ctx,
		`SELECT computed_cost, COALESCE(request_id, '') FROM cost_entries WHERE org_id = ? AND created_at >= ?`,
		orgID, toUnix(since),
	)
	if err != nil {
		return summary, fmt.Errorf("failed to sum costs: %w", err)
	}
	defer rows.Close()

	requests := make(map[string]struct{})
	for rows.Next() {
		var amount, requestID string
		if err := rows.Scan(&amount, &requestID); err != nil {
			return summary, fmt.Errorf("failed to scan row: %w", err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return summary, fmt.Errorf("invalid stored amount %q: %w", amount, err)
		}
		summary.Total = summary.Total.Add(d)
		summary.Entries++
		if requestID != "" {
			requests[requestID] = struct{}{}
		}
	}
	summary.Requests = len(requests)
	return summary, rows.Err()
}

func (c *Client) ListCostEntries(ctx context.Context, orgID, requestID string) ([]*models.CostEntry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, org_id, COALESCE(request_id, ''), attempt, model, unit_cost, units_consumed, computed_cost, success, created_at
		FROM cost_entries WHERE org_id = ? AND request_id = ? ORDER BY created_at, attempt`,
		orgID, requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cost entries: %w", err)
	}
	defer rows.Close()

	var out []*models.CostEntry
	for rows.Next() {
		var e models.CostEntry
		var unitCost, computed string
		var success int
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.OrgID, &e.RequestID, &e.Attempt, &e.Model, &unitCost, &e.UnitsConsumed, &computed, &success, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if e.UnitCost, err = decimal.NewFromString(unitCost); err != nil {
			return nil, fmt.Errorf("invalid stored unit cost %q: %w", unitCost, err)
		}
		if e.ComputedCost, err = decimal.NewFromString(computed); err != nil {
			return nil, fmt.Errorf("invalid stored amount %q: %w", computed, err)
		}
		e.Success = success == 1
		e.CreatedAt = fromUnix(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}
