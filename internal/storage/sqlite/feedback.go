package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/smartscope/backend/internal/storage/models"
	"github.com/smartscope/backend/pkg/logger"
)

func (c *Client) InsertFeedback(ctx context.Context, fb *models.FeedbackRecord) error {
	correctionsJSON, err := json.Marshal(fb.FieldCorrections)
	if err != nil {
		return fmt.Errorf("failed to encode corrections: %w", err)
	}

	err = c.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM analysis_results WHERE id = ? AND org_id = ?`,
			fb.ResultID, fb.OrgID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check result: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("analysis result %s: %w", fb.ResultID, models.ErrNotFound)
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO feedback (id, org_id, result_id, rater_role, field_corrections, rating, comments, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			fb.ID,
			fb.OrgID,
			fb.ResultID,
			fb.RaterRole,
			string(correctionsJSON),
			fb.Rating,
			fb.Comments,
			toUnix(fb.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to store feedback: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("Feedback stored",
		zap.String("result_id", fb.ResultID),
		zap.Int("rating", fb.Rating),
		zap.Int("corrections", len(fb.FieldCorrections)),
	)
	return nil
}

func (c *Client) ListFeedback(ctx context.Context, orgID, resultID string) ([]*models.FeedbackRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, org_id, result_id, rater_role, field_corrections, rating, comments, created_at
		FROM feedback WHERE org_id = ? AND result_id = ? ORDER BY created_at`,
		orgID, resultID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var out []*models.FeedbackRecord
	for rows.Next() {
		var fb models.FeedbackRecord
		var role, corrections, comments sql.NullString
		var createdAt int64
		if err := rows.Scan(&fb.ID, &fb.OrgID, &fb.ResultID, &role, &corrections, &fb.Rating, &comments, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if corrections.Valid && corrections.String != "" {
			if err := json.Unmarshal([]byte(corrections.String), &fb.FieldCorrections); err != nil {
				return nil, fmt.Errorf("failed to decode corrections: %w", err)
			}
		}
		fb.RaterRole = role.String
		fb.Comments = comments.String
		fb.CreatedAt = fromUnix(createdAt)
		out = append(out, &fb)
	}
	return out, rows.Err()
}

// FeedbackSnapshot returns every feedback record joined with the result it
// rates, optionally limited to one category. A single SELECT reads one
// consistent snapshot in SQLite.
func (c *Client) FeedbackSnapshot(ctx context.Context, category models.Category) ([]models.FeedbackSample, error) {
	query := `SELECT f.id, r.id, r.category, r.fields, f.field_corrections, f.rating, f.created_at
		FROM feedback f
		JOIN analysis_results r ON r.id = f.result_id`
	var args []any
	if category != "" {
		query += ` WHERE r.category = ?`
		args = append(args, string(category))
	}
	query += ` ORDER BY f.created_at, f.id`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read feedback snapshot: %w", err)
	}
	defer rows.Close()

	var out []models.FeedbackSample
	for rows.Next() {
		var s models.FeedbackSample
		var cat, fieldsJSON string
		var corrections sql.NullString
		var createdAt int64
		if err := rows.Scan(&s.FeedbackID, &s.ResultID, &cat, &fieldsJSON, &corrections, &s.Rating, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &s.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode fields: %w", err)
		}
		if corrections.Valid && corrections.String != "" {
			if err := json.Unmarshal([]byte(corrections.String), &s.FieldCorrections); err != nil {
				return nil, fmt.Errorf("failed to decode corrections: %w", err)
			}
		}
		s.Category = models.Category(cat)
		s.CreatedAt = fromUnix(createdAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// AccuracyStats summarises results and feedback for one organization.
func (c *Client) AccuracyStats(ctx context.Context, orgID string) (*models.AccuracyStats, error) {
	stats := &models.AccuracyStats{}

	var avgConf sql.NullFloat64
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(overall_confidence) FROM analysis_results WHERE org_id = ? AND status != ?`,
		orgID, string(models.ResultFailed),
	).Scan(&stats.TotalAnalyses, &avgConf); err != nil {
		return nil, fmt.Errorf("failed to aggregate results: %w", err)
	}
	stats.AverageConfidence = avgConf.Float64

	var avgRating sql.NullFloat64
	var lastFeedback sql.NullInt64
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(rating), MAX(created_at) FROM feedback WHERE org_id = ?`,
		orgID,
	).Scan(&stats.FeedbackCount, &avgRating, &lastFeedback); err != nil {
		return nil, fmt.Errorf("failed to aggregate feedback: %w", err)
	}
	stats.AverageRating = avgRating.Float64
	if lastFeedback.Valid {
		t := fromUnix(lastFeedback.Int64)
		stats.LastFeedbackAt = &t
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT category, COUNT(*), AVG(overall_confidence) FROM analysis_results
		WHERE org_id = ? AND status != ?
		GROUP BY category ORDER BY category`,
		orgID, string(models.ResultFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate categories: %w", err)
	}
	defer rows.Close()

	stats.ByCategory = []models.CategoryAccuracy{}
	for rows.Next() {
		var ca models.CategoryAccuracy
		var cat string
		if err := rows.Scan(&cat, &ca.Analyses, &ca.AverageConfidence); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ca.Category = models.Category(cat)
		stats.ByCategory = append(stats.ByCategory, ca)
	}
	return stats, rows.Err()
}
