package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/smartscope/backend/internal/storage/models"
	"github.com/smartscope/backend/pkg/logger"
)

// InsertProfile appends a new version of the category's profile and sets
// p.Version to the number it was assigned.
func (c *Client) InsertProfile(ctx context.Context, p *models.CalibrationProfile) error {
	fieldsJSON, err := json.Marshal(p.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	err = c.withTx(ctx, func(tx *sql.Tx) error {
		var current int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM calibration_profiles WHERE category = ?`,
			string(p.Category),
		).Scan(&current); err != nil {
			return fmt.Errorf("failed to read profile version: %w", err)
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO calibration_profiles (category, version, computed_at, sample_size, fields) VALUES (?, ?, ?, ?, ?)`,
			string(p.Category), current+1, toUnix(p.ComputedAt), p.SampleSize, string(fieldsJSON),
		)
		if err != nil {
			return fmt.Errorf("failed to insert profile: %w", err)
		}
		p.Version = current + 1
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("Calibration profile stored",
		zap.String("category", string(p.Category)),
		zap.Int("version", p.Version),
		zap.Int("sample_size", p.SampleSize),
	)
	return nil
}

func (c *Client) LatestProfile(ctx context.Context, category models.Category) (*models.CalibrationProfile, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT category, version, computed_at, sample_size, fields FROM calibration_profiles
		WHERE category = ? ORDER BY version DESC LIMIT 1`,
		string(category),
	)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile for %s: %w", category, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// LatestProfiles returns the newest profile of every category that has one.
func (c *Client) LatestProfiles(ctx context.Context) (map[models.Category]*models.CalibrationProfile, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT p.category, p.version, p.computed_at, p.sample_size, p.fields
		FROM calibration_profiles p
		JOIN (SELECT category, MAX(version) AS version FROM calibration_profiles GROUP BY category) m
			ON m.category = p.category AND m.version = p.version`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	out := make(map[models.Category]*models.CalibrationProfile)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out[p.Category] = p
	}
	return out, rows.Err()
}

func scanProfile(row rowScanner) (*models.CalibrationProfile, error) {
	var p models.CalibrationProfile
	var category, fieldsJSON string
	var computedAt int64
	if err := row.Scan(&category, &p.Version, &computedAt, &p.SampleSize, &fieldsJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &p.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	p.Category = models.Category(category)
	p.ComputedAt = fromUnix(computedAt)
	return &p, nil
}
