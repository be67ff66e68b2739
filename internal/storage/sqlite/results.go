package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/smartscope/backend/internal/storage/models"
	"github.com/smartscope/backend/pkg/logger"
)

const resultColumns = `id, org_id, request_id, subject_id, parent_id, kind, category, fields, overall_confidence,
	band, raw_response, status, model, previous_version_id, version, profile_version, reviewed_by, reviewed_at, created_at`

func insertResult(ctx context.Context, db execer, r *models.AnalysisResult) error {
	fieldsJSON, err := json.Marshal(r.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}

	query := `INSERT INTO analysis_results (` + resultColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.ExecContext(ctx, query,
		r.ID,
		r.OrgID,
		r.RequestID,
		r.SubjectID,
		nullString(r.ParentID),
		string(r.Kind),
		string(r.Category),
		string(fieldsJSON),
		r.OverallConfidence,
		string(r.Band),
		nullString(r.RawResponse),
		string(r.Status),
		nullString(r.Model),
		nullString(r.PreviousVersionID),
		r.Version,
		r.ProfileVersion,
		nullString(r.ReviewedBy),
		nullTime(r.ReviewedAt),
		toUnix(r.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("result %s supersedes %s: %w", r.ID, r.PreviousVersionID, models.ErrConflict)
		}
		return fmt.Errorf("failed to insert analysis result: %w", err)
	}
	return nil
}

func (c *Client) GetResult(ctx context.Context, orgID, id string) (*models.AnalysisResult, error) {
	query := `SELECT ` + resultColumns + ` FROM analysis_results WHERE id = ? AND org_id = ?`

	r, err := scanResult(c.db.QueryRowContext(ctx, query, id, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("analysis result %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis result: %w", err)
	}
	return r, nil
}

// LatestResultForSubject returns the newest result row for a subject,
// including review versions.
func (c *Client) LatestResultForSubject(ctx context.Context, orgID, subjectID string) (*models.AnalysisResult, error) {
	query := `SELECT ` + resultColumns + ` FROM analysis_results
		WHERE org_id = ? AND subject_id = ?
		ORDER BY created_at DESC, version DESC
		LIMIT 1`

	r, err := scanResult(c.db.QueryRowContext(ctx, query, orgID, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result for subject %s: %w", subjectID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subject result: %w", err)
	}
	return r, nil
}

// ListSubjectResults pages through a subject's results, newest first.
func (c *Client) ListSubjectResults(ctx context.Context, orgID, subjectID string, limit, offset int) ([]*models.AnalysisResult, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + resultColumns + ` FROM analysis_results
		WHERE org_id = ? AND subject_id = ?
		ORDER BY created_at DESC, version DESC
		LIMIT ? OFFSET ?`

	return c.queryResults(ctx, query, orgID, subjectID, limit, offset)
}

// ListResultVersions returns every version produced for the same request as
// id, oldest first.
func (c *Client) ListResultVersions(ctx context.Context, orgID, id string) ([]*models.AnalysisResult, error) {
	seed, err := c.GetResult(ctx, orgID, id)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + resultColumns + ` FROM analysis_results
		WHERE org_id = ? AND request_id = ?
		ORDER BY version ASC`

	return c.queryResults(ctx, query, orgID, seed.RequestID)
}

// InsertResultVersion stores a review version. The previous version must be
// the current head of its chain; otherwise ErrConflict is returned.
func (c *Client) InsertResultVersion(ctx context.Context, r *models.AnalysisResult) error {
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM analysis_results WHERE id = ? AND org_id = ?`,
			r.PreviousVersionID, r.OrgID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check previous version: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("analysis result %s: %w", r.PreviousVersionID, models.ErrNotFound)
		}
		return insertResult(ctx, tx, r)
	})
	if err != nil {
		return err
	}

	logger.Info("Result version stored",
		zap.String("result_id", r.ID),
		zap.String("previous_version_id", r.PreviousVersionID),
		zap.Int("version", r.Version),
	)
	return nil
}

// ListProjectQuotes returns the current version of each quote submitted for
// a project, ordered by the first submission of each quote. Failed results
// are skipped.
func (c *Client) ListProjectQuotes(ctx context.Context, orgID, projectID string) ([]*models.AnalysisResult, error) {
	query := `SELECT ` + qualified("r", resultColumns) + `, q.created_at
		FROM analysis_results r
		JOIN analysis_requests q ON q.id = r.request_id
		WHERE r.org_id = ? AND r.parent_id = ? AND r.kind = ? AND r.status != ?
			AND NOT EXISTS (SELECT 1 FROM analysis_results n WHERE n.previous_version_id = r.id)
		ORDER BY q.created_at ASC, r.created_at ASC`

	rows, err := c.db.QueryContext(ctx, query, orgID, projectID, string(models.KindQuote), string(models.ResultFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to list project quotes: %w", err)
	}
	defer rows.Close()

	type head struct {
		result      *models.AnalysisResult
		firstSubmit int64
	}
	bySubject := make(map[string]*head)
	for rows.Next() {
		var submitted int64
		r, err := scanResultWith(rows, &submitted)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		h, ok := bySubject[r.SubjectID]
		if !ok {
			bySubject[r.SubjectID] = &head{result: r, firstSubmit: submitted}
			continue
		}
		// A resubmitted quote replaces the earlier head but keeps its place.
		if !r.CreatedAt.Before(h.result.CreatedAt) {
			h.result = r
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list project quotes: %w", err)
	}

	heads := make([]*head, 0, len(bySubject))
	for _, h := range bySubject {
		heads = append(heads, h)
	}
	sort.SliceStable(heads, func(i, j int) bool {
		if heads[i].firstSubmit != heads[j].firstSubmit {
			return heads[i].firstSubmit < heads[j].firstSubmit
		}
		return heads[i].result.SubjectID < heads[j].result.SubjectID
	})

	out := make([]*models.AnalysisResult, len(heads))
	for i, h := range heads {
		out[i] = h.result
	}
	return out, nil
}

func (c *Client) queryResults(ctx context.Context, query string, args ...any) ([]*models.AnalysisResult, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var results []*models.AnalysisResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	return results, nil
}

func scanResult(row rowScanner) (*models.AnalysisResult, error) {
	return scanResultWith(row)
}

func scanResultWith(row rowScanner, extra ...any) (*models.AnalysisResult, error) {
	var r models.AnalysisResult
	var parentID, rawResponse, model, previousID, reviewedBy sql.NullString
	var reviewedAt sql.NullInt64
	var kind, category, fieldsJSON, band, status string
	var createdAt int64

	dest := []any{
		&r.ID,
		&r.OrgID,
		&r.RequestID,
		&r.SubjectID,
		&parentID,
		&kind,
		&category,
		&fieldsJSON,
		&r.OverallConfidence,
		&band,
		&rawResponse,
		&status,
		&model,
		&previousID,
		&r.Version,
		&r.ProfileVersion,
		&reviewedBy,
		&reviewedAt,
		&createdAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &r.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	r.ParentID = parentID.String
	r.Kind = models.ResultKind(kind)
	r.Category = models.Category(category)
	r.Band = models.Band(band)
	r.RawResponse = rawResponse.String
	r.Status = models.ResultStatus(status)
	r.Model = model.String
	r.PreviousVersionID = previousID.String
	r.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		t := fromUnix(reviewedAt.Int64)
		r.ReviewedAt = &t
	}
	r.CreatedAt = fromUnix(createdAt)
	return &r, nil
}

func qualified(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
